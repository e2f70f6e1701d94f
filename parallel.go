package pumped

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Branch is one unit of parallel work
type Branch func(ctx context.Context) (any, error)

type ErrorMode int

const (
	// ErrorModeFailFast cancels the remaining branches on the first error
	ErrorModeFailFast ErrorMode = iota
	// ErrorModeCollectErrors runs every branch and joins their errors
	ErrorModeCollectErrors
)

// ParallelExecutor fans work out to child scopes of the scope in its context
type ParallelExecutor struct {
	ctx       context.Context
	errorMode ErrorMode
	limit     int
	labels    []string
}

type ParallelOption func(*ParallelExecutor)

func WithFailFast() ParallelOption {
	return func(pe *ParallelExecutor) {
		pe.errorMode = ErrorModeFailFast
	}
}

func WithCollectErrors() ParallelOption {
	return func(pe *ParallelExecutor) {
		pe.errorMode = ErrorModeCollectErrors
	}
}

// WithLimit caps the number of branches running at once
func WithLimit(n int) ParallelOption {
	return func(pe *ParallelExecutor) {
		pe.limit = n
	}
}

// WithBranchLabels names the branch scopes by position
func WithBranchLabels(labels ...string) ParallelOption {
	return func(pe *ParallelExecutor) {
		pe.labels = labels
	}
}

// Parallel prepares a fan-out from the scope in ctx. Each branch runs in its
// own nested scope, so state overrides made by one branch never reach its
// siblings, and every branch's metrics merge into the current scope.
func Parallel(ctx context.Context, opts ...ParallelOption) *ParallelExecutor {
	pe := &ParallelExecutor{
		ctx:       ctx,
		errorMode: ErrorModeFailFast,
	}
	for _, opt := range opts {
		opt(pe)
	}
	return pe
}

// BranchError identifies the branch that failed
type BranchError struct {
	Index int
	Label string
	Err   error
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("branch %d (%s): %v", e.Index, e.Label, e.Err)
}

func (e *BranchError) Unwrap() error {
	return e.Err
}

func (pe *ParallelExecutor) label(i int) string {
	if i < len(pe.labels) && pe.labels[i] != "" {
		return pe.labels[i]
	}
	return fmt.Sprintf("branch-%d", i)
}

// group returns the errgroup branches run in and the context they see. Only
// fail-fast mode derives a context, which the first failure cancels and
// Wait releases.
func (pe *ParallelExecutor) group() (*errgroup.Group, context.Context) {
	g, gctx := &errgroup.Group{}, pe.ctx
	if pe.errorMode == ErrorModeFailFast {
		g, gctx = errgroup.WithContext(pe.ctx)
	}
	if pe.limit > 0 {
		g.SetLimit(pe.limit)
	}
	return g, gctx
}

// Run executes branches and returns their results by position. In fail-fast
// mode the first *BranchError is returned; in collect mode every failure is
// joined in branch order.
func (pe *ParallelExecutor) Run(branches ...Branch) ([]any, error) {
	if scopeFrom(pe.ctx) == nil {
		return nil, &ResolutionError{Kind: "scope", Cause: ErrNoScope}
	}

	results := make([]any, len(branches))
	errs := make([]error, len(branches))

	g, gctx := pe.group()

	for i, branch := range branches {
		label := pe.label(i)
		g.Go(func() error {
			v, err := Do(gctx, label, func(ctx context.Context) (any, error) {
				return branch(ctx)
			})
			results[i] = v
			if err != nil {
				errs[i] = &BranchError{Index: i, Label: label, Err: err}
				if pe.errorMode == ErrorModeFailFast {
					return errs[i]
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, errors.Join(errs...)
}

// ParallelMap applies fn to every item in its own nested scope and returns
// the results in input order
func ParallelMap[T, R any](ctx context.Context, items []T, fn func(ctx context.Context, item T) (R, error), opts ...ParallelOption) ([]R, error) {
	branches := make([]Branch, len(items))
	for i, item := range items {
		branches[i] = func(ctx context.Context) (any, error) {
			return fn(ctx, item)
		}
	}

	raw, err := Parallel(ctx, opts...).Run(branches...)
	out := make([]R, len(raw))
	for i, v := range raw {
		if typed, ok := v.(R); ok {
			out[i] = typed
		}
	}
	return out, err
}
