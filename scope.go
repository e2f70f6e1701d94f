package pumped

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ScopeState is the lifecycle position of a scope
type ScopeState int32

const (
	ScopeCreated ScopeState = iota
	ScopeActive
	ScopeExiting
	ScopeClosed
)

func (s ScopeState) String() string {
	switch s {
	case ScopeCreated:
		return "created"
	case ScopeActive:
		return "active"
	case ScopeExiting:
		return "exiting"
	case ScopeClosed:
		return "closed"
	default:
		return fmt.Sprintf("ScopeState(%d)", int32(s))
	}
}

// Scope is one activation in the scope tree. It owns its state overrides and
// its metrics node; dependencies belong to the manager.
type Scope struct {
	id        string
	label     string
	parent    *Scope
	manager   *Manager
	state     Registry
	tags      map[string]any
	node      *MetricsNode
	ownsNode  bool
	lifecycle atomic.Int32
}

func (s *Scope) ID() string        { return s.id }
func (s *Scope) Label() string     { return s.label }
func (s *Scope) Parent() *Scope    { return s.parent }
func (s *Scope) Manager() *Manager { return s.manager }

// State returns the scope's lifecycle state
func (s *Scope) State() ScopeState {
	return ScopeState(s.lifecycle.Load())
}

// Node returns the metrics node the scope records into
func (s *Scope) Node() *MetricsNode {
	return s.node
}

func (s *Scope) transition(from, to ScopeState) bool {
	return s.lifecycle.CompareAndSwap(int32(from), int32(to))
}

type scopeConfig struct {
	state   []any
	metrics []Metric
	tags    map[string]any
}

// ScopeOption configures a nested scope
type ScopeOption func(*scopeConfig)

// WithState overrides state values inside the scope and its descendants
func WithState(values ...any) ScopeOption {
	return func(cfg *scopeConfig) {
		cfg.state = append(cfg.state, values...)
	}
}

// WithMetrics pre-seeds the scope's metrics node
func WithMetrics(metrics ...Metric) ScopeOption {
	return func(cfg *scopeConfig) {
		cfg.metrics = append(cfg.metrics, metrics...)
	}
}

// WithTag attaches a tag to the scope. It is visible to descendants and
// exported in the scope's summary.
func WithTag[T any](tag Tag[T], val T) ScopeOption {
	return func(cfg *scopeConfig) {
		cfg.tags[tag.key] = val
	}
}

func buildScopeConfig(opts []ScopeOption) *scopeConfig {
	cfg := &scopeConfig{tags: make(map[string]any)}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Handle is the exit side of a scope activation
type Handle struct {
	scope   *Scope
	ctx     context.Context
	summary atomic.Pointer[Summary]
}

// Scope returns the activated scope
func (h *Handle) Scope() *Scope {
	return h.scope
}

// Summary returns the finalized summary once Exit has run. Scopes created by
// Updated share their parent's node and have none.
func (h *Handle) Summary() *Summary {
	return h.summary.Load()
}

// Nested enters a child scope of the scope in ctx. The returned context
// carries the child; the handle must be exited exactly once.
func Nested(ctx context.Context, label string, opts ...ScopeOption) (context.Context, *Handle, error) {
	parent := scopeFrom(ctx)
	if parent == nil {
		return ctx, nil, &ResolutionError{Kind: "scope", Label: label, Cause: ErrNoScope}
	}
	return parent.manager.open(ctx, parent, label, buildScopeConfig(opts))
}

// Updated enters a child scope that keeps the current label and metrics
// node and only overrides state.
func Updated(ctx context.Context, values ...any) (context.Context, *Handle, error) {
	parent := scopeFrom(ctx)
	if parent == nil {
		return ctx, nil, &ResolutionError{Kind: "scope", Cause: ErrNoScope}
	}
	if parent.State() != ScopeActive {
		return ctx, nil, &ScopeOrderingError{
			Label:  parent.label,
			Op:     "update",
			Reason: "parent is " + parent.State().String(),
		}
	}
	if err := parent.node.addTask(); err != nil {
		return ctx, nil, err
	}

	s := &Scope{
		id:      uuid.NewString(),
		label:   parent.label,
		parent:  parent,
		manager: parent.manager,
		state:   NewRegistry(values...),
		node:    parent.node,
	}
	s.lifecycle.Store(int32(ScopeActive))

	return withScope(ctx, s), &Handle{scope: s}, nil
}

// Exit finalizes the scope and merges its metrics into the parent. cause is
// the body's outcome and is recorded in the summary; it is not returned.
// Exit reports only ordering problems, including a second call.
func (h *Handle) Exit(cause error) error {
	if h == nil || h.scope == nil {
		return &ScopeOrderingError{Op: "exit", Reason: "exit without a matching entry"}
	}
	s := h.scope
	if !s.transition(ScopeActive, ScopeExiting) {
		return &ScopeOrderingError{Label: s.label, Op: "exit", Reason: "scope is " + s.State().String()}
	}
	defer s.lifecycle.Store(int32(ScopeClosed))

	if !s.ownsNode {
		s.node.doneTask()
		return nil
	}

	return s.manager.close(s, h, cause)
}

// Do runs fn inside a nested scope and exits it on every path. A panic in fn
// is recovered and returned as a *PanicError.
func Do[R any](ctx context.Context, label string, fn func(ctx context.Context) (R, error), opts ...ScopeOption) (R, error) {
	ctx, h, err := Nested(ctx, label, opts...)
	if err != nil {
		var zero R
		return zero, err
	}
	return runBody(ctx, h, fn)
}

// Within is Do for bodies without a result
func Within(ctx context.Context, label string, fn func(ctx context.Context) error, opts ...ScopeOption) error {
	_, err := Do(ctx, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

func runBody[R any](ctx context.Context, h *Handle, fn func(ctx context.Context) (R, error)) (result R, err error) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				pe := newPanicError(r)
				_ = h.scope.node.Record(NewEvent("panic", map[string]any{"value": fmt.Sprint(r)}))
				h.scope.manager.logger.Error("scope body panicked",
					zap.String("scope", h.scope.label),
					zap.Any("panic", r),
				)
				err = pe
			}
		}()
		result, err = fn(ctx)
	}()

	if exitErr := h.Exit(err); exitErr != nil {
		if err == nil {
			return result, exitErr
		}
		return result, errors.Join(err, exitErr)
	}
	return result, err
}

// Record combines metrics into the current scope
func Record(ctx context.Context, metrics ...Metric) error {
	s := scopeFrom(ctx)
	if s == nil {
		return &ResolutionError{Kind: "scope", Cause: ErrNoScope}
	}
	return s.node.Record(metrics...)
}

// Aggregate returns the live total of metric kind T in the current scope,
// including children that already exited
func Aggregate[T Metric](ctx context.Context) (T, bool) {
	var zero T
	s := scopeFrom(ctx)
	if s == nil {
		return zero, false
	}
	m, ok := s.node.total(reflect.TypeFor[T]())
	if !ok {
		return zero, false
	}
	typed, ok := m.(T)
	return typed, ok
}
