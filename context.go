package pumped

import (
	"context"
	"reflect"
	"slices"
	"sync"
)

type scopeKey struct{}

type managerKey struct{}

type constructingKey struct{}

func withScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func scopeFrom(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

func withManager(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, managerKey{}, m)
}

func managerFrom(ctx context.Context) *Manager {
	if s := scopeFrom(ctx); s != nil {
		return s.manager
	}
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(managerKey{}).(*Manager)
	return m
}

// Current returns the scope active in ctx
func Current(ctx context.Context) (*Scope, bool) {
	s := scopeFrom(ctx)
	return s, s != nil
}

// Detach returns a context that keeps ctx's deadline and values but carries
// no scope and no manager. Work started with it fails fast on state lookups.
func Detach(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, scopeKey{}, (*Scope)(nil))
	return context.WithValue(ctx, managerKey{}, (*Manager)(nil))
}

// Go runs fn on a new goroutine that shares the scope captured in ctx.
// The scope's metrics node waits for fn before it finalizes, so records made
// by fn are never lost. The returned channel yields fn's error and is closed.
func Go(ctx context.Context, fn func(ctx context.Context) error) <-chan error {
	errCh := make(chan error, 1)

	s := scopeFrom(ctx)
	if s != nil {
		if err := s.node.addTask(); err != nil {
			errCh <- err
			close(errCh)
			return errCh
		}
	}

	go func() {
		defer close(errCh)
		defer func() {
			if s != nil {
				s.node.doneTask()
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				errCh <- newPanicError(r)
			}
		}()

		errCh <- fn(ctx)
	}()

	return errCh
}

// constructionFrame is one in-flight dependency construction, linked to the
// construction whose factory asked for it.
type constructionFrame struct {
	typ    reflect.Type
	parent *constructionFrame
}

func frameFrom(ctx context.Context) *constructionFrame {
	f, _ := ctx.Value(constructingKey{}).(*constructionFrame)
	return f
}

// path returns the types under construction up to f, outermost first.
func (f *constructionFrame) path() []reflect.Type {
	var stack []reflect.Type
	for ; f != nil; f = f.parent {
		stack = append(stack, f.typ)
	}
	slices.Reverse(stack)
	return stack
}

func constructing(ctx context.Context) []reflect.Type {
	return frameFrom(ctx).path()
}

type cleanupEntry struct {
	fn    func() error
	order int
}

// ResolveCtx provides context for dependency factories
type ResolveCtx struct {
	ctx       context.Context
	manager   *Manager
	typ       reflect.Type
	cleanups  []cleanupEntry
	cleanupMu sync.Mutex
}

func newResolveCtx(ctx context.Context, m *Manager, frame *constructionFrame) *ResolveCtx {
	factoryCtx := withManager(Detach(context.WithoutCancel(ctx)), m)
	factoryCtx = context.WithValue(factoryCtx, constructingKey{}, frame)

	return &ResolveCtx{
		ctx:     factoryCtx,
		manager: m,
		typ:     frame.typ,
	}
}

// Context returns the context factories use to resolve their own dependencies.
// It carries the manager but no scope: dependencies are shared by the whole
// tree and must not capture the state of whichever scope asked first.
func (ctx *ResolveCtx) Context() context.Context {
	return ctx.ctx
}

// Type returns the dependency type being constructed
func (ctx *ResolveCtx) Type() reflect.Type {
	return ctx.typ
}

// OnCleanup registers a cleanup function to be called when the manager is disposed
func (ctx *ResolveCtx) OnCleanup(fn func() error) {
	ctx.cleanupMu.Lock()
	defer ctx.cleanupMu.Unlock()

	entry := cleanupEntry{
		fn:    fn,
		order: len(ctx.cleanups),
	}
	ctx.cleanups = append(ctx.cleanups, entry)
}

// GetTag retrieves a typed tag value from the manager
func GetTag[T any](ctx *ResolveCtx, tag Tag[T]) (T, bool) {
	return tag.Get(ctx.ctx)
}
