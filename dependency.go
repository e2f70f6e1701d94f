package pumped

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Provider is a factory for a singleton dependency of type T
type Provider[T any] struct {
	factory func(*ResolveCtx) (T, error)
}

// AnyProvider is a type-erased interface for registering providers
type AnyProvider interface {
	Type() reflect.Type
	constructAny(*ResolveCtx) (any, error)
}

// Provide creates a provider for T. Register it with WithDependency.
// A factory may resolve other dependencies through rc.Context(). A cycle
// fails with a *ResolutionError, including one closed by another goroutine
// constructing concurrently.
func Provide[T any](factory func(*ResolveCtx) (T, error)) *Provider[T] {
	return &Provider[T]{factory: factory}
}

// Type returns the dependency type the provider constructs
func (p *Provider[T]) Type() reflect.Type {
	return reflect.TypeFor[T]()
}

func (p *Provider[T]) constructAny(rc *ResolveCtx) (any, error) {
	return p.factory(rc)
}

// DependencyPreparer is implemented by dependency types that know how to
// construct themselves. Prepare is called on the zero value of T, so pointer
// types must not dereference their receiver.
type DependencyPreparer[T any] interface {
	Prepare(ctx context.Context) (T, error)
}

// depEntry is the construction slot of one dependency type. Its mutex is the
// per-type construction lock and is held for the whole factory run,
// including the construction of the types the factory depends on.
type depEntry struct {
	mu    sync.Mutex
	done  atomic.Bool
	value any
	err   error

	owner *constructionFrame // guarded by dependencyRegistry.waitMu
}

type dependencyRegistry struct {
	entries   sync.Map // reflect.Type -> *depEntry
	providers map[reflect.Type]AnyProvider

	// waitMu guards the wait-for graph: entry owners and the entries each
	// construction frame is blocked on.
	waitMu  sync.Mutex
	waiting map[*constructionFrame]map[*depEntry]int

	cleanupMu sync.Mutex
	cleanups  []typedCleanups
}

type typedCleanups struct {
	typ     reflect.Type
	entries []cleanupEntry
}

func newDependencyRegistry() *dependencyRegistry {
	return &dependencyRegistry{
		providers: make(map[reflect.Type]AnyProvider),
		waiting:   make(map[*constructionFrame]map[*depEntry]int),
	}
}

func (r *dependencyRegistry) entry(t reflect.Type) *depEntry {
	if e, ok := r.entries.Load(t); ok {
		return e.(*depEntry)
	}
	e, _ := r.entries.LoadOrStore(t, &depEntry{})
	return e.(*depEntry)
}

func (r *dependencyRegistry) preset(t reflect.Type, value any) {
	e := r.entry(t)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = value
	e.err = nil
	e.done.Store(true)
}

func (r *dependencyRegistry) cached(t reflect.Type) (any, error, bool) {
	v, ok := r.entries.Load(t)
	if !ok {
		return nil, nil, false
	}
	e := v.(*depEntry)
	if !e.done.Load() {
		return nil, nil, false
	}
	return e.value, e.err, true
}

// resolve returns the cached instance of t or constructs it with factory.
// Concurrent first callers block on the entry's lock; exactly one of them
// runs factory and all observe its outcome, including a failure.
func (r *dependencyRegistry) resolve(ctx context.Context, m *Manager, t reflect.Type, factory func(*ResolveCtx) (any, error)) (any, error) {
	e := r.entry(t)
	if e.done.Load() {
		return e.value, e.err
	}

	if slices.Contains(constructing(ctx), t) {
		return nil, &ResolutionError{
			Kind:  "dependency",
			Type:  t,
			Cause: fmt.Errorf("dependency cycle: %v", append(constructing(ctx), t)),
		}
	}

	waiter := frameFrom(ctx)
	if err := r.beginWait(waiter, e, t); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	frame := &constructionFrame{typ: t, parent: waiter}
	r.endWait(waiter, e, frame)
	defer r.release(e)

	if e.done.Load() {
		return e.value, e.err
	}

	rc := newResolveCtx(ctx, m, frame)
	value, err := m.construct(rc, factory)
	if err != nil {
		m.logger.Error("dependency construction failed", zap.Stringer("type", t), zap.Error(err))
		e.err = err
	} else {
		e.value = value
		r.registerCleanups(t, rc.cleanups)
	}
	e.done.Store(true)

	return e.value, e.err
}

// beginWait records that waiter is about to block on e. It fails instead
// when the construction holding e is itself waiting, directly or through
// other constructions, on waiter or one of the constructions enclosing it.
// A frame counts as waiting on whatever its nested constructions wait on.
func (r *dependencyRegistry) beginWait(waiter *constructionFrame, e *depEntry, t reflect.Type) error {
	if waiter == nil {
		return nil
	}

	r.waitMu.Lock()
	defer r.waitMu.Unlock()

	enclosing := map[*constructionFrame]bool{}
	for f := waiter; f != nil; f = f.parent {
		enclosing[f] = true
	}
	if r.reaches(e.owner, enclosing, map[*constructionFrame]bool{}) {
		return &ResolutionError{
			Kind:  "dependency",
			Type:  t,
			Cause: fmt.Errorf("dependency cycle across concurrent constructions: %v", append(waiter.path(), t)),
		}
	}

	for f := waiter; f != nil; f = f.parent {
		if r.waiting[f] == nil {
			r.waiting[f] = make(map[*depEntry]int)
		}
		r.waiting[f][e]++
	}
	return nil
}

// reaches reports whether from is one of targets or waits, transitively, on
// an entry owned by one of them.
func (r *dependencyRegistry) reaches(from *constructionFrame, targets, seen map[*constructionFrame]bool) bool {
	if from == nil || seen[from] {
		return false
	}
	if targets[from] {
		return true
	}
	seen[from] = true
	for blocked := range r.waiting[from] {
		if r.reaches(blocked.owner, targets, seen) {
			return true
		}
	}
	return false
}

// endWait drops the wait edges added by beginWait and makes frame the owner
// of e. The caller holds e.mu.
func (r *dependencyRegistry) endWait(waiter *constructionFrame, e *depEntry, frame *constructionFrame) {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()

	for f := waiter; f != nil; f = f.parent {
		blocked := r.waiting[f]
		blocked[e]--
		if blocked[e] <= 0 {
			delete(blocked, e)
		}
		if len(blocked) == 0 {
			delete(r.waiting, f)
		}
	}
	e.owner = frame
}

func (r *dependencyRegistry) release(e *depEntry) {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()
	e.owner = nil
}

func (r *dependencyRegistry) registerCleanups(t reflect.Type, entries []cleanupEntry) {
	if len(entries) == 0 {
		return
	}

	r.cleanupMu.Lock()
	defer r.cleanupMu.Unlock()
	r.cleanups = append(r.cleanups, typedCleanups{typ: t, entries: entries})
}

func (r *dependencyRegistry) drainCleanups() []typedCleanups {
	r.cleanupMu.Lock()
	defer r.cleanupMu.Unlock()
	all := r.cleanups
	r.cleanups = nil
	return all
}

// Dependency returns the shared instance of T, constructing it on first
// access through the registered provider or T's own Prepare method.
func Dependency[T any](ctx context.Context) (T, error) {
	return resolveDependency[T](ctx, nil)
}

// ResolveOrConstruct returns the shared instance of T, constructing it with
// factory if no instance exists yet. Once constructed, factory is ignored.
func ResolveOrConstruct[T any](ctx context.Context, factory func(*ResolveCtx) (T, error)) (T, error) {
	return resolveDependency(ctx, factory)
}

func resolveDependency[T any](ctx context.Context, factory func(*ResolveCtx) (T, error)) (T, error) {
	var zero T
	t := reflect.TypeFor[T]()

	m := managerFrom(ctx)
	if m == nil {
		return zero, &ResolutionError{Kind: "dependency", Type: t, Cause: ErrNoScope}
	}

	if v, err, ok := m.deps.cached(t); ok {
		if err != nil {
			return zero, err
		}
		return SafeTypeAssertion[T](v)
	}

	construct := erase(factory)
	if construct == nil {
		if p, ok := m.deps.providers[t]; ok {
			construct = p.constructAny
		}
	}
	if construct == nil {
		if p, ok := any(zero).(DependencyPreparer[T]); ok {
			construct = func(rc *ResolveCtx) (any, error) {
				return p.Prepare(rc.Context())
			}
		}
	}
	if construct == nil {
		label := ""
		if s := scopeFrom(ctx); s != nil {
			label = s.label
		}
		return zero, &ResolutionError{Kind: "dependency", Type: t, Label: label}
	}

	v, err := m.deps.resolve(ctx, m, t, construct)
	if err != nil {
		return zero, err
	}
	return SafeTypeAssertion[T](v)
}

func erase[T any](factory func(*ResolveCtx) (T, error)) func(*ResolveCtx) (any, error) {
	if factory == nil {
		return nil
	}
	return func(rc *ResolveCtx) (any, error) {
		return factory(rc)
	}
}
