package pumped

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Manager owns a scope tree: root state, the shared dependency registry,
// reporters and extensions.
type Manager struct {
	mu         sync.RWMutex
	rootState  Registry
	deps       *dependencyRegistry
	extensions []Extension
	reporters  []Reporter
	tags       map[string]any
	logger     *zap.Logger
	config     Config
	history    *History
	disposed   atomic.Bool
}

// ManagerOption is a modifier for managers
type ManagerOption func(*Manager)

// WithRootState sets state visible to every scope of the manager
func WithRootState(values ...any) ManagerOption {
	return func(m *Manager) {
		m.rootState = m.rootState.With(values...)
	}
}

// WithDependency registers dependency providers
func WithDependency(providers ...AnyProvider) ManagerOption {
	return func(m *Manager) {
		for _, p := range providers {
			m.deps.providers[p.Type()] = p
		}
	}
}

// WithPreset seeds the dependency registry with a ready instance of T
func WithPreset[T any](value T) ManagerOption {
	return func(m *Manager) {
		m.deps.preset(reflect.TypeFor[T](), value)
	}
}

// WithReporter registers a sink for completed root scopes
func WithReporter(reporters ...Reporter) ManagerOption {
	return func(m *Manager) {
		m.reporters = append(m.reporters, reporters...)
	}
}

// WithExtension returns an option that registers an extension to a manager
func WithExtension(ext Extension) ManagerOption {
	return func(m *Manager) {
		if err := m.UseExtension(ext); err != nil {
			panic(err)
		}
	}
}

// WithLogger sets the logger for failures the manager cannot return
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConfig replaces the default configuration
func WithConfig(cfg Config) ManagerOption {
	return func(m *Manager) {
		m.config = cfg
		m.history = newHistory(cfg.HistoryLimit)
	}
}

// WithManagerTag returns an option that sets a tag on a manager
func WithManagerTag[T any](tag Tag[T], val T) ManagerOption {
	return func(m *Manager) {
		m.tags[tag.key] = val
	}
}

// NewManager creates a new manager with optional configuration
func NewManager(opts ...ManagerOption) *Manager {
	cfg := DefaultConfig()
	m := &Manager{
		deps:       newDependencyRegistry(),
		extensions: []Extension{},
		tags:       make(map[string]any),
		logger:     zap.NewNop(),
		config:     cfg,
		history:    newHistory(cfg.HistoryLimit),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Config returns the manager's configuration
func (m *Manager) Config() Config {
	return m.config
}

// Logger returns the manager's logger
func (m *Manager) Logger() *zap.Logger {
	return m.logger
}

// History returns the summaries of completed root scopes
func (m *Manager) History() *History {
	return m.history
}

// Attach returns ctx carrying the manager but no scope, for resolving
// dependencies outside any activation
func (m *Manager) Attach(ctx context.Context) context.Context {
	return withManager(Detach(ctx), m)
}

func (m *Manager) tag(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.tags[key]
	return v, ok
}

// UseExtension registers an extension to the manager
func (m *Manager) UseExtension(ext Extension) error {
	m.mu.Lock()
	m.extensions = append(m.extensions, ext)
	sort.SliceStable(m.extensions, func(i, j int) bool {
		return m.extensions[i].Order() < m.extensions[j].Order()
	})
	m.mu.Unlock()

	return ext.Init(m)
}

func (m *Manager) snapshotExtensions() []Extension {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exts := make([]Extension, len(m.extensions))
	copy(exts, m.extensions)
	return exts
}

// Enter activates a root scope
func (m *Manager) Enter(ctx context.Context, label string, opts ...ScopeOption) (context.Context, *Handle, error) {
	return m.open(ctx, nil, label, buildScopeConfig(opts))
}

// Run executes fn inside a root scope and exits it on every path
func (m *Manager) Run(ctx context.Context, label string, fn func(ctx context.Context) error, opts ...ScopeOption) error {
	_, _, err := Exec(m, ctx, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// Exec runs fn inside a root scope and returns its result with the root's
// finalized summary
func Exec[R any](m *Manager, ctx context.Context, label string, fn func(ctx context.Context) (R, error), opts ...ScopeOption) (R, *Summary, error) {
	ctx, h, err := m.Enter(ctx, label, opts...)
	if err != nil {
		var zero R
		return zero, nil, err
	}
	result, err := runBody(ctx, h, fn)
	return result, h.Summary(), err
}

func (m *Manager) open(ctx context.Context, parent *Scope, label string, cfg *scopeConfig) (context.Context, *Handle, error) {
	if m.disposed.Load() {
		return ctx, nil, ErrManagerDisposed
	}

	id := uuid.NewString()
	parentID := ""
	nodeTags := cfg.tags

	if parent != nil {
		if parent.State() != ScopeActive {
			return ctx, nil, &ScopeOrderingError{
				Label:  label,
				Op:     "enter",
				Reason: fmt.Sprintf("parent %q is %s", parent.label, parent.State()),
			}
		}
		if err := parent.node.register(id); err != nil {
			m.logger.Error("scope ordering violated", zap.String("scope", label), zap.Error(err))
			return ctx, nil, err
		}
		parentID = parent.node.id
	} else {
		m.mu.RLock()
		nodeTags = lo.Assign(m.tags, cfg.tags)
		m.mu.RUnlock()
	}

	s := &Scope{
		id:       id,
		label:    label,
		parent:   parent,
		manager:  m,
		state:    NewRegistry(cfg.state...),
		tags:     cfg.tags,
		node:     newMetricsNode(id, parentID, label, nodeTags, cfg.metrics...),
		ownsNode: true,
	}

	for _, ext := range m.snapshotExtensions() {
		if err := ext.OnScopeEnter(s); err != nil {
			if parent != nil {
				parent.node.abandon(id)
			}
			return ctx, nil, fmt.Errorf("extension %s rejected scope %q: %w", ext.Name(), label, err)
		}
	}

	s.lifecycle.Store(int32(ScopeActive))
	h := &Handle{scope: s, ctx: context.WithoutCancel(ctx)}
	return withScope(ctx, s), h, nil
}

func (m *Manager) close(s *Scope, h *Handle, cause error) error {
	summary, finalizeErr := s.node.Finalize(m.config.MergeTimeout, cause)

	var mergeErr error
	if s.parent != nil {
		mergeErr = s.parent.node.MergeChild(summary)
	}
	h.summary.Store(summary)

	for _, ext := range m.snapshotExtensions() {
		if err := ext.OnScopeExit(s, summary); err != nil {
			m.logger.Warn("extension scope exit hook failed",
				zap.String("extension", ext.Name()),
				zap.String("scope", s.label),
				zap.Error(err),
			)
		}
	}

	if s.parent == nil {
		m.complete(h.ctx, summary)
	}

	err := errors.Join(finalizeErr, mergeErr)
	if err != nil {
		m.logger.Error("scope ordering violated", zap.String("scope", s.label), zap.Error(err))
	}
	return err
}

func (m *Manager) complete(ctx context.Context, root *Summary) {
	m.history.add(root)

	m.mu.RLock()
	reporters := make([]Reporter, len(m.reporters))
	copy(reporters, m.reporters)
	m.mu.RUnlock()

	for _, r := range reporters {
		m.report(ctx, r, root)
	}
}

// report isolates a reporter: its error or panic is logged and swallowed.
func (m *Manager) report(ctx context.Context, r Reporter, root *Summary) {
	name := reporterName(r)
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("reporter panicked",
				zap.String("reporter", name),
				zap.String("scope", root.Label),
				zap.Any("panic", rec),
			)
		}
	}()

	exts := m.snapshotExtensions()
	op := &Operation{Kind: OpReport, Summary: root, Manager: m}

	next := func() (any, error) {
		return nil, r.Report(ctx, root)
	}
	for i := len(exts) - 1; i >= 0; i-- {
		ext := exts[i]
		currentNext := next
		next = func() (any, error) {
			return ext.Wrap(ctx, currentNext, op)
		}
	}

	if _, err := next(); err != nil {
		for _, ext := range exts {
			ext.OnError(err, op, m)
		}
		m.logger.Error("reporter failed",
			zap.String("reporter", name),
			zap.String("scope", root.Label),
			zap.Error(err),
		)
	}
}

// construct runs a dependency factory through the extension chain. Panics
// and errors come back as *ConstructionError.
func (m *Manager) construct(rc *ResolveCtx, factory func(*ResolveCtx) (any, error)) (any, error) {
	exts := m.snapshotExtensions()
	op := &Operation{Kind: OpConstruct, Type: rc.typ, Manager: m}

	next := func() (value any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = newPanicError(r)
			}
		}()
		return factory(rc)
	}

	// Apply extensions in reverse order (first in order wraps outermost)
	for i := len(exts) - 1; i >= 0; i-- {
		ext := exts[i]
		currentNext := next
		next = func() (any, error) {
			return ext.Wrap(rc.ctx, currentNext, op)
		}
	}

	value, err := next()
	if err != nil {
		for _, ext := range exts {
			ext.OnError(err, op, m)
		}
		return nil, newConstructionError(rc.typ, err)
	}
	return value, nil
}

// Dispose runs dependency cleanups in reverse construction order and then
// disposes extensions. Scopes can no longer be entered afterwards.
func (m *Manager) Dispose() error {
	if !m.disposed.CompareAndSwap(false, true) {
		return nil
	}

	exts := m.snapshotExtensions()
	all := m.deps.drainCleanups()

	for i := len(all) - 1; i >= 0; i-- {
		m.runCleanups(exts, all[i])
	}

	for _, ext := range exts {
		if err := ext.Dispose(m); err != nil {
			return fmt.Errorf("disposing extension %s: %w", ext.Name(), err)
		}
	}

	return nil
}

func (m *Manager) runCleanups(exts []Extension, tc typedCleanups) {
	for i := len(tc.entries) - 1; i >= 0; i-- {
		if err := tc.entries[i].fn(); err != nil {
			cleanupErr := &CleanupError{
				Type:    tc.typ,
				Err:     err,
				Context: "dispose",
			}

			handled := false
			for _, ext := range exts {
				if ext.OnCleanupError(cleanupErr) {
					handled = true
					break
				}
			}
			if !handled {
				m.logger.Warn("dependency cleanup failed",
					zap.Stringer("type", tc.typ),
					zap.Error(err),
				)
			}
		}
	}
}
