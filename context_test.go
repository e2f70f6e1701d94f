package pumped

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrent(t *testing.T) {
	_, ok := Current(context.Background())
	assert.False(t, ok)

	m := newTestManager(t)
	ctx, h := enter(t, m, "root")
	defer h.Exit(nil)

	s, ok := Current(ctx)
	require.True(t, ok)
	assert.Equal(t, "root", s.Label())
	assert.Equal(t, ScopeActive, s.State())
	assert.Same(t, m, s.Manager())
	assert.Nil(t, s.Parent())
}

func TestGo_SharesScopeAndIsAwaited(t *testing.T) {
	m := newTestManager(t, WithRootState(testConfig{Model: "shared"}))

	_, summary, err := Exec(m, context.Background(), "root", func(ctx context.Context) (struct{}, error) {
		Go(ctx, func(ctx context.Context) error {
			cfg, err := State[testConfig](ctx)
			if err != nil {
				return err
			}
			time.Sleep(20 * time.Millisecond)
			return Record(ctx, NewEvent("background", map[string]any{"model": cfg.Model}))
		})
		return struct{}{}, nil
	})
	require.NoError(t, err)

	events, ok := OwnMetric[Events](summary)
	require.True(t, ok, "background record must land before finalize")
	require.Len(t, events, 1)
	assert.Equal(t, "shared", events[0].Attributes["model"])
}

func TestGo_ReturnsErrorAndRecoversPanic(t *testing.T) {
	m := newTestManager(t)
	ctx, h := enter(t, m, "root")
	defer h.Exit(nil)

	boom := errors.New("boom")
	assert.ErrorIs(t, <-Go(ctx, func(ctx context.Context) error { return boom }), boom)

	var pe *PanicError
	require.ErrorAs(t, <-Go(ctx, func(ctx context.Context) error { panic("background") }), &pe)
	assert.Equal(t, "background", pe.Value)
}

func TestGo_WithoutScope(t *testing.T) {
	assert.NoError(t, <-Go(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestDetach_KeepsDeadlineAndValues(t *testing.T) {
	type requestKey struct{}

	m := newTestManager(t)
	base := context.WithValue(context.Background(), requestKey{}, "req-1")
	base, cancel := context.WithTimeout(base, time.Minute)
	defer cancel()

	ctx, h, err := m.Enter(base, "root")
	require.NoError(t, err)
	defer h.Exit(nil)

	detached := Detach(ctx)
	_, ok := Current(detached)
	assert.False(t, ok)
	_, hasDeadline := detached.Deadline()
	assert.True(t, hasDeadline)
	assert.Equal(t, "req-1", detached.Value(requestKey{}))

	_, _, err = Nested(detached, "orphan")
	assert.ErrorIs(t, err, ErrNoScope)
	_, err = Dependency[*testService](detached)
	assert.ErrorIs(t, err, ErrNoScope)
}

func TestCancellation_PropagatesIntoNestedScopes(t *testing.T) {
	m := newTestManager(t)
	base, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, summary, err := Exec(m, base, "root", func(ctx context.Context) (string, error) {
		return Do(ctx, "slow", func(ctx context.Context) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "finished", nil
			}
		})
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, summary)
	slow := summary.Find("slow")
	require.NotNil(t, slow)
	assert.ErrorIs(t, slow.Err, context.DeadlineExceeded)
}

func TestCancellation_ReportersSeeLiveContext(t *testing.T) {
	var mu sync.Mutex
	var reportCtxErr error
	reported := make(chan struct{})

	reporter := ReporterFunc(func(ctx context.Context, s *Summary) error {
		mu.Lock()
		reportCtxErr = ctx.Err()
		mu.Unlock()
		close(reported)
		return nil
	})

	m := newTestManager(t, WithReporter(reporter))
	base, cancel := context.WithCancel(context.Background())

	err := m.Run(base, "root", func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	<-reported
	mu.Lock()
	defer mu.Unlock()
	assert.NoError(t, reportCtxErr)
}

// slowConstructExtension delays construction and honours cancellation of the
// context handed to Wrap.
type slowConstructExtension struct {
	BaseExtension
	delay time.Duration
}

func (e *slowConstructExtension) Name() string {
	return "slow-construct"
}

func (e *slowConstructExtension) Wrap(ctx context.Context, next func() (any, error), op *Operation) (any, error) {
	if op.Kind != OpConstruct {
		return next()
	}
	select {
	case <-time.After(e.delay):
		return next()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestConstruction_OutlivesCallerCancellation(t *testing.T) {
	svc := Provide(func(rc *ResolveCtx) (*testService, error) {
		return &testService{id: 1}, nil
	})
	m := newTestManager(t,
		WithDependency(svc),
		WithExtension(&slowConstructExtension{delay: 20 * time.Millisecond}),
	)

	base, cancel := context.WithCancel(context.Background())
	ctx, h, err := m.Enter(base, "root")
	require.NoError(t, err)
	defer h.Exit(nil)

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	v, err := Dependency[*testService](ctx)
	require.NoError(t, err, "shared dependencies must not fail because one caller gave up")
	assert.Equal(t, 1, v.id)
}
