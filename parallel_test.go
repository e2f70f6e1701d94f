package pumped

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallel_ResultsByPositionAndMergedTotals(t *testing.T) {
	m := newTestManager(t)

	var results []any
	_, summary, err := Exec(m, context.Background(), "root", func(ctx context.Context) (struct{}, error) {
		var err error
		results, err = Parallel(ctx, WithBranchLabels("slow", "fast")).Run(
			func(ctx context.Context) (any, error) {
				time.Sleep(10 * time.Millisecond)
				return "slow", Record(ctx, TokenUsage{InputTokens: 3})
			},
			func(ctx context.Context) (any, error) {
				return 2, Record(ctx, TokenUsage{InputTokens: 4})
			},
		)
		return struct{}{}, err
	})
	require.NoError(t, err)

	assert.Equal(t, []any{"slow", 2}, results)

	usage, _ := SummaryMetric[TokenUsage](summary)
	assert.Equal(t, int64(7), usage.InputTokens)
	require.Len(t, summary.Children, 2)
	assert.NotNil(t, summary.Find("slow"))
	assert.NotNil(t, summary.Find("fast"))
}

func TestParallel_DefaultLabels(t *testing.T) {
	m := newTestManager(t)
	ctx, h := enter(t, m, "root")

	_, err := Parallel(ctx).Run(
		func(ctx context.Context) (any, error) { return nil, nil },
		func(ctx context.Context) (any, error) { return nil, nil },
	)
	require.NoError(t, err)
	require.NoError(t, h.Exit(nil))

	assert.NotNil(t, h.Summary().Find("branch-0"))
	assert.NotNil(t, h.Summary().Find("branch-1"))
}

func TestParallel_BranchStateIsolated(t *testing.T) {
	m := newTestManager(t, WithRootState(testConfig{Model: "root"}))
	ctx, h := enter(t, m, "root")
	defer h.Exit(nil)

	results, err := Parallel(ctx).Run(
		func(ctx context.Context) (any, error) {
			return Do(ctx, "override", func(ctx context.Context) (string, error) {
				return MustState[testConfig](ctx).Model, nil
			}, WithState(testConfig{Model: "branch"}))
		},
		func(ctx context.Context) (any, error) {
			time.Sleep(5 * time.Millisecond)
			return MustState[testConfig](ctx).Model, nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, []any{"branch", "root"}, results)
}

func TestParallel_FailFastCancelsSiblings(t *testing.T) {
	m := newTestManager(t)
	ctx, h := enter(t, m, "root")
	defer h.Exit(nil)

	boom := errors.New("boom")
	_, err := Parallel(ctx, WithFailFast()).Run(
		func(ctx context.Context) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "late", nil
			}
		},
		func(ctx context.Context) (any, error) {
			return nil, boom
		},
	)

	var be *BranchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Index)
	assert.Equal(t, "branch-1", be.Label)
	assert.ErrorIs(t, err, boom)
}

func TestParallel_CollectErrors(t *testing.T) {
	m := newTestManager(t)
	ctx, h := enter(t, m, "root")
	defer h.Exit(nil)

	errA := errors.New("a failed")
	errC := errors.New("c failed")

	results, err := Parallel(ctx, WithCollectErrors()).Run(
		func(ctx context.Context) (any, error) { return nil, errA },
		func(ctx context.Context) (any, error) { return "ok", nil },
		func(ctx context.Context) (any, error) { return nil, errC },
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errC)
	assert.Equal(t, "ok", results[1])
}

func TestParallel_GroupContextPerMode(t *testing.T) {
	m := newTestManager(t)
	ctx, h := enter(t, m, "root")
	defer h.Exit(nil)

	_, gctx := Parallel(ctx, WithCollectErrors()).group()
	assert.Equal(t, ctx, gctx)

	g, gctx := Parallel(ctx, WithFailFast()).group()
	assert.NotEqual(t, ctx, gctx)
	require.NoError(t, g.Wait())
	assert.ErrorIs(t, gctx.Err(), context.Canceled)
	assert.NoError(t, ctx.Err())
}

func TestParallel_Limit(t *testing.T) {
	m := newTestManager(t)
	ctx, h := enter(t, m, "root")
	defer h.Exit(nil)

	var running, peak atomic.Int32
	branch := func(ctx context.Context) (any, error) {
		n := running.Add(1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}

	_, err := Parallel(ctx, WithLimit(2)).Run(branch, branch, branch, branch, branch)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestParallel_OutsideScope(t *testing.T) {
	_, err := Parallel(context.Background()).Run()
	assert.ErrorIs(t, err, ErrNoScope)
}

func TestParallelMap(t *testing.T) {
	m := newTestManager(t)
	ctx, h := enter(t, m, "root")
	defer h.Exit(nil)

	out, err := ParallelMap(ctx, []int{1, 2, 3}, func(ctx context.Context, n int) (int, error) {
		return n * n, Record(ctx, Count("items", 1))
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 9}, out)

	counters, _ := Aggregate[Counters](ctx)
	assert.Equal(t, 3.0, counters["items"])
}
