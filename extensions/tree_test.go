package extensions

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	pumped "github.com/pumped-fn/pumped-scope"
)

func usage(in, out int64) map[reflect.Type]pumped.Metric {
	return map[reflect.Type]pumped.Metric{
		reflect.TypeFor[pumped.TokenUsage](): pumped.TokenUsage{InputTokens: in, OutputTokens: out},
	}
}

func sampleTree() *pumped.Summary {
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return &pumped.Summary{
		ID:      "root-id",
		Label:   "request",
		Start:   t0,
		End:     t0.Add(1200 * time.Millisecond),
		Metrics: usage(10, 0),
		Totals:  usage(15, 4),
		Children: []*pumped.Summary{
			{
				ID:       "call-id",
				ParentID: "root-id",
				Label:    "call",
				Start:    t0,
				End:      t0.Add(310 * time.Millisecond),
				Metrics:  usage(5, 4),
				Totals:   usage(5, 4),
			},
			{
				ID:       "search-id",
				ParentID: "root-id",
				Label:    "search",
				Start:    t0,
				End:      t0.Add(12 * time.Millisecond),
				Err:      errors.New("not found"),
			},
		},
	}
}

func TestFormatTree(t *testing.T) {
	expected := strings.Join([]string{
		"request 1.2s ✓",
		"│     token_usage: input_tokens=10 output_tokens=0",
		"├─> call 310ms ✓",
		"│     token_usage: input_tokens=5 output_tokens=4",
		"└─> search 12ms ❌ (error: not found)",
		"",
	}, "\n")

	assert.Equal(t, expected, FormatTree(sampleTree()))
}

func TestFormatTree_EarlyExitAndEvents(t *testing.T) {
	t0 := time.Now()
	s := &pumped.Summary{
		Label: "task",
		Start: t0,
		End:   t0.Add(time.Millisecond),
		Err:   pumped.ErrEarlyExit,
		Metrics: map[reflect.Type]pumped.Metric{
			reflect.TypeFor[pumped.Events](): pumped.Events{{Name: "call"}, {Name: "result"}},
		},
	}

	out := FormatTree(s)
	assert.Contains(t, out, "⏹ (exited early)")
	assert.Contains(t, out, "events: 2 [call, result]")
}

func TestTreeReporter_WritesLiveTree(t *testing.T) {
	var buf bytes.Buffer
	m := pumped.NewManager(pumped.WithReporter(NewTreeReporter(&buf)))
	defer func() { _ = m.Dispose() }()

	err := m.Run(context.Background(), "root", func(ctx context.Context) error {
		return pumped.Within(ctx, "child", func(ctx context.Context) error {
			return pumped.Record(ctx, pumped.Count("hits", 2))
		})
	})
	require.NoError(t, err)

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "root "))
	assert.True(t, strings.HasPrefix(lines[1], "└─> child "))
	assert.Equal(t, "      counters: hits=2", lines[2])
}

func TestDebugExtension_LogsFailedRootTree(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	m := pumped.NewManager(pumped.WithExtension(NewDebugExtension(zap.New(core))))
	defer func() { _ = m.Dispose() }()

	boom := errors.New("boom")
	err := m.Run(context.Background(), "root", func(ctx context.Context) error {
		return pumped.Within(ctx, "failing", func(ctx context.Context) error { return boom })
	})
	require.ErrorIs(t, err, boom)

	entries := logs.FilterMessage("scope failed").All()
	require.Len(t, entries, 1, "only the root logs its tree")
	tree, ok := entries[0].ContextMap()["scope_tree"].(string)
	require.True(t, ok)
	assert.Contains(t, tree, "└─> failing")
	assert.Contains(t, tree, "error: boom")
}

type brokenDep struct{}

func TestDebugExtension_LogsFailedConstruction(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	broken := pumped.Provide(func(rc *pumped.ResolveCtx) (*brokenDep, error) {
		return nil, errors.New("misconfigured")
	})
	m := pumped.NewManager(
		pumped.WithDependency(broken),
		pumped.WithExtension(NewDebugExtension(zap.New(core))),
	)
	defer func() { _ = m.Dispose() }()

	_, err := pumped.Dependency[*brokenDep](m.Attach(context.Background()))
	require.Error(t, err)

	entries := logs.FilterMessage("operation failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "construct", fields["operation"])
	assert.Equal(t, "*extensions.brokenDep", fields["type"])
}
