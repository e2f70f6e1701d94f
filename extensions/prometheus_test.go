package extensions

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pumped "github.com/pumped-fn/pumped-scope"
)

func TestPrometheusReporter_ExportsScopeTree(t *testing.T) {
	reg := prometheus.NewRegistry()
	reporter := NewPrometheusReporter(reg, "agent")

	m := pumped.NewManager(pumped.WithReporter(reporter))
	defer func() { _ = m.Dispose() }()

	for i := 0; i < 2; i++ {
		err := m.Run(context.Background(), "request", func(ctx context.Context) error {
			if err := pumped.Record(ctx, pumped.TokenUsage{InputTokens: 10}, pumped.Peaks{"queue": 4}); err != nil {
				return err
			}
			return pumped.Within(ctx, "call", func(ctx context.Context) error {
				return pumped.Record(ctx, pumped.TokenUsage{InputTokens: 5, OutputTokens: 2})
			})
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(reporter.scopes.WithLabelValues("request", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(reporter.scopes.WithLabelValues("call", "success")))

	// Own metrics only: the root's input tokens do not include the child's.
	assert.Equal(t, 20.0, testutil.ToFloat64(reporter.measurements.WithLabelValues("request", "token_usage", "input_tokens")))
	assert.Equal(t, 10.0, testutil.ToFloat64(reporter.measurements.WithLabelValues("call", "token_usage", "input_tokens")))
	assert.Equal(t, 4.0, testutil.ToFloat64(reporter.levels.WithLabelValues("request", "peaks", "queue")))

	assert.Equal(t, 2, testutil.CollectAndCount(reporter.duration, "agent_scope_duration_seconds"))
}

func TestPrometheusReporter_Outcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	reporter := NewPrometheusReporter(reg, "")

	m := pumped.NewManager(pumped.WithReporter(reporter))
	defer func() { _ = m.Dispose() }()

	_ = m.Run(context.Background(), "failing", func(ctx context.Context) error {
		return errors.New("boom")
	})
	_ = m.Run(context.Background(), "stopped", func(ctx context.Context) error {
		return pumped.ErrEarlyExit
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(reporter.scopes.WithLabelValues("failing", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reporter.scopes.WithLabelValues("stopped", "early_exit")))
}

func TestPrometheusReporter_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusReporter(reg, "dup")

	assert.Panics(t, func() { NewPrometheusReporter(reg, "dup") })
}
