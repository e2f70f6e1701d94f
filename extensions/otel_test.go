package extensions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	pumped "github.com/pumped-fn/pumped-scope"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestOTelMetricsReporter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	reporter, err := NewOTelMetricsReporter(provider.Meter("pumped-test"))
	require.NoError(t, err)

	m := pumped.NewManager(pumped.WithReporter(reporter))
	defer func() { _ = m.Dispose() }()

	err = m.Run(context.Background(), "root", func(ctx context.Context) error {
		return pumped.Within(ctx, "call", func(ctx context.Context) error {
			return pumped.Record(ctx, pumped.TokenUsage{InputTokens: 7, OutputTokens: 3})
		})
	})
	require.NoError(t, err)

	metrics := collect(t, reader)

	scopes, ok := metrics["pumped.scopes"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range scopes.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)

	hist, ok := metrics["pumped.scope.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Len(t, hist.DataPoints, 2)

	measurements, ok := metrics["pumped.scope.measurements"].Data.(metricdata.Sum[float64])
	require.True(t, ok)
	byKey := map[string]float64{}
	for _, dp := range measurements.DataPoints {
		key, _ := dp.Attributes.Value(attribute.Key("key"))
		scope, _ := dp.Attributes.Value(attribute.Key("scope"))
		assert.Equal(t, "call", scope.AsString())
		byKey[key.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]float64{"input_tokens": 7, "output_tokens": 3}, byKey)
}

func TestOTelTraceReporter(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	m := pumped.NewManager(pumped.WithReporter(NewOTelTraceReporter(provider.Tracer("pumped-test"))))
	defer func() { _ = m.Dispose() }()

	boom := errors.New("boom")
	_ = m.Run(context.Background(), "root", func(ctx context.Context) error {
		_ = pumped.Record(ctx, pumped.NewEvent("started", map[string]any{"attempt": 1}))
		return pumped.Within(ctx, "child", func(ctx context.Context) error { return boom })
	})

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range spans {
		byName[s.Name()] = s
	}
	root, child := byName["root"], byName["child"]
	require.NotNil(t, root)
	require.NotNil(t, child)

	assert.Equal(t, root.SpanContext().SpanID(), child.Parent().SpanID())
	assert.Equal(t, codes.Error, child.Status().Code)
	assert.Equal(t, "boom", child.Status().Description)

	require.Len(t, root.Events(), 1)
	assert.Equal(t, "started", root.Events()[0].Name)
	assert.False(t, root.StartTime().After(child.StartTime()))
}

func TestOTelTraceReporter_EarlyExitIsNotError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	m := pumped.NewManager(pumped.WithReporter(NewOTelTraceReporter(provider.Tracer("pumped-test"))))
	defer func() { _ = m.Dispose() }()

	_ = m.Run(context.Background(), "root", func(ctx context.Context) error {
		return pumped.ErrEarlyExit
	})

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.Bool("pumped.exited_early", true))
}
