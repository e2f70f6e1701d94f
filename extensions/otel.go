package extensions

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	pumped "github.com/pumped-fn/pumped-scope"
)

// OTelMetricsReporter exports completed scope trees into OpenTelemetry
// instruments created from the given meter
type OTelMetricsReporter struct {
	scopes       metric.Int64Counter
	duration     metric.Float64Histogram
	measurements metric.Float64Counter
}

// NewOTelMetricsReporter creates the reporter's instruments
func NewOTelMetricsReporter(meter metric.Meter) (*OTelMetricsReporter, error) {
	scopes, err := meter.Int64Counter(
		"pumped.scopes",
		metric.WithDescription("Completed scopes by label and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create scopes counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"pumped.scope.duration",
		metric.WithDescription("Scope wall time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	measurements, err := meter.Float64Counter(
		"pumped.scope.measurements",
		metric.WithDescription("Additive metrics recorded in scopes"),
	)
	if err != nil {
		return nil, fmt.Errorf("create measurements counter: %w", err)
	}

	return &OTelMetricsReporter{
		scopes:       scopes,
		duration:     duration,
		measurements: measurements,
	}, nil
}

func (r *OTelMetricsReporter) Name() string {
	return "otel-metrics"
}

func (r *OTelMetricsReporter) Report(ctx context.Context, summary *pumped.Summary) error {
	summary.Walk(func(s *pumped.Summary, _ int) bool {
		scopeAttr := attribute.String("scope", s.Label)
		r.scopes.Add(ctx, 1, metric.WithAttributes(scopeAttr, attribute.String("outcome", outcome(s.Err))))
		r.duration.Record(ctx, s.Duration().Seconds(), metric.WithAttributes(scopeAttr))

		for _, m := range s.Metrics {
			switch m.(type) {
			case pumped.Peaks, pumped.Floors:
				continue
			}
			measurable, ok := m.(pumped.Measurable)
			if !ok {
				continue
			}
			name := metricName(m)
			for key, v := range measurable.Measurements() {
				if v < 0 {
					continue
				}
				r.measurements.Add(ctx, v, metric.WithAttributes(
					scopeAttr,
					attribute.String("metric", name),
					attribute.String("key", key),
				))
			}
		}
		return true
	})
	return nil
}

// OTelTraceReporter replays every completed scope tree as spans with the
// scopes' own start and end times
type OTelTraceReporter struct {
	tracer trace.Tracer
}

// NewOTelTraceReporter creates a reporter starting spans from tracer
func NewOTelTraceReporter(tracer trace.Tracer) *OTelTraceReporter {
	return &OTelTraceReporter{tracer: tracer}
}

func (r *OTelTraceReporter) Name() string {
	return "otel-trace"
}

func (r *OTelTraceReporter) Report(ctx context.Context, summary *pumped.Summary) error {
	r.replay(ctx, summary)
	return nil
}

func (r *OTelTraceReporter) replay(ctx context.Context, s *pumped.Summary) {
	ctx, span := r.tracer.Start(ctx, s.Label,
		trace.WithTimestamp(s.Start),
		trace.WithAttributes(attribute.String("pumped.scope.id", s.ID)),
	)

	for _, m := range s.Metrics {
		if events, ok := m.(pumped.Events); ok {
			for _, e := range events {
				attrs := make([]attribute.KeyValue, 0, len(e.Attributes))
				for k, v := range e.Attributes {
					attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", v)))
				}
				span.AddEvent(e.Name, trace.WithTimestamp(e.At), trace.WithAttributes(attrs...))
			}
			continue
		}
		if measurable, ok := m.(pumped.Measurable); ok {
			name := metricName(m)
			for key, v := range measurable.Measurements() {
				span.SetAttributes(attribute.Float64(name+"."+key, v))
			}
		}
	}

	switch {
	case s.Err == nil:
		span.SetStatus(codes.Ok, "")
	case pumped.IsCancellation(s.Err):
		span.SetAttributes(attribute.Bool("pumped.exited_early", true))
	default:
		span.RecordError(s.Err)
		span.SetStatus(codes.Error, s.Err.Error())
	}

	for _, child := range s.Children {
		r.replay(ctx, child)
	}

	span.End(trace.WithTimestamp(s.End))
}
