package extensions

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	pumped "github.com/pumped-fn/pumped-scope"
)

// PrometheusReporter exports every completed scope tree into Prometheus
// collectors. Each scope contributes only what it recorded itself, so
// totals are never counted twice.
type PrometheusReporter struct {
	scopes       *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	measurements *prometheus.CounterVec
	levels       *prometheus.GaugeVec
}

// NewPrometheusReporter registers the reporter's collectors with reg.
// It panics if they are already registered.
func NewPrometheusReporter(reg prometheus.Registerer, namespace string) *PrometheusReporter {
	factory := promauto.With(reg)
	return &PrometheusReporter{
		scopes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scopes_total",
			Help:      "Completed scopes by label and outcome",
		}, []string{"scope", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scope_duration_seconds",
			Help:      "Scope wall time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scope"}),
		measurements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scope_measurements_total",
			Help:      "Additive metrics recorded in scopes",
		}, []string{"scope", "metric", "key"}),
		levels: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scope_measurement_level",
			Help:      "Last peak or floor recorded in scopes",
		}, []string{"scope", "metric", "key"}),
	}
}

func (r *PrometheusReporter) Name() string {
	return "prometheus"
}

func (r *PrometheusReporter) Report(ctx context.Context, summary *pumped.Summary) error {
	summary.Walk(func(s *pumped.Summary, _ int) bool {
		r.scopes.WithLabelValues(s.Label, outcome(s.Err)).Inc()
		r.duration.WithLabelValues(s.Label).Observe(s.Duration().Seconds())

		for _, m := range s.Metrics {
			measurable, ok := m.(pumped.Measurable)
			if !ok {
				continue
			}
			name := metricName(m)
			for key, v := range measurable.Measurements() {
				switch m.(type) {
				case pumped.Peaks, pumped.Floors:
					r.levels.WithLabelValues(s.Label, name, key).Set(v)
				default:
					if v >= 0 {
						r.measurements.WithLabelValues(s.Label, name, key).Add(v)
					}
				}
			}
		}
		return true
	})
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case pumped.IsCancellation(err):
		return "early_exit"
	default:
		return "error"
	}
}
