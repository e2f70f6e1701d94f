package pumped

import (
	"maps"
	"time"

	"github.com/samber/lo"
)

// Metric is a combinable measurement recorded inside a scope.
//
// Combine merges other, which always has the same dynamic type as the
// receiver, and returns the result. It must not modify either operand and
// must be associative and commutative so that totals do not depend on the
// order in which concurrent children report.
type Metric interface {
	Combine(other Metric) Metric
}

// TokenUsage counts model tokens consumed by an operation
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int64 `json:"output_tokens" yaml:"output_tokens"`
}

func (u TokenUsage) Combine(other Metric) Metric {
	o := other.(TokenUsage)
	return TokenUsage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// Total returns input plus output tokens
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u TokenUsage) MetricName() string { return "token_usage" }

func (u TokenUsage) Measurements() map[string]float64 {
	return map[string]float64{
		"input_tokens":  float64(u.InputTokens),
		"output_tokens": float64(u.OutputTokens),
	}
}

// Counters sums values per name
type Counters map[string]float64

// Count returns a single-entry Counters
func Count(name string, v float64) Counters {
	return Counters{name: v}
}

func (c Counters) Combine(other Metric) Metric {
	out := maps.Clone(c)
	if out == nil {
		out = Counters{}
	}
	for k, v := range other.(Counters) {
		out[k] += v
	}
	return out
}

func (c Counters) Clone() Metric { return lo.Ternary(c == nil, Counters{}, maps.Clone(c)) }

func (c Counters) MetricName() string { return "counters" }

func (c Counters) Measurements() map[string]float64 { return maps.Clone(c) }

// Event is a point-in-time occurrence inside a scope
type Event struct {
	Name       string
	At         time.Time
	Attributes map[string]any
}

// Events appends in submission order
type Events []Event

// NewEvent returns a single-entry Events stamped with the current time
func NewEvent(name string, attrs map[string]any) Events {
	return Events{{Name: name, At: time.Now(), Attributes: attrs}}
}

func (e Events) Combine(other Metric) Metric {
	o := other.(Events)
	out := make(Events, 0, len(e)+len(o))
	out = append(out, e...)
	return append(out, o...)
}

func (e Events) Clone() Metric { return append(Events{}, e...) }

func (e Events) MetricName() string { return "events" }

// Peaks keeps the largest value per name
type Peaks map[string]float64

func (p Peaks) Combine(other Metric) Metric {
	out := maps.Clone(p)
	if out == nil {
		out = Peaks{}
	}
	for k, v := range other.(Peaks) {
		if cur, ok := out[k]; !ok || v > cur {
			out[k] = v
		}
	}
	return out
}

func (p Peaks) Clone() Metric { return lo.Ternary(p == nil, Peaks{}, maps.Clone(p)) }

func (p Peaks) MetricName() string { return "peaks" }

func (p Peaks) Measurements() map[string]float64 { return maps.Clone(p) }

// Floors keeps the smallest value per name
type Floors map[string]float64

func (f Floors) Combine(other Metric) Metric {
	out := maps.Clone(f)
	if out == nil {
		out = Floors{}
	}
	for k, v := range other.(Floors) {
		if cur, ok := out[k]; !ok || v < cur {
			out[k] = v
		}
	}
	return out
}

func (f Floors) Clone() Metric { return lo.Ternary(f == nil, Floors{}, maps.Clone(f)) }

func (f Floors) MetricName() string { return "floors" }

func (f Floors) Measurements() map[string]float64 { return maps.Clone(f) }

// Attempts counts retried operations. Count is the number of attempts made,
// Retries the attempts after the first.
type Attempts struct {
	Count   int
	Retries int
}

func (a Attempts) Combine(other Metric) Metric {
	o := other.(Attempts)
	return Attempts{Count: a.Count + o.Count, Retries: a.Retries + o.Retries}
}

func (a Attempts) MetricName() string { return "attempts" }

func (a Attempts) Measurements() map[string]float64 {
	return map[string]float64{
		"count":   float64(a.Count),
		"retries": float64(a.Retries),
	}
}

// Named is implemented by metrics that export under a stable name
type Named interface {
	MetricName() string
}

// Cloner is implemented by metrics backed by maps or slices. The node stores
// a clone of the first value it sees of such a kind.
type Cloner interface {
	Clone() Metric
}

// Measurable is implemented by metrics that flatten into numeric series
type Measurable interface {
	Measurements() map[string]float64
}
