package extensions

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"go.uber.org/zap"

	pumped "github.com/pumped-fn/pumped-scope"
)

// TreeReporter writes every root summary as an indented tree.
//
// Usage:
//
//	manager := pumped.NewManager(
//	    pumped.WithReporter(extensions.NewTreeReporter(os.Stdout)),
//	)
//
// Output:
//
//	request 1.2s ✓
//	  token_usage: input_tokens=15 output_tokens=4
//	├─> call 310ms ✓
//	│     token_usage: input_tokens=5 output_tokens=4
//	└─> search 12ms ❌ (error: not found)
type TreeReporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTreeReporter creates a reporter writing to w
func NewTreeReporter(w io.Writer) *TreeReporter {
	return &TreeReporter{w: w}
}

func (r *TreeReporter) Name() string {
	return "tree"
}

func (r *TreeReporter) Report(ctx context.Context, summary *pumped.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := io.WriteString(r.w, FormatTree(summary))
	return err
}

// FormatTree renders summary and its descendants, one scope per line
// followed by the metrics recorded directly in that scope
func FormatTree(summary *pumped.Summary) string {
	var sb strings.Builder
	writeTreeNode(&sb, summary, "", "")
	return sb.String()
}

func writeTreeNode(sb *strings.Builder, s *pumped.Summary, linePrefix, childPrefix string) {
	sb.WriteString(fmt.Sprintf("%s%s %s %s\n", linePrefix, s.Label, formatDuration(s.Duration()), statusMark(s.Err)))

	metricPrefix := childPrefix + "  "
	if len(s.Children) > 0 {
		metricPrefix = childPrefix + "│     "
	}
	for _, line := range metricLines(s.Metrics) {
		sb.WriteString(metricPrefix + line + "\n")
	}

	for i, child := range s.Children {
		// Use tree characters
		if i == len(s.Children)-1 {
			writeTreeNode(sb, child, childPrefix+"└─> ", childPrefix+"    ")
		} else {
			writeTreeNode(sb, child, childPrefix+"├─> ", childPrefix+"│   ")
		}
	}
}

func statusMark(err error) string {
	switch {
	case err == nil:
		return "✓"
	case pumped.IsCancellation(err):
		return "⏹ (exited early)"
	default:
		return fmt.Sprintf("❌ (error: %v)", err)
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(time.Microsecond).String()
	default:
		return d.String()
	}
}

func metricLines(metrics map[reflect.Type]pumped.Metric) []string {
	lines := lo.MapToSlice(metrics, func(_ reflect.Type, m pumped.Metric) string {
		return metricName(m) + ": " + formatMetric(m)
	})
	sort.Strings(lines)
	return lines
}

func metricName(m pumped.Metric) string {
	if named, ok := m.(pumped.Named); ok {
		return named.MetricName()
	}
	return fmt.Sprintf("%T", m)
}

func formatMetric(m pumped.Metric) string {
	if events, ok := m.(pumped.Events); ok {
		names := lo.Map(events, func(e pumped.Event, _ int) string { return e.Name })
		return fmt.Sprintf("%d [%s]", len(events), strings.Join(names, ", "))
	}
	measurable, ok := m.(pumped.Measurable)
	if !ok {
		return fmt.Sprintf("%v", m)
	}
	values := measurable.Measurements()
	keys := lo.Keys(values)
	sort.Strings(keys)
	parts := lo.Map(keys, func(k string, _ int) string {
		return k + "=" + humanize.Ftoa(values[k])
	})
	return strings.Join(parts, " ")
}

// DebugExtension logs the full scope tree of a root that failed, and the
// type of every dependency whose construction failed.
type DebugExtension struct {
	pumped.BaseExtension
	logger *zap.Logger
}

// NewDebugExtension creates a new debug extension
func NewDebugExtension(logger *zap.Logger) *DebugExtension {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DebugExtension{
		BaseExtension: pumped.NewBaseExtension("tree-debug"),
		logger:        logger,
	}
}

// OnError logs failed constructions and reports
func (e *DebugExtension) OnError(err error, op *pumped.Operation, manager *pumped.Manager) {
	fields := []zap.Field{
		zap.String("operation", string(op.Kind)),
		zap.Error(err),
	}
	if op.Type != nil {
		fields = append(fields, zap.Stringer("type", op.Type))
	}
	e.logger.Error("operation failed", fields...)
}

// OnScopeExit logs the tree of a failed root scope
func (e *DebugExtension) OnScopeExit(scope *pumped.Scope, summary *pumped.Summary) error {
	if scope.Parent() != nil || summary.Err == nil || pumped.IsCancellation(summary.Err) {
		return nil
	}
	e.logger.Error("scope failed",
		zap.String("scope", summary.Label),
		zap.Error(summary.Err),
		zap.String("scope_tree", "\n"+FormatTree(summary)),
	)
	return nil
}
