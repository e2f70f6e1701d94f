package extensions

import (
	"context"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	pumped "github.com/pumped-fn/pumped-scope"
)

// LogReporter logs one entry per scope of every completed root, carrying
// the scope's path, duration, outcome and totals.
type LogReporter struct {
	logger *zap.Logger
	// Depth limits how deep below the root scopes are logged. Negative logs all.
	Depth int
}

// NewLogReporter creates a reporter logging every scope at info level
func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger, Depth: -1}
}

func (r *LogReporter) Name() string {
	return "log"
}

func (r *LogReporter) Report(ctx context.Context, summary *pumped.Summary) error {
	r.report(summary, nil, 0)
	return nil
}

func (r *LogReporter) report(s *pumped.Summary, path []string, depth int) {
	if r.Depth >= 0 && depth > r.Depth {
		return
	}
	path = append(path, s.Label)

	fields := []zap.Field{
		zap.String("scope", strings.Join(path, " > ")),
		zap.String("id", s.ID),
		zap.Duration("duration", s.Duration()),
	}
	for _, t := range s.Kinds() {
		m := s.Totals[t]
		if usage, ok := m.(pumped.TokenUsage); ok {
			fields = append(fields, zap.String("tokens", humanize.Comma(usage.Total())+" ("+
				humanize.Comma(usage.InputTokens)+" in, "+humanize.Comma(usage.OutputTokens)+" out)"))
			continue
		}
		fields = append(fields, zap.String(metricName(m), formatMetric(m)))
	}

	switch {
	case s.Err == nil:
		r.logger.Info("scope metrics", fields...)
	case pumped.IsCancellation(s.Err):
		r.logger.Info("scope metrics", append(fields, zap.Bool("exited_early", true))...)
	default:
		r.logger.Warn("scope metrics", append(fields, zap.Error(s.Err))...)
	}

	for _, child := range s.Children {
		r.report(child, path, depth+1)
	}
}
