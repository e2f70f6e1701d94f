package extensions

import (
	"context"
	"time"

	"go.uber.org/zap"

	pumped "github.com/pumped-fn/pumped-scope"
)

// LoggingExtension logs dependency construction, reporting and scope
// lifecycle through zap
type LoggingExtension struct {
	pumped.BaseExtension
	logger *zap.Logger
}

// NewLoggingExtension creates a new logging extension
func NewLoggingExtension(logger *zap.Logger) *LoggingExtension {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingExtension{
		BaseExtension: pumped.NewBaseExtension("logging"),
		logger:        logger,
	}
}

// Order runs logging outermost so timings include other extensions
func (e *LoggingExtension) Order() int {
	return 10
}

func (e *LoggingExtension) Wrap(ctx context.Context, next func() (any, error), op *pumped.Operation) (any, error) {
	fields := []zap.Field{zap.String("op", string(op.Kind))}
	if op.Type != nil {
		fields = append(fields, zap.Stringer("type", op.Type))
	}
	if op.Summary != nil {
		fields = append(fields, zap.String("scope", op.Summary.Label))
	}

	start := time.Now()
	e.logger.Debug("operation starting", fields...)
	result, err := next()

	fields = append(fields, zap.Duration("duration", time.Since(start)))
	if err != nil {
		e.logger.Warn("operation failed", append(fields, zap.Error(err))...)
	} else {
		e.logger.Debug("operation completed", fields...)
	}

	return result, err
}

func (e *LoggingExtension) OnScopeEnter(scope *pumped.Scope) error {
	fields := []zap.Field{
		zap.String("scope", scope.Label()),
		zap.String("id", scope.ID()),
	}
	if parent := scope.Parent(); parent != nil {
		fields = append(fields, zap.String("parent", parent.ID()))
	}
	e.logger.Debug("scope entered", fields...)
	return nil
}

func (e *LoggingExtension) OnScopeExit(scope *pumped.Scope, summary *pumped.Summary) error {
	fields := []zap.Field{
		zap.String("scope", scope.Label()),
		zap.String("id", scope.ID()),
		zap.Duration("duration", summary.Duration()),
		zap.Int("children", len(summary.Children)),
	}
	switch {
	case summary.Err == nil:
		e.logger.Debug("scope exited", fields...)
	case pumped.IsCancellation(summary.Err):
		e.logger.Debug("scope exited early", fields...)
	default:
		e.logger.Info("scope failed", append(fields, zap.Error(summary.Err))...)
	}
	return nil
}

func (e *LoggingExtension) OnCleanupError(err *pumped.CleanupError) bool {
	e.logger.Error("cleanup failed",
		zap.Stringer("type", err.Type),
		zap.String("context", err.Context),
		zap.Error(err.Err),
	)
	return true
}
