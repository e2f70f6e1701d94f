package pumped

import (
	"context"
	"fmt"
)

// Reporter receives the summary of every completed root scope. Reporter
// errors and panics are logged and never change the scope's outcome.
type Reporter interface {
	Report(ctx context.Context, summary *Summary) error
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(ctx context.Context, summary *Summary) error

func (f ReporterFunc) Report(ctx context.Context, summary *Summary) error {
	return f(ctx, summary)
}

// NamedReporter is implemented by reporters that identify themselves in logs
type NamedReporter interface {
	Name() string
}

func reporterName(r Reporter) string {
	if n, ok := r.(NamedReporter); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", r)
}
