package pumped

import (
	"context"
	"fmt"
)

// Traced wraps fn so that every call runs in a nested scope named label
// and records "call" and "result" events there. Arguments and results are
// rendered with %v.
func Traced[A, R any](label string, fn func(ctx context.Context, arg A) (R, error), opts ...ScopeOption) func(ctx context.Context, arg A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		return Do(ctx, label, func(ctx context.Context) (R, error) {
			_ = Record(ctx, NewEvent("call", map[string]any{"argument": fmt.Sprintf("%v", arg)}))

			result, err := fn(ctx, arg)
			if err != nil {
				_ = Record(ctx, NewEvent("error", map[string]any{"error": err.Error()}))
				return result, err
			}

			_ = Record(ctx, NewEvent("result", map[string]any{"result": fmt.Sprintf("%v", result)}))
			return result, nil
		}, opts...)
	}
}
