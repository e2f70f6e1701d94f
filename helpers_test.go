package pumped

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	m := NewManager(opts...)
	t.Cleanup(func() {
		_ = m.Dispose()
	})
	return m
}

// enter opens a root scope that is exited when the test ends
func enter(t *testing.T, m *Manager, label string, opts ...ScopeOption) (context.Context, *Handle) {
	t.Helper()
	ctx, h, err := m.Enter(context.Background(), label, opts...)
	require.NoError(t, err)
	return ctx, h
}
