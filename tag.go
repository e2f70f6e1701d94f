package pumped

import "context"

// Tag is a type-safe key for metadata attached to managers and scopes
type Tag[T any] struct {
	key string
}

// NewTag creates a new tag with the given key
func NewTag[T any](key string) Tag[T] {
	return Tag[T]{key: key}
}

// Key returns the tag's key (for debugging and export)
func (t Tag[T]) Key() string {
	return t.key
}

// Get retrieves the tag value from the innermost scope that carries it,
// falling back to the manager
func (t Tag[T]) Get(ctx context.Context) (T, bool) {
	for s := scopeFrom(ctx); s != nil; s = s.parent {
		if val, ok := s.tags[t.key]; ok {
			return val.(T), true
		}
	}

	if m := managerFrom(ctx); m != nil {
		if val, ok := m.tag(t.key); ok {
			return val.(T), true
		}
	}

	var zero T
	return zero, false
}

// MustGet retrieves the tag value or panics if not found
func (t Tag[T]) MustGet(ctx context.Context) T {
	val, ok := t.Get(ctx)
	if !ok {
		panic("tag " + t.key + " not found")
	}
	return val
}

// GetOrDefault retrieves the tag value or returns a default
func (t Tag[T]) GetOrDefault(ctx context.Context, defaultVal T) T {
	if val, ok := t.Get(ctx); ok {
		return val
	}
	return defaultVal
}

// GetFromSummary retrieves the tag value recorded on a finished scope
func (t Tag[T]) GetFromSummary(s *Summary) (T, bool) {
	val, ok := s.Tags[t.key]
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := val.(T)
	return typed, ok
}
