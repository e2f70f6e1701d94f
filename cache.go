package pumped

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TypeSafeCache is a concurrent map with typed keys and values
type TypeSafeCache[K comparable, V any] struct {
	data sync.Map
}

func NewTypeSafeCache[K comparable, V any]() *TypeSafeCache[K, V] {
	return &TypeSafeCache[K, V]{}
}

func (c *TypeSafeCache[K, V]) Load(key K) (V, bool) {
	value, ok := c.data.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return value.(V), true
}

func (c *TypeSafeCache[K, V]) Store(key K, value V) {
	c.data.Store(key, value)
}

func (c *TypeSafeCache[K, V]) Delete(key K) {
	c.data.Delete(key)
}

func (c *TypeSafeCache[K, V]) Range(fn func(key K, value V) bool) {
	c.data.Range(func(key, value any) bool {
		return fn(key.(K), value.(V))
	})
}

func (c *TypeSafeCache[K, V]) Size() int {
	count := 0
	c.data.Range(func(key, value any) bool {
		count++
		return true
	})
	return count
}

func (c *TypeSafeCache[K, V]) Clear() {
	c.data.Range(func(key, value any) bool {
		c.data.Delete(key)
		return true
	})
}

type memoEntry[V any] struct {
	value   V
	expires time.Time
}

func (e memoEntry[V]) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Memo caches the results of a keyed function. Concurrent misses for the
// same key share one call; errors are returned to every waiter and not
// cached. Hits and misses are counted in the caller's scope as
// "memo.<name>.hit" and "memo.<name>.miss".
type Memo[K comparable, V any] struct {
	name    string
	fn      func(ctx context.Context, key K) (V, error)
	limit   int
	ttl     time.Duration
	entries *TypeSafeCache[K, memoEntry[V]]
	group   singleflight.Group

	mu    sync.Mutex
	order []K
}

type MemoOption func(*memoConfig)

type memoConfig struct {
	limit int
	ttl   time.Duration
}

// WithMemoLimit keeps at most n entries, evicting the oldest first
func WithMemoLimit(n int) MemoOption {
	return func(cfg *memoConfig) {
		cfg.limit = n
	}
}

// WithMemoTTL expires entries d after they were stored
func WithMemoTTL(d time.Duration) MemoOption {
	return func(cfg *memoConfig) {
		cfg.ttl = d
	}
}

func NewMemo[K comparable, V any](name string, fn func(ctx context.Context, key K) (V, error), opts ...MemoOption) *Memo[K, V] {
	cfg := &memoConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Memo[K, V]{
		name:    name,
		fn:      fn,
		limit:   cfg.limit,
		ttl:     cfg.ttl,
		entries: NewTypeSafeCache[K, memoEntry[V]](),
	}
}

// Get returns the cached value for key or computes it
func (m *Memo[K, V]) Get(ctx context.Context, key K) (V, error) {
	if e, ok := m.entries.Load(key); ok && !e.expired(time.Now()) {
		m.count(ctx, "hit")
		return e.value, nil
	}
	m.count(ctx, "miss")

	v, err, _ := m.group.Do(fmt.Sprintf("%#v", key), func() (any, error) {
		if e, ok := m.entries.Load(key); ok && !e.expired(time.Now()) {
			return e.value, nil
		}
		value, err := m.fn(ctx, key)
		if err != nil {
			return nil, err
		}
		m.store(key, value)
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

func (m *Memo[K, V]) store(key K, value V) {
	entry := memoEntry[V]{value: value}
	if m.ttl > 0 {
		entry.expires = time.Now().Add(m.ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries.Load(key); !ok {
		m.order = append(m.order, key)
	}
	m.entries.Store(key, entry)

	for m.limit > 0 && len(m.order) > m.limit {
		m.entries.Delete(m.order[0])
		m.order = m.order[1:]
	}
}

// Invalidate drops the entry for key
func (m *Memo[K, V]) Invalidate(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries.Delete(key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of cached entries, expired ones included
func (m *Memo[K, V]) Len() int {
	return m.entries.Size()
}

func (m *Memo[K, V]) count(ctx context.Context, outcome string) {
	if scopeFrom(ctx) == nil {
		return
	}
	_ = Record(ctx, Count("memo."+m.name+"."+outcome, 1))
}
