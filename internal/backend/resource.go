package backend

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"
)

const DefaultCacheTTL = 30 * time.Second

// Resource caches one list endpoint. Concurrent misses share a single fetch;
// writes through the owning service invalidate it.
type Resource[T any] struct {
	fetch func(ctx context.Context) ([]T, error)
	clock clock.Clock
	ttl   time.Duration
	group singleflight.Group

	mu      sync.RWMutex
	items   []T
	fetched time.Time
	valid   bool
}

func newResource[T any](clk clock.Clock, ttl time.Duration, fetch func(ctx context.Context) ([]T, error)) *Resource[T] {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resource[T]{fetch: fetch, clock: clk, ttl: ttl}
}

// List returns the cached items, refreshing them once the TTL has passed.
func (r *Resource[T]) List(ctx context.Context) ([]T, error) {
	r.mu.RLock()
	if r.valid && r.clock.Since(r.fetched) < r.ttl {
		items := append([]T(nil), r.items...)
		r.mu.RUnlock()
		return items, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do("list", func() (any, error) {
		items, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.items = items
		r.fetched = r.clock.Now()
		r.valid = true
		r.mu.Unlock()
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]T(nil), v.([]T)...), nil
}

// Invalidate forces the next List to refetch.
func (r *Resource[T]) Invalidate() {
	r.mu.Lock()
	r.valid = false
	r.items = nil
	r.mu.Unlock()
}
