// Package statscache holds one expensive aggregate for a fixed TTL.
//
// The cache is an explicit object owned by its caller. It reads time from an
// injected clock so expiry is deterministic under test.
package statscache

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
)

// LoadFunc computes a fresh value.
type LoadFunc[T any] func(ctx context.Context) (T, error)

// Cache stores a single value of type T. Concurrent callers that miss share
// one load; failed loads are not cached.
type Cache[T any] struct {
	ttl   time.Duration
	clock extraction.Clock

	mu        sync.Mutex
	value     T
	loadedAt  time.Time
	expiresAt time.Time
	valid     bool
}

// New creates a cache. A non-positive ttl disables caching.
func New[T any](ttl time.Duration, clock extraction.Clock) *Cache[T] {
	return &Cache[T]{ttl: ttl, clock: clock}
}

// Get returns the cached value while it is fresh, otherwise it calls load and
// stores the result. The returned time is when the value was loaded.
func (c *Cache[T]) Get(ctx context.Context, load LoadFunc[T]) (T, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.valid && now.Before(c.expiresAt) {
		return c.value, c.loadedAt, nil
	}

	v, err := load(ctx)
	if err != nil {
		var zero T
		return zero, time.Time{}, err
	}
	if c.ttl <= 0 {
		return v, now, nil
	}
	c.value = v
	c.loadedAt = now
	c.expiresAt = now.Add(c.ttl)
	c.valid = true
	return v, now, nil
}

// Invalidate drops the cached value.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	c.valid = false
	var zero T
	c.value = zero
	c.mu.Unlock()
}
