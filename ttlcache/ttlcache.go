// Package ttlcache provides a generic expiring in-memory key/value cache.
// Several independent subsystems (avatar bytes, rendered timeline pages,
// account contexts, image dimensions) instantiate it with their own key and
// value types and their own lifetimes. It is purely a performance layer and
// never a source of truth: entries are lost on restart.
package ttlcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is an expiring key/value store safe for concurrent use. Expiry is
// lazy: Get treats an entry past its deadline as absent. The optional Run
// loop sweeps expired entries for memory hygiene but is not required for
// correctness.
type Cache[K comparable, V any] struct {
	mu       sync.RWMutex
	entries  map[K]entry[V]
	lifetime time.Duration
	now      func() time.Time
	group    singleflight.Group
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithNow sets the time function for testing.
func WithNow[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.now = now
	}
}

// New creates a cache whose entries live for the given lifetime after Set.
func New[K comparable, V any](lifetime time.Duration, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		entries:  make(map[K]entry[V]),
		lifetime: lifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores value under key with a fresh expiry deadline.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{
		value:     value,
		expiresAt: c.now().Add(c.lifetime),
	}
}

// Get returns the value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Remove deletes the entry for key unconditionally.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// Len returns the number of entries currently held, including entries that
// have expired but not yet been swept.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// GetOrCompute returns the cached value for key, or runs fn to produce it.
// Concurrent callers for the same key share one computation, closing the
// race where two callers both miss and both perform the expensive fetch.
// The computation runs on a context detached from any single caller, so one
// caller's cancellation does not starve the others; each caller still
// respects its own context while waiting.
func (c *Cache[K, V]) GetOrCompute(ctx context.Context, key K, fn func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(fmt.Sprintf("%v", key), func() (any, error) {
		// Double-check under singleflight: another caller may have completed
		// and populated the entry between our miss and this call.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries on the given interval until the context is
// cancelled. It blocks, so callers run it in a goroutine.
func (c *Cache[K, V]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
