package archive

import (
	"context"
	"sync"
	"time"
)

// TTLCache memoizes one value behind a load function. The idle timer resets
// on every access, so a hot cache never expires; Invalidate must be called
// alongside any write that would stale the value rather than relying on the
// timer alone. Concurrent loads are collapsed into one.
type TTLCache[T any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	load    func(ctx context.Context) (T, error)
	value   T
	valid   bool
	timer   *time.Timer
	loading chan struct{}
}

// NewTTLCache creates a cache with the given idle eviction duration.
func NewTTLCache[T any](ttl time.Duration, load func(ctx context.Context) (T, error)) *TTLCache[T] {
	return &TTLCache[T]{ttl: ttl, load: load}
}

// Get returns the cached value, loading it on a miss.
func (c *TTLCache[T]) Get(ctx context.Context) (T, error) {
	for {
		c.mu.Lock()
		if c.valid {
			c.resetTimerLocked()
			value := c.value
			c.mu.Unlock()
			return value, nil
		}
		if c.loading != nil {
			loading := c.loading
			c.mu.Unlock()
			select {
			case <-loading:
				continue
			case <-ctx.Done():
				var zero T
				return zero, ctx.Err()
			}
		}
		loading := make(chan struct{})
		c.loading = loading
		c.mu.Unlock()

		value, err := c.load(ctx)

		c.mu.Lock()
		if c.loading == loading {
			c.loading = nil
			if err == nil {
				c.value = value
				c.valid = true
				c.resetTimerLocked()
			}
		}
		c.mu.Unlock()
		close(loading)
		return value, err
	}
}

// Set stores a value directly.
func (c *TTLCache[T]) Set(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.valid = true
	c.resetTimerLocked()
}

// Invalidate drops the cached value.
func (c *TTLCache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.valid = false
	// An in-flight load is orphaned; its result is discarded by the
	// identity check in Get.
	c.loading = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *TTLCache[T]) resetTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.ttl, c.Invalidate)
}
