// Package cache provides the TTL map shared by the balance and rate oracles.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a read-mostly TTL map. Entries are replaced whole on write, so a
// reader never observes a partial update. The clock is injectable for tests.
type Cache[K comparable, V any] struct {
	mu   sync.RWMutex
	ttl  time.Duration
	now  func() time.Time
	data map[K]entry[V]
}

func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:  ttl,
		now:  time.Now,
		data: make(map[K]entry[V]),
	}
}

// WithClock substitutes the time source. For tests.
func (c *Cache[K, V]) WithClock(now func() time.Time) *Cache[K, V] {
	c.now = now
	return c
}

// Get returns the live value for key, if any.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; another writer may have refreshed.
		if cur, still := c.data[key]; still && c.now().After(cur.expiresAt) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the cache TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.data[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops the entry for key.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}
