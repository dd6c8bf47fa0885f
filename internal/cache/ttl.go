package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL is an in-process map whose entries expire after a fixed lifetime.
type TTL[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	items   map[string]entry[V]
	now     func() time.Time
	maxSize int
}

// NewTTL builds a TTL cache. Reaching maxSize purges expired entries before
// a new key is added; zero disables the check.
func NewTTL[V any](ttl time.Duration, maxSize int) *TTL[V] {
	return &TTL[V]{
		ttl:     ttl,
		items:   make(map[string]entry[V]),
		now:     time.Now,
		maxSize: maxSize,
	}
}

// Get returns the live value for key.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value for key, replacing any previous entry.
func (c *TTL[V]) Set(key string, value V) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		if _, exists := c.items[key]; !exists {
			c.purgeLocked(now)
		}
	}
	c.items[key] = entry[V]{value: value, expires: now.Add(c.ttl)}
}

// Delete removes key.
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// DeleteFunc removes every key for which match returns true.
func (c *TTL[V]) DeleteFunc(match func(key string) bool) {
	c.mu.Lock()
	for k := range c.items {
		if match(k) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}

// Purge drops expired entries and returns how many remain.
func (c *TTL[V]) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(now)
	return len(c.items)
}

func (c *TTL[V]) purgeLocked(now time.Time) {
	for k, e := range c.items {
		if !now.Before(e.expires) {
			delete(c.items, k)
		}
	}
}

// Len counts stored entries, expired ones included until purged.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
