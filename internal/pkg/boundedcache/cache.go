// Package boundedcache provides a small size- and TTL-bounded
// in-memory cache. When an insert would exceed the size ceiling the
// whole cache is cleared: re-learning a handful of entries is cheaper
// than unbounded growth, and wholesale clearing keeps eviction
// behavior deterministic and easy to test.
package boundedcache

import (
	"sync"
	"time"
)

type entry struct {
	val     any
	expires time.Time
}

// Cache is a bounded map with per-entry TTL. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

// New returns a cache holding at most max entries, each live for ttl.
// A zero ttl disables expiry; max must be positive.
func New(max int, ttl time.Duration) *Cache {
	if max <= 0 {
		max = 1
	}
	return &Cache{
		max:     max,
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.val, true
}

// Set stores a value. If the cache is full and key is new, every
// entry is dropped first.
func (c *Cache) Set(key string, val any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.entries = make(map[string]entry)
	}
	var exp time.Time
	if c.ttl > 0 {
		exp = c.now().Add(c.ttl)
	}
	c.entries[key] = entry{val: val, expires: exp}
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// EvictExpired removes expired entries and returns how many were
// dropped. Intended to be called from a periodic sweep.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	dropped := 0
	for k, e := range c.entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(c.entries, k)
			dropped++
		}
	}
	return dropped
}
