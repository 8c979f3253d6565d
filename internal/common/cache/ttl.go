// internal/common/cache/ttl.go

// Package cache provides a small in-process TTL cache: a mutex-guarded map
// whose entries expire lazily on read. It backs per-process lookups (client
// configuration, feature switches) where a shared Redis round-trip is not
// worth it.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// TTLCache is safe for concurrent use.
type TTLCache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache whose entries live for ttl after each Set.
func New(ttl time.Duration) *TTLCache {
	return &TTLCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached value, or false if absent or expired. Expired
// entries are removed on read.
func (c *TTLCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the cache's TTL.
func (c *TTLCache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Delete removes key if present.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of entries, counting expired ones not yet read.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
