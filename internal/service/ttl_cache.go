package service

import (
	"sync"
	"time"
)

// TTLCache is a process-local, time-bounded cache. It is a performance
// optimization only; the durable store stays the source of truth. The clock
// is injectable so expiry is testable without real timers.
type TTLCache struct {
	mu   sync.RWMutex
	data map[string]*cacheEntry
	ttl  time.Duration
	now  func() time.Time
}

type cacheEntry struct {
	value    interface{}
	storedAt time.Time
}

func NewTTLCache(ttl time.Duration, now func() time.Time) *TTLCache {
	if now == nil {
		now = time.Now
	}
	return &TTLCache{
		data: make(map[string]*cacheEntry),
		ttl:  ttl,
		now:  now,
	}
}

// Get returns the live value for key, if any.
func (c *TTLCache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		return nil, false
	}
	return entry.value, true
}

// Set stores value under key, resetting its TTL.
func (c *TTLCache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = &cacheEntry{value: value, storedAt: c.now()}
}

// Delete removes key.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
}

// Sweep removes expired entries and returns how many were dropped. Callers
// schedule it; the cache runs no background goroutine of its own.
func (c *TTLCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.data {
		if now.Sub(entry.storedAt) > c.ttl {
			delete(c.data, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired ones included.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
