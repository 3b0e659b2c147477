// Package cache provides an in-process hash cache with sliding per-key
// expiry, the same shape as Redis hashes with EXPIRE.
package cache

import (
	"strings"
	"sync"
	"time"
)

// hashEntry is one key: a set of fields sharing an expiry
type hashEntry struct {
	fields    map[string][]byte
	expiresAt time.Time
}

func (e *hashEntry) isExpired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// HashCache is a thread-safe in-memory hash cache with TTL support
type HashCache struct {
	items map[string]*hashEntry
	mu    sync.RWMutex

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewHashCache creates a cache whose expired keys are swept every
// cleanupInterval. A zero interval disables the sweeper; expired keys are
// still never returned.
func NewHashCache(cleanupInterval time.Duration) *HashCache {
	c := &HashCache{
		items:           make(map[string]*hashEntry),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go c.cleanup()
	}

	return c
}

// SetClock replaces the time source. Tests only.
func (c *HashCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// entry returns a live entry for key, creating it when missing or expired.
// Caller holds the write lock.
func (c *HashCache) entry(key string) *hashEntry {
	e, ok := c.items[key]
	if !ok || e.isExpired(c.now()) {
		e = &hashEntry{fields: make(map[string][]byte)}
		c.items[key] = e
	}
	return e
}

// HSet sets fields on key and refreshes its expiry in one step
func (c *HashCache) HSet(key string, fields map[string][]byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(key)
	for field, value := range fields {
		e.fields[field] = append([]byte(nil), value...)
	}
	e.expiresAt = c.now().Add(ttl)
}

// HDel removes a field and refreshes the key's expiry. An emptied key is
// dropped, as Redis does.
func (c *HashCache) HDel(key, field string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || e.isExpired(c.now()) {
		delete(c.items, key)
		return
	}
	delete(e.fields, field)
	if len(e.fields) == 0 {
		delete(c.items, key)
		return
	}
	e.expiresAt = c.now().Add(ttl)
}

// HGetAll returns a copy of all fields of key, empty when missing or expired
func (c *HashCache) HGetAll(key string) map[string][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string][]byte)
	e, ok := c.items[key]
	if !ok || e.isExpired(c.now()) {
		return result
	}
	for field, value := range e.fields {
		result[field] = append([]byte(nil), value...)
	}
	return result
}

// TTL returns the remaining lifetime of key, or zero when it does not exist
func (c *HashCache) TTL(key string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || e.isExpired(c.now()) {
		return 0
	}
	return e.expiresAt.Sub(c.now())
}

// Delete removes a key from cache
func (c *HashCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Invalidate removes keys with the given prefix, or every expired key when
// prefix is empty
func (c *HashCache) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.items {
		if prefix == "" {
			if e.isExpired(now) {
				delete(c.items, key)
			}
			continue
		}
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}

func (c *HashCache) cleanup() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Invalidate("")
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (c *HashCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}

// Stats returns cache statistics
type Stats struct {
	Size      int
	Expired   int
	TotalKeys int
}

// GetStats returns cache statistics
func (c *HashCache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{TotalKeys: len(c.items)}
	now := c.now()
	for _, e := range c.items {
		if e.isExpired(now) {
			stats.Expired++
		}
	}
	stats.Size = stats.TotalKeys - stats.Expired
	return stats
}
