package permission

import (
	"context"
	"sync"
	"time"
)

type cacheKey struct {
	sessionID string
	scope     string
}

type cacheEntry struct {
	storedAt time.Time
}

// Cache remembers allow_always grants per (session, scope) under a TTL.
// The scope is the tool name, or for bash the approved command pattern.
// Reads only check freshness; expired entries are removed by the sweep,
// never by the read path.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
	ttl     time.Duration

	now func() time.Time
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[cacheKey]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get reports whether a fresh grant exists for (session, scope).
func (c *Cache) Get(sessionID, scope string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[cacheKey{sessionID, scope}]
	if !ok {
		return false
	}
	return c.now().Sub(entry.storedAt) < c.ttl
}

// Put stores a grant for (session, scope).
func (c *Cache) Put(sessionID, scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{sessionID, scope}] = cacheEntry{storedAt: c.now()}
}

// ClearSession drops every grant for a session.
func (c *Cache) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.sessionID == sessionID {
			delete(c.entries, key)
		}
	}
}

// Sweep removes expired entries.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.ttl)
	for key, entry := range c.entries {
		if !entry.storedAt.After(cutoff) {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Run sweeps periodically until ctx is canceled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
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
