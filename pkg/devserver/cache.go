package devserver

import (
	"sync"
	"time"
)

type cacheEntry struct {
	status    *Status
	fetchedAt time.Time
}

// statusCache absorbs polling bursts with a short TTL. Expired entries
// are cleaned up lazily on Get — no background goroutine.
type statusCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newStatusCache(ttl time.Duration) *statusCache {
	return &statusCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

func (c *statusCache) Get(projectID string) (*Status, bool) {
	c.mu.RLock()
	entry, ok := c.entries[projectID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(entry.fetchedAt) > c.ttl {
		// Re-check under write lock: a concurrent Set may have replaced
		// the entry with a fresh one.
		c.mu.Lock()
		if current, ok := c.entries[projectID]; ok && time.Since(current.fetchedAt) > c.ttl {
			delete(c.entries, projectID)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.status, true
}

func (c *statusCache) Set(projectID string, status *Status) {
	c.mu.Lock()
	c.entries[projectID] = &cacheEntry{status: status, fetchedAt: time.Now()}
	c.mu.Unlock()
}

func (c *statusCache) Invalidate(projectID string) {
	c.mu.Lock()
	delete(c.entries, projectID)
	c.mu.Unlock()
}
