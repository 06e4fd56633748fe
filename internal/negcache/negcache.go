// Package negcache implements the negative cache: a sliding-expiry set
// of asset ids recently confirmed absent, so a burst of gets for an unknown
// id doesn't multiply upstream requests.
package negcache

import (
	"sync"
	"time"

	"github.com/kf6kjg/whip-lru/internal/assetid"
)

// Cache is a reader-writer-locked sliding-expiry set. A TTL of zero or
// less disables it: every operation becomes a no-op and Contains always
// reports false.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	expires map[assetid.ID]time.Time
}

// New constructs a Cache with the given item lifetime.
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, expires: make(map[assetid.ID]time.Time)}
}

// Enabled reports whether the cache is active (ttl > 0).
func (c *Cache) Enabled() bool { return c.ttl > 0 }

// Contains reports whether id is currently negatively cached, i.e. whether
// it was inserted and has not yet expired.
func (c *Cache) Contains(id assetid.ID) bool {
	if !c.Enabled() {
		return false
	}
	c.mu.RLock()
	exp, ok := c.expires[id]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		c.mu.Lock()
		if e, still := c.expires[id]; still && !time.Now().Before(e) {
			delete(c.expires, id)
		}
		c.mu.Unlock()
		return false
	}
	return true
}

// Insert marks id as recently confirmed absent, sliding its expiry forward.
func (c *Cache) Insert(id assetid.ID) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	c.expires[id] = time.Now().Add(c.ttl)
	c.mu.Unlock()
}

// Remove clears id's negative entry, e.g. because it was just stored.
func (c *Cache) Remove(id assetid.ID) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	delete(c.expires, id)
	c.mu.Unlock()
}

// Len reports the number of (possibly expired but not yet swept) entries,
// used by STATUS_GET.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.expires)
}
