package edge

import (
	"sync"
	"time"

	"github.com/a2rok/a2rok/internal/domain"
)

const negativeDomainCacheTTL = 5 * time.Second

// domainCache stores recently resolved domain ownership records. Unknown
// names are remembered for a shorter time so a freshly created domain
// becomes reachable quickly.
type domainCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	missTTL time.Duration
	entries map[string]domainCacheEntry
}

type domainCacheEntry struct {
	record            domain.DomainRecord
	found             bool
	expiresAtUnixNano int64
}

func newDomainCache(ttl time.Duration) *domainCache {
	missTTL := negativeDomainCacheTTL
	if ttl > 0 && ttl < missTTL {
		missTTL = ttl
	}
	return &domainCache{
		ttl:     ttl,
		missTTL: missTTL,
		entries: make(map[string]domainCacheEntry),
	}
}

// get returns the cached record. cached is false when the name must be
// resolved against the directory; found is false for a remembered miss.
func (c *domainCache) get(name string) (rec domain.DomainRecord, found, cached bool) {
	if c.ttl <= 0 {
		return domain.DomainRecord{}, false, false
	}
	nowUnix := time.Now().UnixNano()
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return domain.DomainRecord{}, false, false
	}
	if nowUnix > e.expiresAtUnixNano {
		c.mu.Lock()
		if stale, exists := c.entries[name]; exists && nowUnix > stale.expiresAtUnixNano {
			delete(c.entries, name)
		}
		c.mu.Unlock()
		return domain.DomainRecord{}, false, false
	}
	return e.record, e.found, true
}

func (c *domainCache) set(name string, rec domain.DomainRecord) {
	c.store(name, domainCacheEntry{record: rec, found: true}, c.ttl)
}

func (c *domainCache) setMiss(name string) {
	c.store(name, domainCacheEntry{}, c.missTTL)
}

func (c *domainCache) store(name string, e domainCacheEntry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	e.expiresAtUnixNano = time.Now().Add(ttl).UnixNano()
	c.mu.Lock()
	c.entries[name] = e
	c.mu.Unlock()
}

func (c *domainCache) invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

func (c *domainCache) cleanup() {
	nowUnix := time.Now().UnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, e := range c.entries {
		if nowUnix > e.expiresAtUnixNano {
			delete(c.entries, name)
		}
	}
}

func (c *domainCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
