package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	defaultCacheTTL     = 15 * time.Minute
	defaultCacheEntries = 4096
)

type cachedCompletion struct {
	storedAt time.Time
	response Response
}

// responseCache memoizes completions by request hash. Expired entries are
// dropped on read, and the oldest entry is evicted once the cache is full.
type responseCache struct {
	entries    map[string]cachedCompletion
	now        func() time.Time
	ttl        time.Duration
	maxEntries int
	mu         sync.Mutex
}

func newResponseCache(ttl time.Duration) *responseCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &responseCache{
		entries:    make(map[string]cachedCompletion),
		now:        time.Now,
		ttl:        ttl,
		maxEntries: defaultCacheEntries,
	}
}

// cacheKey hashes every part of a request that influences the completion.
func cacheKey(req Request) string {
	h := sha256.New()
	for i, part := range []string{req.System, req.Prompt, req.Schema} {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *responseCache) get(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Response{}, false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		delete(c.entries, key)
		return Response{}, false
	}
	return entry.response, true
}

func (c *responseCache) set(key string, response Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = cachedCompletion{storedAt: c.now(), response: response}
}

// evictLocked removes expired entries, or the oldest one when none expired.
func (c *responseCache) evictLocked() {
	now := c.now()
	oldestKey := ""
	var oldest time.Time
	removed := false
	for k, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, k)
			removed = true
			continue
		}
		if oldestKey == "" || e.storedAt.Before(oldest) {
			oldestKey, oldest = k, e.storedAt
		}
	}
	if !removed && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close drops every entry.
func (c *responseCache) Close() {
	c.mu.Lock()
	c.entries = make(map[string]cachedCompletion)
	c.mu.Unlock()
}
