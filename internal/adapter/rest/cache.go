package rest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// responseCache is a TTL cache for idempotent GET responses. It is bounded:
// when full, the entry closest to expiry is evicted to make room. Entries
// index by request path as well so mutations can invalidate by prefix.
type responseCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	maxSize int
	entries map[string]cacheEntry
}

type cacheEntry struct {
	body      []byte
	path      string
	expiresAt time.Time
}

func newResponseCache(ttl time.Duration, maxSize int) *responseCache {
	return &responseCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]cacheEntry),
	}
}

// cacheKey hashes method, URL, and body into a fixed-size key.
func cacheKey(method, url string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{':'})
	h.Write([]byte(url))
	h.Write([]byte{':'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.body, true
}

func (c *responseCache) put(key, path string, body []byte) {
	if c.maxSize == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOne()
	}
	c.entries[key] = cacheEntry{
		body:      body,
		path:      path,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// evictOne removes the entry closest to expiry. Callers hold the write lock.
func (c *responseCache) evictOne() {
	var victim string
	var earliest time.Time
	for k, e := range c.entries {
		if victim == "" || e.expiresAt.Before(earliest) {
			victim = k
			earliest = e.expiresAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

// invalidatePrefix removes entries related to a mutated path: both entries
// under the path (PUT /documents/1 clears GET /documents/1/...) and entries
// above it (the /documents list).
func (c *responseCache) invalidatePrefix(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if strings.HasPrefix(e.path, path) || strings.HasPrefix(path, e.path) {
			delete(c.entries, k)
		}
	}
}

// sweep removes expired entries and returns the count removed. Called by
// the housekeeping janitor so the cache does not carry dead weight between
// reads.
func (c *responseCache) sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *responseCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
