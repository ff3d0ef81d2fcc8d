package resilience

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/metrics"
)

// DefaultCacheTTL is how long a generated asset reference is reused.
const DefaultCacheTTL = 24 * time.Hour

// Key returns a stable content address for a prompt and the context fields
// that change what the provider would generate for it (kind, style, aspect
// ratio, campaign...). Field order does not matter.
func Key(prompt string, fields map[string]string) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write([]byte{0})

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(fields[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CachedResult is what the pipeline stores per key.
type CachedResult struct {
	AssetRef string            `json:"asset_ref"`
	Provider string            `json:"provider,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r CachedResult) clone() CachedResult {
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

type cacheEntry struct {
	value    CachedResult
	storedAt time.Time
}

// CacheStats counts lookups since creation.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// ResultCache is a TTL cache of generated assets keyed by content hash.
// Reads never refresh an entry's timestamp, so staleness is bounded by the
// TTL from the original write.
type ResultCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry

	hits      int64
	misses    int64
	evictions int64
}

// NewResultCache creates a cache. ttl <= 0 uses DefaultCacheTTL.
func NewResultCache(ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResultCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// SetClock replaces the time source. Tests only.
func (c *ResultCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the value stored under key if it is younger than the TTL.
// Expired entries are removed on the way out.
func (c *ResultCache) Get(key string) (CachedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return CachedResult{}, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		delete(c.entries, key)
		c.misses++
		c.evictions++
		metrics.CacheLookups.WithLabelValues("expired").Inc()
		return CachedResult{}, false
	}
	c.hits++
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return e.value.clone(), true
}

// Put stores a copy of value under key, replacing any previous entry.
func (c *ResultCache) Put(key string, value CachedResult) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value.clone(), storedAt: c.now()}
	c.mu.Unlock()
}

// Delete removes key. Returns false if it was not cached.
func (c *ResultCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *ResultCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	c.evictions += int64(removed)
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns lookup counters.
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
