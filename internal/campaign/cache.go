package campaign

import (
	"container/list"
	"sync"
	"time"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

// contextCache is a bounded TTL cache of decoded campaign contexts. When
// full it evicts the least recently touched entry. Entries are stored and
// returned as clones so no caller ever shares memory with the cache.
type contextCache struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently touched

	hits, misses, evictions int64
}

type contextEntry struct {
	id       string
	ctx      *models.CampaignContext
	storedAt time.Time
}

// CacheStats counts cache activity since the store was created.
type CacheStats struct {
	Entries   int   `json:"entries"`
	MaxSize   int   `json:"max_size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

func newContextCache(maxSize int, ttl time.Duration, now func() time.Time) *contextCache {
	return &contextCache{
		maxSize: maxSize,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

func (c *contextCache) get(id string) (*models.CampaignContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*contextEntry)
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.removeElement(el)
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(el)
	c.hits++
	return e.ctx.Clone(), true
}

func (c *contextCache) put(cc *models.CampaignContext) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[cc.ID]; ok {
		e := el.Value.(*contextEntry)
		e.ctx = cc.Clone()
		e.storedAt = c.now()
		c.lru.MoveToFront(el)
		return
	}

	for c.maxSize > 0 && c.lru.Len() >= c.maxSize {
		c.removeElement(c.lru.Back())
	}
	el := c.lru.PushFront(&contextEntry{id: cc.ID, ctx: cc.Clone(), storedAt: c.now()})
	c.entries[cc.ID] = el
}

func (c *contextCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[id]; ok {
		c.lru.Remove(el)
		delete(c.entries, id)
	}
}

// sweep drops expired entries and returns how many were removed.
func (c *contextCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if now.Sub(el.Value.(*contextEntry).storedAt) >= c.ttl {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	return removed
}

// removeElement must be called with the lock held.
func (c *contextCache) removeElement(el *list.Element) {
	e := el.Value.(*contextEntry)
	c.lru.Remove(el)
	delete(c.entries, e.id)
	c.evictions++
}

func (c *contextCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:   c.lru.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
