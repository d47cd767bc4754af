package service

import (
	"container/list"
	"sync"

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/tokens"
)

const defaultCacheSize = 64

// cachedExtraction is the last extraction of one document, kept so corrections can be
// scored against what the caller was shown
type cachedExtraction struct {
	TemplateID string
	Document   *tokens.Document
	Result     *fields.ExtractionResult
}

type cacheEntry struct {
	path string
	*cachedExtraction
}

// resultCache holds the most recent extractions keyed by absolute document path. The front of
// order is the most recently used entry.
type resultCache struct {
	mu        sync.Mutex
	capacity  int
	order     *list.List
	byPath    map[string]*list.Element
	hits      int64
	misses    int64
	evictions int64
}

// CacheStats describes the result cache
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate_percent"`
	Size      int     `json:"current_size"`
	Capacity  int     `json:"max_capacity"`
}

func newResultCache(capacity int) *resultCache {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	return &resultCache{
		capacity: capacity,
		order:    list.New(),
		byPath:   make(map[string]*list.Element),
	}
}

func (c *resultCache) Get(path string) (*cachedExtraction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byPath[path]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).cachedExtraction, true
}

func (c *resultCache) Put(path string, value *cachedExtraction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byPath[path]; ok {
		el.Value.(*cacheEntry).cachedExtraction = value
		c.order.MoveToFront(el)
		return
	}
	c.byPath[path] = c.order.PushFront(&cacheEntry{path: path, cachedExtraction: value})
	for c.order.Len() > c.capacity {
		c.drop(c.order.Back())
		c.evictions++
	}
}

// Remove forgets one document and reports whether it was cached
func (c *resultCache) Remove(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byPath[path]
	if ok {
		c.drop(el)
	}
	return ok
}

// RemoveTemplate forgets every extraction made with the template and returns how many
func (c *resultCache) RemoveTemplate(templateID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*cacheEntry).TemplateID == templateID {
			c.drop(el)
			n++
		}
		el = next
	}
	return n
}

// Keys lists cached paths from most to least recently used
func (c *resultCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*cacheEntry).path)
	}
	return keys
}

func (c *resultCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
		Capacity:  c.capacity,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}

// drop unlinks an element; the caller holds mu
func (c *resultCache) drop(el *list.Element) {
	c.order.Remove(el)
	delete(c.byPath, el.Value.(*cacheEntry).path)
}
