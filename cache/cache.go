// Package cache provides a fixed-size LRU cache shared by all SSTable
// readers for decompressed data blocks.
package cache

import (
	"container/list"
	"expvar"
	"sync"
)

// Interface is the minimal cache contract consumed by SSTable readers.
type Interface interface {
	Get(key string) (value interface{}, ok bool)
	Put(key string, value interface{})
	Len() int
	Clear()
}

type cacheEntry struct {
	key   string
	value interface{}
}

// LRUCache implements a fixed-size LRU cache. A capacity of zero disables
// caching entirely.
type LRUCache struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[string]*list.Element
	onEvicted  func(key string, value interface{})

	hits   *expvar.Int
	misses *expvar.Int
}

var _ Interface = (*LRUCache)(nil)

// NewLRUCache creates a new LRUCache. onEvicted may be nil.
func NewLRUCache(capacity int, onEvicted func(key string, value interface{})) *LRUCache {
	return &LRUCache{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[string]*list.Element),
		onEvicted:  onEvicted,
	}
}

// SetMetrics attaches hit/miss counters.
func (c *LRUCache) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

// Get retrieves a value from the cache.
func (c *LRUCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return nil, false
	}
	if elem, ok := c.cacheItems[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, true
	}
	if c.misses != nil {
		c.misses.Add(1)
	}
	return nil, false
}

// Put adds a value to the cache, evicting the least recently used entry if
// the cache is full.
func (c *LRUCache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}
	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}
	if c.lruList.Len() >= c.capacity {
		c.evict()
	}
	c.cacheItems[key] = c.lruList.PushFront(&cacheEntry{key: key, value: value})
}

// Len returns the current number of items in the cache.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used item. Must be called with c.mu held.
func (c *LRUCache) evict() {
	elem := c.lruList.Back()
	if elem == nil {
		return
	}
	removed := c.lruList.Remove(elem).(*cacheEntry)
	delete(c.cacheItems, removed.key)
	if c.onEvicted != nil {
		c.onEvicted(removed.key, removed.value)
	}
}

// Clear removes all entries, invoking the eviction callback for each.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.cacheItems {
			entry := elem.Value.(*cacheEntry)
			c.onEvicted(entry.key, entry.value)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[string]*list.Element)
}
