package cache

import (
	"container/list"
	"sync"

	"github.com/c360/orgmap/errors"
)

// lruEntry represents an entry in the LRU cache.
type lruEntry[V any] struct {
	key   string
	value V
}

// LRUCache is a thread-safe Least Recently Used cache. It evicts the least
// recently used items when the maximum size is exceeded.
type LRUCache[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

// NewLRU creates a new LRU cache with the specified maximum size.
func NewLRU[V any](maxSize int, options ...Option[V]) (*LRUCache[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(nil, "cache", "NewLRU", "max size must be positive")
	}

	opts, err := applyOptions(options...)
	if err != nil {
		return nil, err
	}

	return &LRUCache[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stats:   NewStatistics(),
		metrics: opts.metrics,
		evictFn: opts.evictCallback,
	}, nil
}

// Get retrieves a value by key and marks it as recently used.
func (c *LRUCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		var zero V
		c.stats.Miss()
		c.metrics.recordMiss()
		return zero, false
	}

	c.order.MoveToFront(element)
	entry := element.Value.(*lruEntry[V])

	c.stats.Hit()
	c.metrics.recordHit()
	return entry.value, true
}

// Set stores a value with the given key and marks it as recently used.
func (c *LRUCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if element, exists := c.items[key]; exists {
		entry := element.Value.(*lruEntry[V])
		entry.value = value
		c.order.MoveToFront(element)

		c.stats.Set()
		c.metrics.recordSet()
		return false, nil
	}

	entry := &lruEntry[V]{key: key, value: value}
	c.items[key] = c.order.PushFront(entry)

	if len(c.items) > c.maxSize {
		c.evictOldest()
	}

	c.stats.Set()
	c.stats.UpdateSize(int64(len(c.items)))
	c.metrics.recordSet()
	c.metrics.updateSize(len(c.items))
	return true, nil
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (c *LRUCache[V]) evictOldest() {
	element := c.order.Back()
	if element == nil {
		return
	}

	entry := element.Value.(*lruEntry[V])
	c.order.Remove(element)
	delete(c.items, entry.key)

	if c.evictFn != nil {
		c.evictFn(entry.key, entry.value)
	}
	c.stats.Eviction()
	c.metrics.recordEviction()
}

// Delete removes an entry by key.
func (c *LRUCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		return false, nil
	}

	entry := element.Value.(*lruEntry[V])
	c.order.Remove(element)
	delete(c.items, key)

	if c.evictFn != nil {
		c.evictFn(entry.key, entry.value)
	}
	c.stats.Delete()
	c.stats.UpdateSize(int64(len(c.items)))
	c.metrics.recordDelete()
	c.metrics.updateSize(len(c.items))
	return true, nil
}

// Clear removes all entries from the cache.
func (c *LRUCache[V]) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.evictFn != nil {
		for _, element := range c.items {
			entry := element.Value.(*lruEntry[V])
			c.evictFn(entry.key, entry.value)
		}
	}

	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.stats.UpdateSize(0)
	c.metrics.updateSize(0)
	return nil
}

// Size returns the current number of entries in the cache.
func (c *LRUCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns all keys, most recently used first.
func (c *LRUCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*lruEntry[V]).key)
	}
	return keys
}

// Stats returns cache statistics.
func (c *LRUCache[V]) Stats() *Statistics {
	return c.stats
}

// Close is a no-op for LRU caches; there is no background goroutine.
func (c *LRUCache[V]) Close() error {
	return nil
}
