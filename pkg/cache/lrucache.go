package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
)

// ErrEntryTooLarge is returned by Insert when a single entry costs more than
// the store's total cost limit.
var ErrEntryTooLarge = errors.New("entry exceeds total cost limit")

// lruCacheItem is the internal structure stored in the linked list.
type lruCacheItem[K comparable, V any] struct {
	key   K
	value V
	cost  int64
}

// EvictionHook is called for every entry removed to make room for another.
type EvictionHook[K comparable, V any] func(key K, value V, cost int64)

// CostLRUOption configures a CostLRUCache.
type CostLRUOption[K comparable, V any] func(*CostLRUCache[K, V])

// WithEvictionHook registers a function called, outside the lock, for each
// entry evicted by Insert. Explicit removals do not trigger it.
func WithEvictionHook[K comparable, V any](hook EvictionHook[K, V]) CostLRUOption[K, V] {
	return func(c *CostLRUCache[K, V]) {
		c.onEvict = hook
	}
}

// CostLRUCache is a generic, thread-safe, in-memory cache bounded both by the
// number of entries and by the sum of their costs. When either limit is
// exceeded the least recently used entries are evicted.
//
// After every call the store holds at most countLimit entries whose costs
// sum to at most totalCostLimit. An entry that alone exceeds totalCostLimit
// is rejected with ErrEntryTooLarge rather than admitted.
type CostLRUCache[K comparable, V any] struct {
	countLimit     int
	totalCostLimit int64
	onEvict        EvictionHook[K, V]

	mu        sync.Mutex
	ll        *list.List          // front is the most recently used item.
	cache     map[K]*list.Element // Used for fast key lookups.
	totalCost int64
}

// NewCostLRUCache creates a new count and cost limited LRU cache.
// - countLimit: the maximum number of entries. Must be > 0.
// - totalCostLimit: the maximum sum of entry costs. Must be > 0.
func NewCostLRUCache[K comparable, V any](countLimit int, totalCostLimit int64, opts ...CostLRUOption[K, V]) (*CostLRUCache[K, V], error) {
	if countLimit <= 0 {
		return nil, fmt.Errorf("countLimit must be greater than 0, got %d", countLimit)
	}
	if totalCostLimit <= 0 {
		return nil, fmt.Errorf("totalCostLimit must be greater than 0, got %d", totalCostLimit)
	}
	c := &CostLRUCache[K, V]{
		countLimit:     countLimit,
		totalCostLimit: totalCostLimit,
		ll:             list.New(),
		cache:          make(map[K]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Lookup returns the value stored for key. On a hit the entry is moved to
// the front of the recency list.
func (c *CostLRUCache[K, V]) Lookup(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.cache[key]; ok {
		c.ll.MoveToFront(elem)
		return elem.Value.(*lruCacheItem[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Insert adds or replaces the value for key and records its cost, then
// evicts least recently used entries until both limits hold. The entry
// being inserted is never the one evicted.
func (c *CostLRUCache[K, V]) Insert(key K, value V, cost int64) error {
	if cost < 0 {
		return fmt.Errorf("negative cost %d for key '%v'", cost, key)
	}

	c.mu.Lock()
	if cost > c.totalCostLimit {
		// Drop any previous payload so the rejected insert never leaves an
		// outdated value behind.
		if elem, ok := c.cache[key]; ok {
			c.removeElement(elem)
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: key '%v' costs %d, limit %d", ErrEntryTooLarge, key, cost, c.totalCostLimit)
	}

	if elem, ok := c.cache[key]; ok {
		item := elem.Value.(*lruCacheItem[K, V])
		c.totalCost += cost - item.cost
		item.value = value
		item.cost = cost
		c.ll.MoveToFront(elem)
	} else {
		element := c.ll.PushFront(&lruCacheItem[K, V]{key: key, value: value, cost: cost})
		c.cache[key] = element
		c.totalCost += cost
	}

	evicted := c.evict()
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, item := range evicted {
			c.onEvict(item.key, item.value, item.cost)
		}
	}
	return nil
}

// Remove deletes key from the cache. It is a no-op when key is absent.
func (c *CostLRUCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.cache[key]; ok {
		c.removeElement(elem)
		return true
	}
	return false
}

// Len returns the number of entries currently stored.
func (c *CostLRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// TotalCost returns the sum of the costs of all stored entries.
func (c *CostLRUCache[K, V]) TotalCost() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalCost
}

// Keys returns the stored keys, most recently used first.
func (c *CostLRUCache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, c.ll.Len())
	for e := c.ll.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*lruCacheItem[K, V]).key)
	}
	return keys
}

// Purge removes every entry.
func (c *CostLRUCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.cache = make(map[K]*list.Element)
	c.totalCost = 0
}

// CountLimit returns the configured maximum number of entries.
func (c *CostLRUCache[K, V]) CountLimit() int { return c.countLimit }

// TotalCostLimit returns the configured maximum total cost.
func (c *CostLRUCache[K, V]) TotalCostLimit() int64 { return c.totalCostLimit }

// evict removes least recently used items until both limits hold. The front
// item, the one just inserted, always fits on its own and is never evicted.
// This method is unexported and must be called within a locked mutex.
func (c *CostLRUCache[K, V]) evict() []*lruCacheItem[K, V] {
	var evicted []*lruCacheItem[K, V]
	for c.ll.Len() > c.countLimit || c.totalCost > c.totalCostLimit {
		elementToRemove := c.ll.Back()
		if elementToRemove == nil || elementToRemove == c.ll.Front() {
			break
		}
		evicted = append(evicted, c.removeElement(elementToRemove))
	}
	return evicted
}

// removeElement unlinks elem and updates the cost total. Must be called
// within a locked mutex.
func (c *CostLRUCache[K, V]) removeElement(elem *list.Element) *lruCacheItem[K, V] {
	item := c.ll.Remove(elem).(*lruCacheItem[K, V])
	delete(c.cache, item.key)
	c.totalCost -= item.cost
	return item
}
