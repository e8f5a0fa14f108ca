// Package lrucache provides a fixed-capacity key-value store with
// least-recently-used eviction.
package lrucache

import (
	"container/list"
	"fmt"
	"sync"
)

// Cache is a bounded key-value store. When a new key is inserted at
// capacity, the least-recently-touched entry is evicted. All methods are
// safe for concurrent use; callers that need a larger read-modify-write
// sequence to be atomic must hold their own lock across it.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	entries  map[K]*list.Element
	// order holds *entry[K, V] values, least recently used at the front.
	order *list.List
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// New returns an empty Cache bounded to capacity entries. It panics if
// capacity is less than 1.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	if capacity < 1 {
		panic(fmt.Sprintf("developer error: lrucache capacity must be >= 1, got %d", capacity))
	}
	return &Cache[K, V]{
		capacity: capacity,
		entries:  make(map[K]*list.Element),
		order:    list.New(),
	}
}

// Get returns the value stored for key and marks it as most recently
// used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToBack(el)
	return el.Value.(*entry[K, V]).value, true
}

// Set stores value for key and marks it as most recently used. Inserting
// a new key at capacity evicts the least-recently-used entry first.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*entry[K, V]).value = value
		c.order.MoveToBack(el)
		return
	}
	if len(c.entries) >= c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry[K, V]).key)
	}
	c.entries[key] = c.order.PushBack(&entry[K, V]{key: key, value: value})
}

// Delete removes key and reports whether it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.entries, key)
	return true
}

// Cleanup removes every entry for which pred returns true in a single
// pass and returns the number removed. Surviving entries keep their
// recency order.
func (c *Cache[K, V]) Cleanup(pred func(key K, value V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		ent := el.Value.(*entry[K, V])
		if pred(ent.key, ent.value) {
			c.order.Remove(el)
			delete(c.entries, ent.key)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of entries currently stored.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
