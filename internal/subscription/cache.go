package subscription

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Cache is a fixed-capacity set of keys with least-recently-inserted
// eviction. Recency only moves on TryInsert: a subscription is refreshed by
// being subscribed again, not by frames arriving for it. Cache is not safe
// for concurrent use.
type Cache[K comparable] struct {
	lru      *simplelru.LRU[K, struct{}]
	capacity int
}

// NewCache creates a cache holding at most capacity keys.
func NewCache[K comparable](capacity int) (*Cache[K], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("subscription cache capacity must be positive, got %d", capacity)
	}
	lru, err := simplelru.NewLRU[K, struct{}](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Cache[K]{lru: lru, capacity: capacity}, nil
}

// TryInsert adds key as most recently used. If key was already present it is
// only refreshed. If the cache was full, the least recently used key is
// removed and returned with evicted set; the caller frees whatever that key
// held.
func (c *Cache[K]) TryInsert(key K) (old K, evicted bool) {
	if c.lru.Contains(key) {
		c.lru.Add(key, struct{}{})
		return old, false
	}
	if c.lru.Len() >= c.capacity {
		old, _, evicted = c.lru.RemoveOldest()
	}
	c.lru.Add(key, struct{}{})
	return old, evicted
}

// TryRemove removes key, reporting whether it was present.
func (c *Cache[K]) TryRemove(key K) bool {
	return c.lru.Remove(key)
}

// Contains reports whether key is cached without touching its recency.
func (c *Cache[K]) Contains(key K) bool {
	return c.lru.Contains(key)
}

// Count returns the number of cached keys.
func (c *Cache[K]) Count() int {
	return c.lru.Len()
}

// Capacity returns the maximum number of keys.
func (c *Cache[K]) Capacity() int {
	return c.capacity
}

// Keys returns the cached keys from least to most recently used.
func (c *Cache[K]) Keys() []K {
	return c.lru.Keys()
}
