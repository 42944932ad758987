package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUCacheFactory creates LRU parked-value caches.
type LRUCacheFactory struct {
	maxSize int
}

// NewLRUCacheFactory creates a new LRU cache factory.
func NewLRUCacheFactory(maxSize int) LocalCacheFactory {
	return &LRUCacheFactory{maxSize: maxSize}
}

// Create creates a new LRU cache instance.
func (lcf *LRUCacheFactory) Create() (LocalCache, error) {
	return NewLRUCache(lcf.maxSize)
}

// LRUCache parks entry values in an LRU using golang-lru. Unlike the
// Ristretto tier it is strictly synchronous, which makes it the right
// choice for tests and for small working sets.
type LRUCache struct {
	cache     *lru.Cache[string, any]
	hits      int64
	misses    int64
	evictions int64
	maxSize   int64
}

// NewLRUCache creates a new LRU-based parked-value cache.
func NewLRUCache(maxSize int) (*LRUCache, error) {
	var lc LRUCache
	cache, err := lru.NewWithEvict[string, any](maxSize, func(string, any) {
		atomic.AddInt64(&lc.evictions, 1)
	})
	if err != nil {
		return nil, err
	}

	lc.cache = cache
	lc.maxSize = int64(maxSize)
	return &lc, nil
}

// Get retrieves a parked value.
func (lc *LRUCache) Get(key string) (any, bool) {
	value, found := lc.cache.Get(key)
	if found {
		atomic.AddInt64(&lc.hits, 1)
	} else {
		atomic.AddInt64(&lc.misses, 1)
	}
	return value, found
}

// Set parks a value.
func (lc *LRUCache) Set(key string, value any, cost int64) bool {
	lc.cache.Add(key, value)
	return true
}

// Delete removes a parked value.
func (lc *LRUCache) Delete(key string) {
	lc.cache.Remove(key)
}

// Clear removes all parked values.
func (lc *LRUCache) Clear() {
	lc.cache.Purge()
}

// Close closes the cache.
func (lc *LRUCache) Close() {
	lc.cache.Purge()
}

// Metrics returns cache metrics.
func (lc *LRUCache) Metrics() LocalCacheMetrics {
	return LocalCacheMetrics{
		Hits:      atomic.LoadInt64(&lc.hits),
		Misses:    atomic.LoadInt64(&lc.misses),
		Evictions: atomic.LoadInt64(&lc.evictions),
		Size:      int64(lc.cache.Len()),
	}
}
