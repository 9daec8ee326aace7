package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCache implements an in-memory cache with TTL support
type MemoryCache struct {
	items    map[string]*memoryItem
	mu       sync.RWMutex
	maxSize  int
	stopChan chan struct{}
	stopped  bool

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// memoryItem represents an item in memory cache
type memoryItem struct {
	value      []byte
	expiration time.Time
	accessed   atomic.Int64 // unix nanos
}

// MemoryCacheStats represents memory cache statistics
type MemoryCacheStats struct {
	ItemCount     int   `json:"item_count"`
	MaxSize       int   `json:"max_size"`
	HitCount      int64 `json:"hit_count"`
	MissCount     int64 `json:"miss_count"`
	EvictionCount int64 `json:"eviction_count"`
}

// NewMemoryCache creates a new memory cache
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000 // Default max size
	}

	mc := &MemoryCache{
		items:    make(map[string]*memoryItem),
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
	}

	// Start cleanup goroutine
	go mc.cleanupLoop()

	return mc
}

// Get retrieves a copy of the value stored under key
func (mc *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	mc.mu.RLock()
	item, exists := mc.items[key]
	mc.mu.RUnlock()

	if !exists || time.Now().After(item.expiration) {
		mc.misses.Add(1)
		return nil, missError(key)
	}

	item.accessed.Store(time.Now().UnixNano())
	mc.hits.Add(1)
	return append([]byte(nil), item.value...), nil
}

// Set stores a copy of value. A non-positive expiration keeps the item for 24h.
func (mc *MemoryCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, exists := mc.items[key]; !exists && len(mc.items) >= mc.maxSize {
		mc.evictLRU()
	}

	if expiration <= 0 {
		expiration = 24 * time.Hour
	}

	item := &memoryItem{
		value:      append([]byte(nil), value...),
		expiration: time.Now().Add(expiration),
	}
	item.accessed.Store(time.Now().UnixNano())
	mc.items[key] = item

	return nil
}

// Delete removes a value from memory cache
func (mc *MemoryCache) Delete(ctx context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.items, key)
	return nil
}

// Size returns the current number of items in the cache
func (mc *MemoryCache) Size() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return len(mc.items)
}

// GetStats returns memory cache statistics
func (mc *MemoryCache) GetStats() *MemoryCacheStats {
	return &MemoryCacheStats{
		ItemCount:     mc.Size(),
		MaxSize:       mc.maxSize,
		HitCount:      mc.hits.Load(),
		MissCount:     mc.misses.Load(),
		EvictionCount: mc.evictions.Load(),
	}
}

// evictLRU evicts the least recently used item; caller holds mc.mu
func (mc *MemoryCache) evictLRU() {
	var oldestKey string
	var oldest int64
	first := true

	for key, item := range mc.items {
		if at := item.accessed.Load(); first || at < oldest {
			oldestKey = key
			oldest = at
			first = false
		}
	}

	if !first {
		delete(mc.items, oldestKey)
		mc.evictions.Add(1)
	}
}

// cleanupLoop runs periodic cleanup of expired items
func (mc *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mc.cleanup()
		case <-mc.stopChan:
			return
		}
	}
}

// cleanup removes expired items
func (mc *MemoryCache) cleanup() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	for key, item := range mc.items {
		if now.After(item.expiration) {
			delete(mc.items, key)
		}
	}
}

// Close stops the cleanup goroutine
func (mc *MemoryCache) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if !mc.stopped {
		close(mc.stopChan)
		mc.stopped = true
	}

	return nil
}
