// Package cache provides the tracking-result cache: a bounded, TTL-bound
// coalescer between the monitor worker and the carrier registry, keyed by
// (carrierId, trackingNumber). It deliberately holds only a coarse, recent
// snapshot — it is never consulted by the delivery worker (§4.2).
package cache

import (
	"sync"
	"time"

	"github.com/olegiv/trackhook/internal/model"
)

// Default policy (§6: CACHE_TTL / CACHE_MAX_SIZE).
const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 1000
)

// Key identifies a cache slot.
type Key struct {
	CarrierID      string
	TrackingNumber string
}

// entry holds a cached TrackInfo with its insertion timestamp.
type entry struct {
	info      model.TrackInfo
	insertedAt time.Time
}

// Stats reports cache hit/miss/eviction counters for GetCacheStats.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// TrackingCache is a thread-safe, bounded, TTL-bound cache of TrackInfo.
// Eviction on overflow removes the single oldest entry by insertion time
// (C2); eviction on read removes entries older than TTL (C1). Both the read
// path and the eviction scan share one mutex so the two invariants hold
// together, which is why this uses a plain map+mutex rather than the
// teacher's sync.Map-based MemoryCache (internal/cache/memory.go in the
// teacher repo) — that shape fences reads, but a concurrent oldest-entry
// scan during Set needs the same critical section as the insert itself.
type TrackingCache struct {
	mu      sync.Mutex
	data    map[Key]entry
	ttl     time.Duration
	maxSize int

	hits      int64
	misses    int64
	evictions int64
}

// Options configures a TrackingCache.
type Options struct {
	TTL     time.Duration
	MaxSize int
}

// New creates a TrackingCache, applying defaults for zero-valued options.
func New(opts Options) *TrackingCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	return &TrackingCache{
		data:    make(map[Key]entry),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
	}
}

// Get returns the cached TrackInfo for (carrierId, trackingNumber), or
// (zero, false) on miss. An entry older than the TTL is deleted and reported
// as a miss (C1).
func (c *TrackingCache) Get(carrierID, trackingNumber string) (model.TrackInfo, bool) {
	key := Key{CarrierID: carrierID, TrackingNumber: trackingNumber}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		c.misses++
		return model.TrackInfo{}, false
	}
	if time.Since(e.insertedAt) > c.ttl {
		delete(c.data, key)
		c.misses++
		return model.TrackInfo{}, false
	}

	c.hits++
	return e.info, true
}

// Set inserts or replaces the cached TrackInfo for (carrierId,
// trackingNumber). If the cache holds more than maxSize entries after the
// insert, the single
// oldest entry by insertion timestamp is evicted (C2).
func (c *TrackingCache) Set(carrierID, trackingNumber string, info model.TrackInfo) {
	key := Key{CarrierID: carrierID, TrackingNumber: trackingNumber}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = entry{info: info, insertedAt: time.Now()}

	if len(c.data) > c.maxSize {
		c.evictOldestLocked()
	}
}

// evictOldestLocked removes the single entry with the earliest insertion
// timestamp. Must be called with c.mu held.
func (c *TrackingCache) evictOldestLocked() {
	var oldestKey Key
	var oldestAt time.Time
	first := true

	for k, e := range c.data {
		if first || e.insertedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.insertedAt
			first = false
		}
	}
	if !first {
		delete(c.data, oldestKey)
		c.evictions++
	}
}

// Invalidate removes a single key, if present.
func (c *TrackingCache) Invalidate(carrierID, trackingNumber string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, Key{CarrierID: carrierID, TrackingNumber: trackingNumber})
}

// Clear removes every entry.
func (c *TrackingCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[Key]entry)
}

// Cleanup evicts all entries whose age exceeds the TTL. Used by the cleanup
// worker (§4.6) to bound memory between reads.
func (c *TrackingCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, e := range c.data {
		if now.Sub(e.insertedAt) > c.ttl {
			delete(c.data, k)
			removed++
		}
	}
	c.evictions += int64(removed)
	return removed
}

// Stats reports current counters.
func (c *TrackingCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.data),
	}
}
