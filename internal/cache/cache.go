// Package cache implements the process-wide TTL cache for idempotent lookup
// results (price quotes, static reference data).
//
// The cache is shared by all in-flight plans and partitioned by category.
// Each category has its own TTL; writes are last-writer-wins. Keys are
// sharded across independent locks so that unrelated plans never serialize
// on a single cache mutex.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const shardCount = 16

// Well-known categories. Callers may use arbitrary category names; unknown
// categories fall back to the default TTL.
const (
	CategoryPrice     = "price"
	CategoryReference = "reference"
)

type entry struct {
	value      interface{}
	insertedAt time.Time
	expiresAt  time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Cache is a concurrent-safe, category-partitioned TTL store.
type Cache struct {
	shards [shardCount]*shard

	ttlMu      sync.RWMutex
	ttls       map[string]time.Duration
	defaultTTL time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a cache with the given per-category TTL table. A background
// sweeper evicts expired entries every sweepEvery; expired entries are also
// rejected lazily on read, so the sweeper only bounds memory.
// Close must be called to stop the sweeper.
func New(ttls map[string]time.Duration, defaultTTL, sweepEvery time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	c := &Cache{
		ttls:       make(map[string]time.Duration, len(ttls)),
		defaultTTL: defaultTTL,
		stopCh:     make(chan struct{}),
	}
	for cat, ttl := range ttls {
		c.ttls[cat] = ttl
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]entry)}
	}
	if sweepEvery > 0 {
		go c.sweepLoop(sweepEvery)
	}
	return c
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Get returns the cached value for (key, category) if present and fresh.
func (c *Cache) Get(key, category string) (interface{}, bool) {
	k := compositeKey(key, category)
	s := c.shardFor(k)

	s.mu.RLock()
	e, ok := s.entries[k]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		// Expired — never returned, evicted on next write or sweep.
		return nil, false
	}
	return e.value, true
}

// Put stores a value under (key, category) with the category's TTL.
// Last writer wins.
func (c *Cache) Put(key string, value interface{}, category string) {
	c.PutTTL(key, value, category, c.ttlFor(category))
}

// PutTTL stores a value with an explicit TTL, capped at the category's TTL.
// Used when the data source supplies its own freshness bound.
func (c *Cache) PutTTL(key string, value interface{}, category string, ttl time.Duration) {
	if max := c.ttlFor(category); ttl <= 0 || ttl > max {
		ttl = max
	}
	now := time.Now()
	k := compositeKey(key, category)
	s := c.shardFor(k)

	s.mu.Lock()
	s.entries[k] = entry{value: value, insertedAt: now, expiresAt: now.Add(ttl)}
	s.mu.Unlock()
}

// Invalidate removes a single (key, category) entry.
func (c *Cache) Invalidate(key, category string) {
	k := compositeKey(key, category)
	s := c.shardFor(k)
	s.mu.Lock()
	delete(s.entries, k)
	s.mu.Unlock()
}

// InvalidateCategory removes every entry in a category.
func (c *Cache) InvalidateCategory(category string) {
	suffix := "\x00" + category
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.entries {
			if len(k) >= len(suffix) && k[len(k)-len(suffix):] == suffix {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Len returns the number of live (non-expired) entries.
func (c *Cache) Len() int {
	now := time.Now()
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			if now.Before(e.expiresAt) {
				n++
			}
		}
		s.mu.RUnlock()
	}
	return n
}

// SetCategoryTTL overrides the TTL for a category at runtime.
func (c *Cache) SetCategoryTTL(category string, ttl time.Duration) {
	c.ttlMu.Lock()
	c.ttls[category] = ttl
	c.ttlMu.Unlock()
}

func (c *Cache) ttlFor(category string) time.Duration {
	c.ttlMu.RLock()
	defer c.ttlMu.RUnlock()
	if ttl, ok := c.ttls[category]; ok && ttl > 0 {
		return ttl
	}
	return c.defaultTTL
}

func (c *Cache) shardFor(k string) *shard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return c.shards[h.Sum32()%shardCount]
}

func (c *Cache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted := c.sweep()
			if evicted > 0 {
				log.Debug().Int("evicted", evicted).Msg("cache sweep")
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) sweep() int {
	now := time.Now()
	evicted := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

func compositeKey(key, category string) string {
	return key + "\x00" + category
}
