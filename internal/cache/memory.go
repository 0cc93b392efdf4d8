package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value    []byte
	expires  time.Time
	accessed time.Time
}

// memoryCache is a TTL map with LRU eviction at capacity. A background
// sweep removes expired entries so the map does not grow unbounded between
// reads.
type memoryCache struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	maxEntries int
	ttl        time.Duration

	hits      int64
	misses    int64
	evictions int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newMemoryCache(opts Options) *memoryCache {
	c := &memoryCache{
		entries:    make(map[string]*memoryEntry),
		maxEntries: opts.MaxEntries,
		ttl:        opts.TTL,
		stopCh:     make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expires) {
		c.misses++
		return nil, false
	}
	entry.accessed = time.Now()
	c.hits++
	return entry.value, true
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}
	now := time.Now()
	c.entries[key] = &memoryEntry{
		value:    value,
		expires:  now.Add(c.ttl),
		accessed: now,
	}
}

func (c *memoryCache) InvalidateSymbol(_ context.Context, symbol string) {
	prefix := symbolPrefix(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

func (c *memoryCache) Stats(_ context.Context) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Backend:   "memory",
		Entries:   int64(len(c.entries)),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		HitRate:   hitRate(c.hits, c.misses),
	}
}

func (c *memoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return nil
}

// evictLRU removes the least recently accessed entry. Caller holds mu.
func (c *memoryCache) evictLRU() {
	var oldestKey string
	oldest := time.Now().Add(time.Hour)
	for key, entry := range c.entries {
		if entry.accessed.Before(oldest) {
			oldest = entry.accessed
			oldestKey = key
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *memoryCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *memoryCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}
