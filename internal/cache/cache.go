// Package cache provides the query-response cache. The default backend is
// an in-process TTL map with LRU eviction; when a Redis address is
// configured the redis backend is used instead so multiple instances share
// one cache.
package cache

import (
	"context"
	"strings"
	"time"
)

// Stats reports cache effectiveness.
type Stats struct {
	Backend   string  `json:"backend"`
	Entries   int64   `json:"entries"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Cache stores serialized query responses keyed by query identity.
type Cache interface {
	// Get returns the cached payload, or false on miss or expiry.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores a payload under the backend's configured TTL.
	Set(ctx context.Context, key string, value []byte)

	// InvalidateSymbol drops every cached query touching the symbol,
	// called after new rows land for it.
	InvalidateSymbol(ctx context.Context, symbol string)

	// Stats returns hit/miss counters.
	Stats(ctx context.Context) Stats

	// Close releases backend resources.
	Close() error
}

// Key builds a cache key from query identity parts. The symbol must be the
// first part so InvalidateSymbol can match by prefix.
func Key(symbol string, parts ...string) string {
	all := append([]string{"q", symbol}, parts...)
	return strings.Join(all, ":")
}

func symbolPrefix(symbol string) string {
	return "q:" + symbol + ":"
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Options configures backend construction.
type Options struct {
	// RedisAddr selects the redis backend when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TTL        time.Duration
	MaxEntries int
}

// New builds the configured backend. Redis connection failures are
// returned rather than silently downgraded; the caller decides whether to
// fall back to memory.
func New(ctx context.Context, opts Options) (Cache, error) {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.RedisAddr != "" {
		return newRedisCache(ctx, opts)
	}
	return newMemoryCache(opts), nil
}
