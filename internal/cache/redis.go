package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "candlevault:"

// redisCache stores payloads in Redis so multiple instances share one
// cache and invalidation.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

func newRedisCache(ctx context.Context, opts Options) (*redisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.RedisAddr, err)
	}
	return &redisCache{client: client, ttl: opts.TTL}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return val, true
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte) {
	c.client.Set(ctx, redisKeyPrefix+key, value, c.ttl)
}

func (c *redisCache) InvalidateSymbol(ctx context.Context, symbol string) {
	pattern := redisKeyPrefix + symbolPrefix(symbol) + "*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 100 {
			c.client.Del(ctx, keys...)
			keys = keys[:0]
		}
	}
	if len(keys) > 0 {
		c.client.Del(ctx, keys...)
	}
}

func (c *redisCache) Stats(ctx context.Context) Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := Stats{
		Backend: "redis",
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate(hits, misses),
	}
	if n, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.Entries = n
	}
	return stats
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
