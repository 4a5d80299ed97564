package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements ResponseCache on a Redis server. TTL expiry is
// delegated to Redis; capacity bounding relies on the server's maxmemory
// policy (an LRU policy is the expected deployment). Hit/miss counters are
// tracked locally per process.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

type RedisConfig struct {
	Prefix string
	TTL    time.Duration
}

// NewRedisCache creates a Redis-backed response cache.
func NewRedisCache(client *redis.Client, cfg RedisConfig) *RedisCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{
		client: client,
		prefix: cfg.Prefix,
		ttl:    ttl,
	}
}

func (c *RedisCache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Get retrieves a cached response. On a Redis error it returns
// ("", false, err) so the caller can log and treat it as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("context error: %w", err)
	}

	res, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		c.misses.Add(1)
		return "", false, nil
	}
	if err != nil {
		c.misses.Add(1)
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}

	c.hits.Add(1)
	return res, true, nil
}

// Put stores a response with the configured TTL.
func (c *RedisCache) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (c *RedisCache) Stats() Stats {
	// Size and evictions live server-side; only the local counters are
	// reported here.
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}

// Ping checks if the Redis connection is healthy.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return c.client.Ping(ctx).Err()
}
