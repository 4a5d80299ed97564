package cache

import (
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Backend  string // "memory" or "redis"
	Capacity int
	TTL      time.Duration
	Prefix   string
}

// New selects the cache backend. redisClient is only consulted for the
// "redis" backend.
func New(cfg Config, redisClient *redis.Client) ResponseCache {
	switch cfg.Backend {
	case "redis":
		return NewRedisCache(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
			TTL:    cfg.TTL,
		})
	default:
		return NewMemoryCache(cfg.Capacity, cfg.TTL)
	}
}
