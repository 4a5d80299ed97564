package cache

import (
	"context"
)

// ResponseCache maps a request fingerprint to a previously produced answer.
// Implemented by the in-memory LRU cache (dev, single process) and the Redis
// cache (shared deployments). It never calls a provider; pure storage.
type ResponseCache interface {
	// Get returns the cached response for a fingerprint. A hit refreshes
	// the entry's last-access time.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put stores a response under a fingerprint with the cache's TTL.
	Put(ctx context.Context, key, value string) error

	// Stats returns the running counters. Queryable at any time.
	Stats() Stats
}

// Stats is a snapshot of cache behavior since process start.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
}
