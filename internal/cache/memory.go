package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	defaultCapacity = 500
	defaultTTL      = 30 * time.Minute
)

type memoryEntry struct {
	key       string
	value     string
	createdAt time.Time
}

// MemoryCache is a bounded in-process ResponseCache with TTL expiry and LRU
// eviction. TTL is measured from creation; LRU order from last access. The
// lock is held only for the O(1) map and list operations, never across a
// network call.
type MemoryCache struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	capacity int
	ttl      time.Duration

	hits      int64
	misses    int64
	evictions int64

	// now is swappable so tests can control TTL expiry.
	now func() time.Time
}

// NewMemoryCache creates a memory cache holding at most capacity entries,
// each valid for ttl. Non-positive arguments fall back to 500 entries / 30m.
func NewMemoryCache(capacity int, ttl time.Duration) *MemoryCache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryCache{
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return "", false, nil
	}

	entry := elem.Value.(*memoryEntry)
	if c.now().Sub(entry.createdAt) >= c.ttl {
		// Expired: evict on read and report a miss.
		c.removeLocked(elem)
		c.evictions++
		c.misses++
		return "", false, nil
	}

	// Refresh LRU position; TTL stays anchored to creation.
	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, true, nil
}

func (c *MemoryCache) Put(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = value
		entry.createdAt = c.now()
		c.order.MoveToFront(elem)
		return nil
	}

	if c.order.Len() >= c.capacity {
		// Evict the least-recently-accessed entry.
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
			c.evictions++
		}
	}

	elem := c.order.PushFront(&memoryEntry{
		key:       key,
		value:     value,
		createdAt: c.now(),
	})
	c.items[key] = elem
	return nil
}

func (c *MemoryCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	c.order.Remove(elem)
	delete(c.items, entry.key)
}

func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
		Capacity:  c.capacity,
	}
}

// Clear removes all entries. Useful for tests or manual resets.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
	c.mu.Unlock()
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
