package idempotency

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Cache is the bounded idempotency cache for client-supplied submission keys.
// While a key is reserved and fresh, a repeat Reserve fails, which is what
// collapses duplicate submissions before any persistence or broadcast side
// effect. Release removes a key early so a corrected retry after a genuine
// failure is not blocked for the full TTL.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries *lru.Cache
}

func NewCache(size int, ttl time.Duration) (*Cache, error) {
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{ttl: ttl, entries: entries}, nil
}

// Reserve marks key as in-flight. It returns false if the key is already
// reserved and still within its TTL. The check and the mark are a single
// step under the lock, so two concurrent reservations cannot both succeed.
func (c *Cache) Reserve(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.entries.Get(key); ok {
		if reservedAt, ok := v.(time.Time); ok && time.Since(reservedAt) < c.ttl {
			return false
		}
	}
	c.entries.Add(key, time.Now())
	return true
}

// Release frees a key before its TTL expires.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

// Sweep evicts expired entries and returns how many were removed. The LRU
// bound already caps memory; the sweep just keeps lookups from tripping over
// long-dead keys.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, k := range c.entries.Keys() {
		v, ok := c.entries.Peek(k)
		if !ok {
			continue
		}
		if reservedAt, ok := v.(time.Time); ok && time.Since(reservedAt) >= c.ttl {
			c.entries.Remove(k)
			removed++
		}
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
