package venue

import (
	"sync"
	"time"
)

// resultCache remembers successful executions per idempotency key.
type resultCache struct {
	mu    sync.Mutex
	items map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	value     ExecutionResult
	expiresAt time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		items: make(map[string]cacheEntry),
		ttl:   ttl,
	}
}

func (c *resultCache) get(key string) (ExecutionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[key]; ok {
		if time.Now().Before(item.expiresAt) {
			return item.value, true
		}
		delete(c.items, key)
	}
	return ExecutionResult{}, false
}

func (c *resultCache) set(key string, value ExecutionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, k)
		}
	}
	c.items[key] = cacheEntry{
		value:     value,
		expiresAt: now.Add(c.ttl),
	}
}
