package worker

import (
	"sync"
	"time"
)

// HealthCache holds the last health result per worker for a bounded time. It is
// process-local; replicas may briefly disagree.
type HealthCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	result HealthResult
	at     time.Time
}

// NewHealthCache constructs a cache. A non-positive ttl disables caching.
func NewHealthCache(ttl time.Duration) *HealthCache {
	return &HealthCache{ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

// Get returns a fresh cached result for the worker.
func (c *HealthCache) Get(workerID string) (HealthResult, bool) {
	if c == nil || c.ttl <= 0 {
		return HealthResult{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[workerID]
	if !ok {
		return HealthResult{}, false
	}
	if c.now().Sub(entry.at) >= c.ttl {
		delete(c.entries, workerID)
		return HealthResult{}, false
	}
	return entry.result, true
}

// Put records a result captured now.
func (c *HealthCache) Put(workerID string, result HealthResult) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[workerID] = cacheEntry{result: result, at: c.now()}
}

// Invalidate drops the cached result for the worker.
func (c *HealthCache) Invalidate(workerID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, workerID)
}
