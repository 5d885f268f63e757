package hive

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/everydev1618/hive/resilience"
)

const defaultMaxWorkerBreakers = 1024

// breakerCache keeps one circuit breaker per worker, evicting the least
// recently used worker's breaker once capacity is reached. Every breaker
// leaving the cache is disposed.
type breakerCache struct {
	reg   *resilience.Registry
	cfg   resilience.BreakerConfig
	cache *lru.Cache[string, *resilience.CircuitBreaker]
}

func newBreakerCache(reg *resilience.Registry, cfg resilience.BreakerConfig, capacity int) *breakerCache {
	if capacity <= 0 {
		capacity = defaultMaxWorkerBreakers
	}
	// NewWithEvict only fails for a non-positive size.
	cache, _ := lru.NewWithEvict(capacity, func(_ string, cb *resilience.CircuitBreaker) {
		cb.Dispose()
	})
	return &breakerCache{reg: reg, cfg: cfg, cache: cache}
}

func breakerName(workerID string) string {
	return "worker-" + workerID
}

// get returns the worker's breaker, creating it on first use.
func (c *breakerCache) get(workerID string) *resilience.CircuitBreaker {
	if cb, ok := c.cache.Get(workerID); ok {
		return cb
	}
	cb := c.reg.Breaker(breakerName(workerID), c.cfg)
	c.cache.Add(workerID, cb)
	return cb
}

// remove disposes the worker's breaker if one exists.
func (c *breakerCache) remove(workerID string) {
	c.cache.Remove(workerID)
}

func (c *breakerCache) len() int {
	return c.cache.Len()
}

// states returns the state of every cached breaker without touching
// recency.
func (c *breakerCache) states() map[string]resilience.BreakerState {
	keys := c.cache.Keys()
	out := make(map[string]resilience.BreakerState, len(keys))
	for _, id := range keys {
		if cb, ok := c.cache.Peek(id); ok {
			out[id] = cb.State()
		}
	}
	return out
}

// disposeAll disposes every cached breaker.
func (c *breakerCache) disposeAll() {
	c.cache.Purge()
}
