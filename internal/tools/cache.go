package tools

import (
	"context"
	"sync"
	"time"
)

// CachingProvider memoizes the slow-changing lookups (schema, table
// statistics, index selectivity) for a bounded TTL. Execution plans and
// lock waits always go to the server. Failures are never cached.
type CachingProvider struct {
	inner Provider
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry

	// now is swappable for tests
	now func() time.Time
}

type cacheEntry struct {
	value   string
	expires time.Time
}

// NewCachingProvider wraps a provider with a TTL cache. A zero ttl
// disables caching entirely.
func NewCachingProvider(inner Provider, ttl time.Duration) *CachingProvider {
	return &CachingProvider{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Invalidate drops every cached entry, forcing fresh lookups.
func (c *CachingProvider) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *CachingProvider) cached(key string, fetch func() (string, error)) (string, error) {
	if c.ttl <= 0 {
		return fetch()
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	value, err := fetch()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}

func (c *CachingProvider) TableSchema(ctx context.Context, database, table string) (string, error) {
	return c.cached("schema\x00"+database+"\x00"+table, func() (string, error) {
		return c.inner.TableSchema(ctx, database, table)
	})
}

func (c *CachingProvider) TableStatistics(ctx context.Context, database, table string) (string, error) {
	return c.cached("stats\x00"+database+"\x00"+table, func() (string, error) {
		return c.inner.TableStatistics(ctx, database, table)
	})
}

func (c *CachingProvider) IndexSelectivity(ctx context.Context, database, table string) (string, error) {
	return c.cached("idx\x00"+database+"\x00"+table, func() (string, error) {
		return c.inner.IndexSelectivity(ctx, database, table)
	})
}

func (c *CachingProvider) ExecutionPlan(ctx context.Context, database, query string) (string, error) {
	return c.inner.ExecutionPlan(ctx, database, query)
}

func (c *CachingProvider) LockWaits(ctx context.Context, database string) (string, error) {
	return c.inner.LockWaits(ctx, database)
}

func (c *CachingProvider) ComparePerformance(ctx context.Context, database, queryA, queryB string) (string, error) {
	return c.inner.ComparePerformance(ctx, database, queryA, queryB)
}
