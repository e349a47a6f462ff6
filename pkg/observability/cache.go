package observability

import (
	"context"
	"time"

	"github.com/plaenen/libris/pkg/cache"
)

// InstrumentedCache wraps a cache adapter and counts hits and misses. All
// other operations pass through untouched.
type InstrumentedCache struct {
	inner   cache.Cache
	metrics *Metrics
	name    string
}

var _ cache.Cache = (*InstrumentedCache)(nil)

// NewInstrumentedCache decorates inner with hit/miss accounting under the
// given cache name. A nil metrics set returns inner unwrapped.
func NewInstrumentedCache(inner cache.Cache, metrics *Metrics, name string) cache.Cache {
	if metrics == nil {
		return inner
	}
	return &InstrumentedCache{inner: inner, metrics: metrics, name: name}
}

func (c *InstrumentedCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, ok := c.inner.Get(ctx, key)
	c.metrics.RecordCacheAccess(ctx, c.name, ok)
	return value, ok
}

func (c *InstrumentedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.inner.Set(ctx, key, value, ttl)
}

func (c *InstrumentedCache) Del(ctx context.Context, keys ...string) {
	c.inner.Del(ctx, keys...)
}

func (c *InstrumentedCache) DelPattern(ctx context.Context, pattern string) {
	c.inner.DelPattern(ctx, pattern)
}

func (c *InstrumentedCache) Exists(ctx context.Context, key string) bool {
	return c.inner.Exists(ctx, key)
}

func (c *InstrumentedCache) GetTTL(ctx context.Context, key string) (time.Duration, bool) {
	return c.inner.GetTTL(ctx, key)
}

func (c *InstrumentedCache) UpdateTTL(ctx context.Context, key string, ttl time.Duration) bool {
	return c.inner.UpdateTTL(ctx, key, ttl)
}
