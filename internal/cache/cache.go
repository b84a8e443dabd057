// Package cache holds the three in-process caches: embeddings, query
// results, and per-patient retrieval indexes. All are LRU with TTL; the
// patient-index cache additionally collapses concurrent builds so only one
// writer per patient ever runs.
package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/karte/internal/telemetry"
)

// Defaults per cache. Capacity and TTL pairs are part of the service
// contract, not tuning knobs.
const (
	EmbeddingCapacity = 1000
	EmbeddingTTL      = 5 * time.Minute

	QueryResultCapacity = 100
	QueryResultTTL      = 5 * time.Minute

	PatientIndexCapacity = 5
	PatientIndexTTL      = 30 * time.Minute
)

// TTLCache is an LRU+TTL cache with hit/miss accounting. Safe for
// concurrent use.
type TTLCache[V any] struct {
	name   string
	lru    *expirable.LRU[string, V]
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64

	hitCounter  metric.Int64Counter
	missCounter metric.Int64Counter
	attrs       metric.MeasurementOption
}

// NewTTL builds a named cache. Expired entries are dropped by the LRU's
// internal cleanup; evictions (capacity or expiry) are logged at debug.
func NewTTL[V any](name string, capacity int, ttl time.Duration, logger *slog.Logger) *TTLCache[V] {
	c := &TTLCache[V]{name: name, logger: logger}

	meter := telemetry.Meter("karte/cache")
	c.hitCounter, _ = meter.Int64Counter("karte.cache.hits",
		metric.WithDescription("Cache lookups that found a live entry"),
	)
	c.missCounter, _ = meter.Int64Counter("karte.cache.misses",
		metric.WithDescription("Cache lookups that found nothing"),
	)
	c.attrs = metric.WithAttributes(attribute.String("cache", name))

	c.lru = expirable.NewLRU[string, V](capacity, func(key string, _ V) {
		logger.Debug("cache: evicted", "cache", name, "key", key)
	}, ttl)
	return c
}

// Get returns the cached value and whether it was present.
func (c *TTLCache[V]) Get(ctx context.Context, key string) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
		c.hitCounter.Add(ctx, 1, c.attrs)
	} else {
		c.misses.Add(1)
		c.missCounter.Add(ctx, 1, c.attrs)
	}
	return v, ok
}

// Add stores a value, evicting the least recently used entry if full.
func (c *TTLCache[V]) Add(key string, value V) {
	c.lru.Add(key, value)
}

// Remove drops one key.
func (c *TTLCache[V]) Remove(key string) {
	c.lru.Remove(key)
}

// Purge drops everything.
func (c *TTLCache[V]) Purge() {
	c.lru.Purge()
}

// Len is the current entry count.
func (c *TTLCache[V]) Len() int { return c.lru.Len() }

// Name identifies the cache in logs and metrics.
func (c *TTLCache[V]) Name() string { return c.name }

// Stats returns lifetime hit and miss counts.
func (c *TTLCache[V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Loader wraps a TTLCache with singleflight so concurrent misses for the
// same key run the build function once; everyone else waits for the
// published result.
type Loader[V any] struct {
	cache *TTLCache[V]
	group singleflight.Group
}

// NewLoader wraps an existing cache.
func NewLoader[V any](cache *TTLCache[V]) *Loader[V] {
	return &Loader[V]{cache: cache}
}

// Get returns the cached value or builds it. The second return reports
// whether the value came from cache. On build failure the key is forgotten
// so the next caller retries.
func (l *Loader[V]) Get(ctx context.Context, key string, build func(context.Context) (V, error)) (V, bool, error) {
	if v, ok := l.cache.Get(ctx, key); ok {
		return v, true, nil
	}

	result, err, _ := l.group.Do(key, func() (any, error) {
		// Another waiter may have published while we queued.
		if v, ok := l.cache.Get(ctx, key); ok {
			return v, nil
		}
		v, err := build(ctx)
		if err != nil {
			return nil, err
		}
		l.cache.Add(key, v)
		return v, nil
	})
	if err != nil {
		l.group.Forget(key)
		var zero V
		return zero, false, err
	}
	return result.(V), false, nil
}

// Invalidate drops the key from cache and from any in-flight build.
func (l *Loader[V]) Invalidate(key string) {
	l.group.Forget(key)
	l.cache.Remove(key)
}
