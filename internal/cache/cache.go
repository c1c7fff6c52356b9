// Package cache provides a process-local key/value cache with per-entry TTL.
//
// Expiry is lazy: an expired entry is reported as a miss but stays in the map
// until it is overwritten or invalidated. Values are stored as-is, so callers
// must not mutate a value after caching it.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nadmax/finboard/internal/metrics"
)

const DefaultTTL = 5 * time.Minute

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type Option[V any] func(*Cache[V])

func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		c.now = now
	}
}

// WithName labels hit and miss counters for this cache.
func WithName[V any](name string) Option[V] {
	return func(c *Cache[V]) {
		c.name = name
	}
}

type Cache[V any] struct {
	mu         sync.RWMutex
	entries    map[string]entry[V]
	defaultTTL time.Duration
	now        func() time.Time
	name       string
}

func New[V any](defaultTTL time.Duration, opts ...Option[V]) *Cache[V] {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	c := &Cache[V]{
		entries:    make(map[string]entry[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// Get returns the value stored under key unless its deadline has passed.
// An entry is still served at exactly its deadline.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().After(e.expiresAt) {
		c.record(false)
		var zero V
		return zero, false
	}

	c.record(true)
	return e.value, true
}

func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// InvalidateByPrefix removes every key that starts with prefix.
func (c *Cache[V]) InvalidateByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}

	return removed
}

func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]entry[V])
}

// Len counts stored entries, including expired ones not yet overwritten.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Errors from load are returned and nothing is cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err := load(ctx)
	if err != nil {
		var zero V
		return zero, err
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.SetWithTTL(key, v, ttl)

	return v, nil
}

func (c *Cache[V]) record(hit bool) {
	if c.name == "" {
		return
	}
	metrics.RecordCacheLookup(c.name, hit)
}
