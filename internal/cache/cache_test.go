package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nadmax/finboard/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func setupCache(t *testing.T) (*Cache[string], *manualClock) {
	t.Helper()

	clock := &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New[string](time.Minute, WithClock[string](clock.Now)), clock
}

func TestSetAndGet(t *testing.T) {
	c, _ := setupCache(t)

	c.Set("key", "value")

	v, ok := c.Get("key")
	assert.True(t, ok)
	assert.Equal(t, "value", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestGet_Expiry(t *testing.T) {
	c, clock := setupCache(t)

	c.SetWithTTL("short", "v", 10*time.Second)

	clock.now = clock.now.Add(9 * time.Second)
	_, ok := c.Get("short")
	assert.True(t, ok)

	clock.now = clock.now.Add(time.Second)
	v, ok := c.Get("short")
	assert.True(t, ok, "entry is served at exactly its deadline")
	assert.Equal(t, "v", v)

	clock.now = clock.now.Add(time.Nanosecond)
	_, ok = c.Get("short")
	assert.False(t, ok)

	assert.Equal(t, 1, c.Len(), "expired entries are not evicted on read")
}

func TestSet_DefaultTTL(t *testing.T) {
	c, clock := setupCache(t)

	c.Set("key", "value")

	clock.now = clock.now.Add(time.Minute)
	_, ok := c.Get("key")
	assert.True(t, ok)

	clock.now = clock.now.Add(time.Nanosecond)
	_, ok = c.Get("key")
	assert.False(t, ok)
}

func TestSet_Overwrite(t *testing.T) {
	c, clock := setupCache(t)

	c.SetWithTTL("key", "old", time.Second)
	clock.now = clock.now.Add(2 * time.Second)
	c.Set("key", "new")

	v, ok := c.Get("key")
	assert.True(t, ok)
	assert.Equal(t, "new", v)
	assert.Equal(t, 1, c.Len())
}

func TestInvalidate(t *testing.T) {
	c, _ := setupCache(t)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Invalidate("a")
	c.Invalidate("never-set")

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestInvalidateByPrefix(t *testing.T) {
	c, _ := setupCache(t)

	c.Set("user:1:stats", "s")
	c.Set("user:1:history", "h")
	c.Set("user:2:data", "d")
	c.Set("global:config", "g")

	removed := c.InvalidateByPrefix("user:1:")
	assert.Equal(t, 2, removed)

	_, ok := c.Get("user:1:stats")
	assert.False(t, ok)
	_, ok = c.Get("user:1:history")
	assert.False(t, ok)

	v, ok := c.Get("user:2:data")
	assert.True(t, ok)
	assert.Equal(t, "d", v)
	_, ok = c.Get("global:config")
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	c, _ := setupCache(t)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Clear()

	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestValuesStoredAsIs(t *testing.T) {
	type stats struct {
		Count int
	}
	c := New[*stats](time.Minute)

	s := &stats{Count: 1}
	c.Set("k", s)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestGetOrLoad(t *testing.T) {
	c, clock := setupCache(t)
	ctx := context.Background()

	calls := 0
	load := func(ctx context.Context) (string, error) {
		calls++
		return "loaded", nil
	}

	v, err := c.GetOrLoad(ctx, "k", 30*time.Second, load)
	require.NoError(t, err)
	assert.Equal(t, "loaded", v)

	v, err = c.GetOrLoad(ctx, "k", 30*time.Second, load)
	require.NoError(t, err)
	assert.Equal(t, "loaded", v)
	assert.Equal(t, 1, calls)

	clock.now = clock.now.Add(30 * time.Second)
	_, err = c.GetOrLoad(ctx, "k", 30*time.Second, load)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	clock.now = clock.now.Add(time.Nanosecond)
	_, err = c.GetOrLoad(ctx, "k", 30*time.Second, load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetOrLoad_ErrorNotCached(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	_, err := c.GetOrLoad(ctx, "k", 0, func(ctx context.Context) (string, error) {
		return "", errors.New("upstream down")
	})
	assert.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestNew_NonPositiveTTLUsesDefault(t *testing.T) {
	c := New[int](0)
	assert.Equal(t, DefaultTTL, c.defaultTTL)
}

func TestWithName_RecordsLookups(t *testing.T) {
	metrics.CacheLookups.Reset()
	c := New[int](time.Minute, WithName[int]("test-cache"))

	c.Set("k", 1)
	c.Get("k")
	c.Get("missing")
	c.Get("missing")

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("test-cache", "hit")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("test-cache", "miss")))
}
