package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTTL(t *testing.T, ttl time.Duration) *TTLCache[string] {
	t.Helper()
	c, err := NewTTL[string](context.Background(), ttl, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTTLSetGet(t *testing.T) {
	c := newTestTTL(t, time.Minute)

	created, err := c.Set("a", "one")
	require.NoError(t, err)
	assert.True(t, created)

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one", got)

	created, err = c.Set("a", "two")
	require.NoError(t, err)
	assert.False(t, created, "updating should not report a new entry")
}

func TestTTLExpiry(t *testing.T) {
	c := newTestTTL(t, 20*time.Millisecond)

	_, err := c.Set("a", "one")
	require.NoError(t, err)

	_, ok := c.Get("a")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	_, ok = c.Get("a")
	assert.False(t, ok, "expired entry must read as a miss")
}

func TestTTLSetWithTTLOverride(t *testing.T) {
	c := newTestTTL(t, time.Minute)

	_, err := c.SetWithTTL("short", "v", 20*time.Millisecond)
	require.NoError(t, err)
	_, err = c.Set("long", "v")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("long")
	assert.True(t, ok)
}

func TestTTLBackgroundCleanup(t *testing.T) {
	c := newTestTTL(t, 15*time.Millisecond)

	for _, k := range []string{"a", "b", "c"} {
		_, err := c.Set(k, k)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return c.Size() == 0
	}, time.Second, 10*time.Millisecond, "cleanup goroutine should sweep expired entries")
	assert.GreaterOrEqual(t, c.Stats().Evictions(), int64(3))
}

func TestTTLRejectsEmptyKey(t *testing.T) {
	c := newTestTTL(t, time.Minute)

	_, err := c.Set("", "v")
	assert.Error(t, err)
}

func TestTTLDeleteAndClear(t *testing.T) {
	c := newTestTTL(t, time.Minute)

	_, err := c.Set("a", "one")
	require.NoError(t, err)

	deleted, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.Delete("a")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = c.Set("b", "two")
	require.NoError(t, err)
	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Size())
}

func TestLRUEviction(t *testing.T) {
	var evicted []string
	c, err := NewLRU(2, WithEvictionCallback[int](func(key string, _ int) {
		evicted = append(evicted, key)
	}))
	require.NoError(t, err)

	_, err = c.Set("a", 1)
	require.NoError(t, err)
	_, err = c.Set("b", 2)
	require.NoError(t, err)

	// Touch a so b becomes the eviction candidate
	_, ok := c.Get("a")
	require.True(t, ok)

	_, err = c.Set("c", 3)
	require.NoError(t, err)

	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestLRUKeysOrder(t *testing.T) {
	c, err := NewLRU[int](3)
	require.NoError(t, err)

	for i, k := range []string{"a", "b", "c"} {
		_, err = c.Set(k, i)
		require.NoError(t, err)
	}
	_, _ = c.Get("a")

	assert.Equal(t, []string{"a", "c", "b"}, c.Keys())
}

func TestLRURejectsNonPositiveSize(t *testing.T) {
	_, err := NewLRU[int](0)
	assert.Error(t, err)
}

func TestStatsHitRatio(t *testing.T) {
	c := newTestTTL(t, time.Minute)

	_, err := c.Set("a", "one")
	require.NoError(t, err)

	_, _ = c.Get("a")
	_, _ = c.Get("a")
	_, _ = c.Get("missing")

	s := c.Stats().Summary()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 2.0/3.0, s.HitRatio, 1e-9)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.TTL = time.Minute
	cfg.CleanupInterval = 0
	assert.Error(t, cfg.Validate())

	cfg.Enabled = false
	assert.NoError(t, cfg.Validate(), "disabled tier skips validation")
}
