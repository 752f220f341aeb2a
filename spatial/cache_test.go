package spatial

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/types/graph"
)

// fakeKV is an in-memory stand-in for the NATS KV boundary.
type fakeKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	puts    int
	getMany int
	fail    bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.ErrCacheUnavailable
	}
	f.puts++
	f.data[key] = value
	return uint64(f.puts), nil
}

func (f *fakeKV) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.ErrCacheUnavailable
	}
	f.getMany++
	out := make(map[string][]byte)
	for _, key := range keys {
		if v, ok := f.data[key]; ok {
			out[key] = v
		}
	}
	return out, nil
}

func newTestCache(t *testing.T, kv KeyValuer) *Cache {
	t.Helper()
	cache, err := NewCache(context.Background(), kv, DefaultCacheConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func placed(tenant, id string, x, y float64) *graph.Node {
	return &graph.Node{ID: id, TenantID: tenant, Kind: graph.KindPerson, Label: id, X: &x, Y: &y}
}

func TestCacheConfigValidate(t *testing.T) {
	require.NoError(t, DefaultCacheConfig().Validate())

	bad := DefaultCacheConfig()
	bad.CellSize = 0
	assert.True(t, errors.IsInvalid(bad.Validate()))
}

func TestCacheNodesAndNodesInArea(t *testing.T) {
	kv := newFakeKV()
	cache := newTestCache(t, kv)
	ctx := context.Background()

	area := Area{MinX: 0, MinY: 0, MaxX: 600, MaxY: 600}
	nodes := []*graph.Node{
		placed("t1", "a", 0, 0),
		placed("t1", "b", 10, 10),
		placed("t1", "far", 500, 500),
	}
	require.NoError(t, cache.CacheNodes(ctx, "t1", area, nodes, time.Minute))

	// Cell membership for covered cells, empty cells included, plus one
	// position record per node.
	assert.Contains(t, kv.data, "spatial.t1.0.0")
	assert.Contains(t, kv.data, "spatial.t1.5.5")
	assert.Contains(t, kv.data, "spatial.t1.2.3")
	assert.Contains(t, kv.data, "pos.t1.a")
	assert.Contains(t, kv.data, "pos.t1.far")

	// Area read answered from cache alone, one batched round trip.
	before := kv.getMany
	ids, complete, err := cache.NodesInArea(ctx, "t1", Area{MinX: 0, MinY: 0, MaxX: 25, MaxY: 25})
	require.NoError(t, err)
	require.NotNil(t, ids)
	assert.True(t, complete)
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, before+1, kv.getMany)
}

func TestNodesInAreaPartialHitIsSupersetNotComplete(t *testing.T) {
	kv := newFakeKV()
	cache := newTestCache(t, kv)
	ctx := context.Background()

	area := Area{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}
	nodes := []*graph.Node{placed("t1", "a", 0, 0), placed("t1", "b", 10, 10)}
	require.NoError(t, cache.CacheNodes(ctx, "t1", area, nodes, time.Minute))

	// The rectangle reaches into cells that were never cached: the live
	// cell still answers with its members, but the hit is not complete.
	ids, complete, err := cache.NodesInArea(ctx, "t1", Area{MinX: -5, MinY: -5, MaxX: 25, MaxY: 25})
	require.NoError(t, err)
	assert.False(t, complete)
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestCacheNodesSkipsPartiallyCoveredCells(t *testing.T) {
	kv := newFakeKV()
	cache := newTestCache(t, kv)
	ctx := context.Background()

	// (120,120) sits in cell (1,1), which the area only partially covers:
	// its full membership is unknown, so the cell must not be written.
	area := Area{MinX: 0, MinY: 0, MaxX: 150, MaxY: 150}
	nodes := []*graph.Node{placed("t1", "a", 10, 10), placed("t1", "edge", 120, 120)}
	require.NoError(t, cache.CacheNodes(ctx, "t1", area, nodes, time.Minute))

	assert.Contains(t, kv.data, "spatial.t1.0.0")
	assert.NotContains(t, kv.data, "spatial.t1.1.1")
	assert.NotContains(t, kv.data, "spatial.t1.0.1")
	assert.NotContains(t, kv.data, "spatial.t1.1.0")

	// The position record is still worth keeping.
	assert.Contains(t, kv.data, "pos.t1.edge")
}

func TestCacheNodesWritesEmptyCoveredCells(t *testing.T) {
	kv := newFakeKV()
	cache := newTestCache(t, kv)
	ctx := context.Background()

	area := Area{MinX: 0, MinY: 0, MaxX: 200, MaxY: 200}
	require.NoError(t, cache.CacheNodes(ctx, "t1", area, nil, time.Minute))

	// A later read over the empty region is a complete hit with no ids,
	// not a miss.
	ids, complete, err := cache.NodesInArea(ctx, "t1", Area{MinX: 10, MinY: 10, MaxX: 20, MaxY: 20})
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, []string{}, ids)
}

func TestNodesInAreaExactFiltering(t *testing.T) {
	kv := newFakeKV()
	cache := newTestCache(t, kv)
	ctx := context.Background()

	// Same cell, but only one inside the queried rectangle.
	area := Area{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}
	nodes := []*graph.Node{
		placed("t1", "inside", 10, 10),
		placed("t1", "corner", 90, 90),
	}
	require.NoError(t, cache.CacheNodes(ctx, "t1", area, nodes, time.Minute))

	ids, complete, err := cache.NodesInArea(ctx, "t1", Area{MinX: 0, MinY: 0, MaxX: 20, MaxY: 20})
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, []string{"inside"}, ids)
}

func TestNodesInAreaMissOnColdArea(t *testing.T) {
	kv := newFakeKV()
	cache := newTestCache(t, kv)

	ids, complete, err := cache.NodesInArea(context.Background(), "t1", Area{MinX: 0, MinY: 0, MaxX: 50, MaxY: 50})
	require.NoError(t, err)
	assert.Nil(t, ids)
	assert.False(t, complete)
}

func TestNodesInAreaExpiredEntryIsMiss(t *testing.T) {
	kv := newFakeKV()
	cache := newTestCache(t, kv)
	ctx := context.Background()

	expired, err := json.Marshal(cellEntry{
		ExpiresAt: time.Now().Add(-time.Minute),
		Members:   []cellMember{{ID: "stale", X: 10, Y: 10}},
	})
	require.NoError(t, err)
	kv.data["spatial.t1.0.0"] = expired

	ids, complete, err := cache.NodesInArea(ctx, "t1", Area{MinX: 0, MinY: 0, MaxX: 50, MaxY: 50})
	require.NoError(t, err)
	assert.Nil(t, ids)
	assert.False(t, complete)
}

func TestNodesInAreaDegradesOnKVFailure(t *testing.T) {
	kv := newFakeKV()
	cache := newTestCache(t, kv)
	ctx := context.Background()

	area := Area{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}
	require.NoError(t, cache.CacheNodes(ctx, "t1", area, []*graph.Node{placed("t1", "a", 0, 0)}, time.Minute))
	kv.fail = true

	// KV failure is never surfaced; it reads as a miss.
	ids, complete, err := cache.NodesInArea(ctx, "t1", Area{MinX: 0, MinY: 0, MaxX: 50, MaxY: 50})
	require.NoError(t, err)
	assert.Nil(t, ids)
	assert.False(t, complete)
}

func TestCacheNodesIdempotent(t *testing.T) {
	kv := newFakeKV()
	cache := newTestCache(t, kv)
	ctx := context.Background()

	area := Area{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}
	nodes := []*graph.Node{placed("t1", "a", 0, 0), placed("t1", "b", 10, 10)}
	require.NoError(t, cache.CacheNodes(ctx, "t1", area, nodes, time.Minute))
	require.NoError(t, cache.CacheNodes(ctx, "t1", area, nodes, time.Minute))

	// Membership is recomputed per call, never accumulated.
	ids, complete, err := cache.NodesInArea(ctx, "t1", Area{MinX: 0, MinY: 0, MaxX: 50, MaxY: 50})
	require.NoError(t, err)
	assert.True(t, complete)
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestCacheNodesSkipsUnplacedAndForeign(t *testing.T) {
	kv := newFakeKV()
	cache := newTestCache(t, kv)
	ctx := context.Background()

	area := Area{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}
	nodes := []*graph.Node{
		placed("t1", "mine", 0, 0),
		placed("t2", "theirs", 1, 1),
		{ID: "unplaced", TenantID: "t1", Kind: graph.KindPerson},
	}
	require.NoError(t, cache.CacheNodes(ctx, "t1", area, nodes, time.Minute))

	ids, _, err := cache.NodesInArea(ctx, "t1", Area{MinX: 0, MinY: 0, MaxX: 50, MaxY: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, ids)
	assert.NotContains(t, kv.data, "pos.t1.theirs")
	assert.NotContains(t, kv.data, "pos.t2.theirs")
}

func TestOversizeAreasRefused(t *testing.T) {
	kv := newFakeKV()
	config := DefaultCacheConfig()
	config.MaxAreaCells = 4
	cache, err := NewCache(context.Background(), kv, config, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	// 6x6 cells exceeds the cap; reads as a miss without touching the KV.
	ids, complete, err := cache.NodesInArea(context.Background(), "t1", Area{MinX: 0, MinY: 0, MaxX: 550, MaxY: 550})
	require.NoError(t, err)
	assert.Nil(t, ids)
	assert.False(t, complete)
	assert.Zero(t, kv.getMany)

	// Population over the cap is silently skipped.
	area := Area{MinX: 0, MinY: 0, MaxX: 600, MaxY: 600}
	require.NoError(t, cache.CacheNodes(context.Background(), "t1", area, []*graph.Node{placed("t1", "a", 0, 0)}, time.Minute))
	assert.Zero(t, kv.puts)
}

func TestCacheNodesAsync(t *testing.T) {
	kv := newFakeKV()
	cache := newTestCache(t, kv)

	area := Area{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}
	cache.CacheNodesAsync("t1", area, []*graph.Node{placed("t1", "a", 0, 0)}, time.Minute)

	require.Eventually(t, func() bool {
		kv.mu.Lock()
		defer kv.mu.Unlock()
		_, ok := kv.data["spatial.t1.0.0"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNodesInAreaInvalidArea(t *testing.T) {
	cache := newTestCache(t, newFakeKV())

	_, _, err := cache.NodesInArea(context.Background(), "t1", Area{MinX: 10, MinY: 0, MaxX: 0, MaxY: 10})
	assert.True(t, errors.IsInvalid(err))

	_, _, err = cache.NodesInArea(context.Background(), "", Area{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1})
	assert.True(t, errors.IsInvalid(err))
}
