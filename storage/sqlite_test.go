package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/types/graph"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(Config{
		Path:         ":memory:",
		CellSize:     100,
		QueryTimeout: 5 * time.Second,
		MaxOpenConns: 1,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func placedNode(tenant, id string, kind graph.NodeKind, x, y float64) *graph.Node {
	return &graph.Node{
		ID:       id,
		TenantID: tenant,
		Kind:     kind,
		Label:    id,
		X:        &x,
		Y:        &y,
	}
}

func mustUpsert(t *testing.T, store *SQLiteStore, node *graph.Node) *graph.Node {
	t.Helper()
	got, err := store.UpsertNode(context.Background(), node)
	require.NoError(t, err)
	return got
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultStoreConfig()
	require.NoError(t, valid.Validate())

	missing := valid
	missing.Path = ""
	assert.True(t, errors.IsInvalid(missing.Validate()))

	badCell := valid
	badCell.CellSize = 0
	assert.True(t, errors.IsInvalid(badCell.Validate()))
}

func TestUpsertNodeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	node := placedNode("t1", "n1", graph.KindPerson, 10, 20)
	node.Props = map[string]any{"title": "engineer"}

	created := mustUpsert(t, store, node)
	assert.Equal(t, "n1", created.ID)
	assert.Equal(t, "t1", created.TenantID)
	assert.Equal(t, graph.KindPerson, created.Kind)
	require.True(t, created.HasPosition())
	assert.Equal(t, 10.0, *created.X)
	assert.Equal(t, "engineer", created.Props["title"])
	assert.False(t, created.CreatedAt.IsZero())

	// Upsert with same id updates in place.
	node.Label = "renamed"
	updated := mustUpsert(t, store, node)
	assert.Equal(t, "renamed", updated.Label)

	fetched, err := store.GetNode(ctx, "t1", "n1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", fetched.Label)
}

func TestUpsertNodeValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	x := 5.0

	tests := []struct {
		name string
		node *graph.Node
	}{
		{"nil node", nil},
		{"empty id", &graph.Node{TenantID: "t1", Kind: graph.KindPerson}},
		{"empty tenant", &graph.Node{ID: "n1", Kind: graph.KindPerson}},
		{"unknown kind", &graph.Node{ID: "n1", TenantID: "t1", Kind: "robot"}},
		{"half position", &graph.Node{ID: "n1", TenantID: "t1", Kind: graph.KindPerson, X: &x}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.UpsertNode(ctx, tt.node)
			assert.True(t, errors.IsInvalid(err), "expected invalid, got %v", err)
		})
	}
}

func TestUpsertNodeTenantImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, placedNode("t1", "n1", graph.KindPerson, 0, 0))

	_, err := store.UpsertNode(ctx, placedNode("t2", "n1", graph.KindPerson, 0, 0))
	assert.True(t, errors.IsInvalid(err))
}

func TestGetNodeTenantIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, placedNode("t1", "n1", graph.KindPerson, 0, 0))

	// A foreign tenant sees not-found, never a permission error.
	_, err := store.GetNode(ctx, "t2", "n1")
	assert.True(t, errors.IsNotFound(err))
}

func TestGetNodesSkipsMissingAndForeign(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, placedNode("t1", "a", graph.KindPerson, 0, 0))
	mustUpsert(t, store, placedNode("t1", "b", graph.KindTeam, 0, 0))
	mustUpsert(t, store, placedNode("t2", "c", graph.KindPerson, 0, 0))

	nodes, err := store.GetNodes(ctx, "t1", []string{"b", "a", "c", "ghost"})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "a", nodes[0].ID)
	assert.Equal(t, "b", nodes[1].ID)
}

func TestUpdatePosition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	node := &graph.Node{ID: "n1", TenantID: "t1", Kind: graph.KindProject, Label: "apollo"}
	mustUpsert(t, store, node)

	updated, err := store.UpdatePosition(ctx, "t1", "n1", 150, -30)
	require.NoError(t, err)
	require.True(t, updated.HasPosition())
	assert.Equal(t, 150.0, *updated.X)
	assert.Equal(t, -30.0, *updated.Y)

	// Moved node is immediately visible to spatial queries at the new spot.
	nearest, err := store.QueryNearest(ctx, "t1", 150, -30)
	require.NoError(t, err)
	require.NotNil(t, nearest)
	assert.Equal(t, "n1", nearest.Node.ID)
	assert.Equal(t, 0.0, nearest.Distance)

	_, err = store.UpdatePosition(ctx, "t1", "ghost", 0, 0)
	assert.True(t, errors.IsNotFound(err))

	_, err = store.UpdatePosition(ctx, "t2", "n1", 0, 0)
	assert.True(t, errors.IsNotFound(err))

	_, err = store.UpdatePosition(ctx, "t1", "n1", graph.MaxCoordinate*2, 0)
	assert.True(t, errors.IsInvalid(err))
}

func TestQueryRadiusOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, placedNode("t1", "a", graph.KindPerson, 0, 0))
	mustUpsert(t, store, placedNode("t1", "b", graph.KindPerson, 10, 0))
	mustUpsert(t, store, placedNode("t1", "c", graph.KindPerson, 20, 0))

	results, err := store.QueryRadius(ctx, "t1", RadiusQuery{CX: 0, CY: 0, R: 15, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Node.ID)
	assert.Equal(t, 0.0, results[0].Distance)
	assert.Equal(t, "b", results[1].Node.ID)
	assert.Equal(t, 10.0, results[1].Distance)
}

func TestQueryRadiusZeroMatchesExact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, placedNode("t1", "exact", graph.KindGoal, 7, 7))
	mustUpsert(t, store, placedNode("t1", "near", graph.KindGoal, 7.5, 7))

	results, err := store.QueryRadius(ctx, "t1", RadiusQuery{CX: 7, CY: 7, R: 0, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "exact", results[0].Node.ID)
}

func TestQueryRadiusCellCornerExcluded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Same cell as the center but outside the circle.
	mustUpsert(t, store, placedNode("t1", "corner", graph.KindPerson, 90, 90))
	mustUpsert(t, store, placedNode("t1", "inside", graph.KindPerson, 30, 0))

	results, err := store.QueryRadius(ctx, "t1", RadiusQuery{CX: 10, CY: 10, R: 40, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "inside", results[0].Node.ID)
}

func TestQueryRadiusTenantIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, placedNode("t1", "mine", graph.KindPerson, 0, 0))
	mustUpsert(t, store, placedNode("t2", "theirs", graph.KindPerson, 1, 1))

	results, err := store.QueryRadius(ctx, "t1", RadiusQuery{CX: 0, CY: 0, R: 100, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mine", results[0].Node.ID)

	empty, err := store.QueryRadius(ctx, "t3", RadiusQuery{CX: 0, CY: 0, R: 100, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestQueryRadiusPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		mustUpsert(t, store, placedNode("t1", fmt.Sprintf("n%d", i), graph.KindPerson, float64(i*10), 0))
	}

	var seen []string
	q := RadiusQuery{CX: 0, CY: 0, R: 100, Limit: 3}
	for {
		page, err := store.QueryRadius(ctx, "t1", q)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, nd := range page {
			seen = append(seen, nd.Node.ID)
		}
		last := page[len(page)-1]
		d2 := last.DistanceSq
		q.AfterDistSq = &d2
		q.AfterID = last.Node.ID
		if len(page) < q.Limit {
			break
		}
	}

	assert.Equal(t, []string{"n0", "n1", "n2", "n3", "n4", "n5", "n6"}, seen)
}

func TestQueryRadiusTieBreakByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Two nodes equidistant from the center.
	mustUpsert(t, store, placedNode("t1", "zz", graph.KindPerson, 10, 0))
	mustUpsert(t, store, placedNode("t1", "aa", graph.KindPerson, -10, 0))

	first, err := store.QueryRadius(ctx, "t1", RadiusQuery{CX: 0, CY: 0, R: 20, Limit: 1})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "aa", first[0].Node.ID)

	d2 := first[0].DistanceSq
	second, err := store.QueryRadius(ctx, "t1", RadiusQuery{
		CX: 0, CY: 0, R: 20, Limit: 1,
		AfterDistSq: &d2, AfterID: "aa",
	})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "zz", second[0].Node.ID)
}

func TestQueryViewport(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, placedNode("t1", "in1", graph.KindPerson, 50, 50))
	mustUpsert(t, store, placedNode("t1", "in2", graph.KindTeam, 0, 0))
	mustUpsert(t, store, placedNode("t1", "edge", graph.KindPerson, 100, 100))
	mustUpsert(t, store, placedNode("t1", "out", graph.KindPerson, 101, 50))
	mustUpsert(t, store, &graph.Node{ID: "unplaced", TenantID: "t1", Kind: graph.KindPerson})

	nodes, err := store.QueryViewport(ctx, "t1", ViewportQuery{
		MinX: 0, MinY: 0, MaxX: 100, MaxY: 100, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	// Closed rectangle: boundary nodes included, ordered by id.
	assert.Equal(t, "edge", nodes[0].ID)
	assert.Equal(t, "in1", nodes[1].ID)
	assert.Equal(t, "in2", nodes[2].ID)

	// Resume after the first id.
	rest, err := store.QueryViewport(ctx, "t1", ViewportQuery{
		MinX: 0, MinY: 0, MaxX: 100, MaxY: 100, Limit: 10, AfterID: "edge",
	})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "in1", rest[0].ID)

	_, err = store.QueryViewport(ctx, "t1", ViewportQuery{
		MinX: 10, MinY: 0, MaxX: 0, MaxY: 100, Limit: 10,
	})
	assert.True(t, errors.IsInvalid(err))
}

func TestQueryNearest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	none, err := store.QueryNearest(ctx, "t1", 0, 0)
	require.NoError(t, err)
	assert.Nil(t, none)

	// Far outside the ring search horizon, exercises the fallback scan.
	mustUpsert(t, store, placedNode("t1", "far", graph.KindPerson, 50000, 50000))
	nearest, err := store.QueryNearest(ctx, "t1", 0, 0)
	require.NoError(t, err)
	require.NotNil(t, nearest)
	assert.Equal(t, "far", nearest.Node.ID)

	mustUpsert(t, store, placedNode("t1", "close", graph.KindPerson, 30, 40))
	nearest, err = store.QueryNearest(ctx, "t1", 0, 0)
	require.NoError(t, err)
	require.NotNil(t, nearest)
	assert.Equal(t, "close", nearest.Node.ID)
	assert.Equal(t, 50.0, nearest.Distance)
}

func TestUpsertEdge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, placedNode("t1", "alice", graph.KindPerson, 0, 0))
	mustUpsert(t, store, placedNode("t1", "core", graph.KindTeam, 10, 0))

	edge := &graph.Edge{TenantID: "t1", SrcID: "alice", DstID: "core", Label: graph.EdgeMemberOf}
	created, err := store.UpsertEdge(ctx, edge)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	// Same (tenant, src, dst, label) is idempotent and keeps the id.
	again, err := store.UpsertEdge(ctx, edge)
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)

	// Missing endpoint reads as node-not-found.
	_, err = store.UpsertEdge(ctx, &graph.Edge{
		TenantID: "t1", SrcID: "alice", DstID: "ghost", Label: graph.EdgeMemberOf,
	})
	assert.True(t, errors.IsNotFound(err))

	// Endpoints in another tenant are invisible.
	mustUpsert(t, store, placedNode("t2", "bob", graph.KindPerson, 0, 0))
	_, err = store.UpsertEdge(ctx, &graph.Edge{
		TenantID: "t1", SrcID: "alice", DstID: "bob", Label: graph.EdgeMemberOf,
	})
	assert.True(t, errors.IsNotFound(err))

	_, err = store.UpsertEdge(ctx, &graph.Edge{
		TenantID: "t1", SrcID: "alice", DstID: "alice", Label: graph.EdgeMemberOf,
	})
	assert.True(t, errors.IsInvalid(err))
}

func TestNeighborsSymmetric(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, placedNode("t1", "alice", graph.KindPerson, 0, 0))
	mustUpsert(t, store, placedNode("t1", "core", graph.KindTeam, 10, 0))
	mustUpsert(t, store, placedNode("t1", "apollo", graph.KindProject, 20, 0))

	_, err := store.UpsertEdge(ctx, &graph.Edge{TenantID: "t1", SrcID: "alice", DstID: "core", Label: graph.EdgeMemberOf})
	require.NoError(t, err)
	_, err = store.UpsertEdge(ctx, &graph.Edge{TenantID: "t1", SrcID: "core", DstID: "apollo", Label: graph.EdgeOwns})
	require.NoError(t, err)

	// Outgoing edge from alice.
	aliceAdj, err := store.Neighbors(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{graph.EdgeMemberOf: {"core"}}, aliceAdj)

	// core sees both its incoming and outgoing edges.
	coreAdj, err := store.Neighbors(ctx, "t1", "core")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		graph.EdgeMemberOf: {"alice"},
		graph.EdgeOwns:     {"apollo"},
	}, coreAdj)

	// No edges at all is an empty adjacency, not an error.
	mustUpsert(t, store, placedNode("t1", "loner", graph.KindPerson, 99, 99))
	lonerAdj, err := store.Neighbors(ctx, "t1", "loner")
	require.NoError(t, err)
	assert.Empty(t, lonerAdj)
}

func TestEdgesAmong(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		mustUpsert(t, store, placedNode("t1", id, graph.KindPerson, 0, 0))
	}
	mkEdge := func(src, dst string) {
		_, err := store.UpsertEdge(ctx, &graph.Edge{TenantID: "t1", SrcID: src, DstID: dst, Label: graph.EdgeReportsTo})
		require.NoError(t, err)
	}
	mkEdge("a", "b")
	mkEdge("b", "c")
	mkEdge("c", "d")

	edges, err := store.EdgesAmong(ctx, "t1", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, "a", edges[0].SrcID)
	assert.Equal(t, "b", edges[0].DstID)
	assert.Equal(t, "b", edges[1].SrcID)
	assert.Equal(t, "c", edges[1].DstID)

	none, err := store.EdgesAmong(ctx, "t1", []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteTenant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, placedNode("t1", "a", graph.KindPerson, 0, 0))
	mustUpsert(t, store, placedNode("t1", "b", graph.KindPerson, 1, 1))
	mustUpsert(t, store, placedNode("t2", "keep", graph.KindPerson, 0, 0))
	_, err := store.UpsertEdge(ctx, &graph.Edge{TenantID: "t1", SrcID: "a", DstID: "b", Label: graph.EdgeReportsTo})
	require.NoError(t, err)

	require.NoError(t, store.DeleteTenant(ctx, "t1"))

	_, err = store.GetNode(ctx, "t1", "a")
	assert.True(t, errors.IsNotFound(err))

	adj, err := store.Neighbors(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Empty(t, adj)

	// Other tenants untouched.
	_, err = store.GetNode(ctx, "t2", "keep")
	require.NoError(t, err)
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Ping(context.Background()))
}
