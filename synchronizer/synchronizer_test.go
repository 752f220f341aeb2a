package synchronizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/storage"
	"github.com/c360/orgmap/types/graph"
)

type fakeSource struct {
	entities map[string]*Entity
	calls    int
}

func (f *fakeSource) Get(_ context.Context, tenantID, id string) (*Entity, error) {
	f.calls++
	entity, ok := f.entities[id]
	if !ok || entity.TenantID != tenantID {
		return nil, errors.WrapNotFound(errors.ErrNodeNotFound, "fakeSource", "Get", "entity "+id)
	}
	return entity, nil
}

func newTestSynchronizer(t *testing.T, registry *Registry) (*Synchronizer, *storage.SQLiteStore) {
	t.Helper()

	store, err := storage.Open(storage.Config{
		Path:         ":memory:",
		CellSize:     100,
		QueryTimeout: 5 * time.Second,
		MaxOpenConns: 1,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sync, err := New(store, registry, nil)
	require.NoError(t, err)
	return sync, store
}

func TestSyncIdempotent(t *testing.T) {
	sync, store := newTestSynchronizer(t, nil)
	ctx := context.Background()

	x, y := 10.0, 20.0
	entity := &Entity{
		ID:       "u1",
		TenantID: "t1",
		Kind:     graph.KindPerson,
		Label:    "Alice",
		X:        &x,
		Y:        &y,
	}

	first, err := sync.Sync(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, "u1", first.ID)
	assert.Equal(t, "Alice", first.Label)

	entity.Label = "Alice B"
	second, err := sync.Sync(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Alice B", second.Label)

	// Still exactly one node.
	nodes, err := store.GetNodes(ctx, "t1", []string{"u1"})
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestSyncValidation(t *testing.T) {
	sync, _ := newTestSynchronizer(t, nil)
	ctx := context.Background()

	_, err := sync.Sync(ctx, nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = sync.Sync(ctx, &Entity{ID: "u1", TenantID: "t1", Kind: "widget"})
	assert.True(t, errors.IsInvalid(err))
}

func TestSyncRelationships(t *testing.T) {
	sync, store := newTestSynchronizer(t, nil)
	ctx := context.Background()

	_, err := sync.Sync(ctx, &Entity{ID: "u1", TenantID: "t1", Kind: graph.KindPerson, Label: "Alice"})
	require.NoError(t, err)
	_, err = sync.Sync(ctx, &Entity{ID: "team1", TenantID: "t1", Kind: graph.KindTeam, Label: "Core"})
	require.NoError(t, err)

	edges, err := sync.SyncRelationships(ctx, &Entity{
		ID: "u1", TenantID: "t1", Kind: graph.KindPerson,
		Relationships: []Relationship{
			{Label: graph.EdgeMemberOf, TargetKind: graph.KindTeam, TargetID: "team1"},
		},
	})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "u1", edges[0].SrcID)
	assert.Equal(t, "team1", edges[0].DstID)

	// Re-sync keeps the same edge.
	again, err := sync.SyncRelationships(ctx, &Entity{
		ID: "u1", TenantID: "t1", Kind: graph.KindPerson,
		Relationships: []Relationship{
			{Label: graph.EdgeMemberOf, TargetKind: graph.KindTeam, TargetID: "team1"},
		},
	})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, edges[0].ID, again[0].ID)

	adj, err := store.Neighbors(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{graph.EdgeMemberOf: {"team1"}}, adj)
}

func TestSyncRelationshipsPullsUnknownTarget(t *testing.T) {
	teams := &fakeSource{entities: map[string]*Entity{
		"team9": {ID: "team9", TenantID: "t1", Kind: graph.KindTeam, Label: "Platform"},
	}}
	registry := NewRegistry(map[graph.NodeKind]EntitySource{
		graph.KindTeam: teams,
	})
	sync, store := newTestSynchronizer(t, registry)
	ctx := context.Background()

	_, err := sync.Sync(ctx, &Entity{ID: "u1", TenantID: "t1", Kind: graph.KindPerson, Label: "Alice"})
	require.NoError(t, err)

	edges, err := sync.SyncRelationships(ctx, &Entity{
		ID: "u1", TenantID: "t1", Kind: graph.KindPerson,
		Relationships: []Relationship{
			{Label: graph.EdgeMemberOf, TargetKind: graph.KindTeam, TargetID: "team9"},
		},
	})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, 1, teams.calls)

	// The target was materialized through the registry.
	target, err := store.GetNode(ctx, "t1", "team9")
	require.NoError(t, err)
	assert.Equal(t, "Platform", target.Label)
}

func TestSyncRelationshipsUnknownKind(t *testing.T) {
	sync, _ := newTestSynchronizer(t, nil)
	ctx := context.Background()

	_, err := sync.Sync(ctx, &Entity{ID: "u1", TenantID: "t1", Kind: graph.KindPerson})
	require.NoError(t, err)

	_, err = sync.SyncRelationships(ctx, &Entity{
		ID: "u1", TenantID: "t1", Kind: graph.KindPerson,
		Relationships: []Relationship{
			{Label: graph.EdgeMemberOf, TargetKind: graph.KindTeam, TargetID: "ghost"},
		},
	})
	assert.True(t, errors.IsNotFound(err))
}
