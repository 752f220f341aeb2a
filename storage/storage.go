// Package storage provides the authoritative primary store for nodes and
// edges. The SQLite implementation keeps a derived grid-cell pair alongside
// every positioned node; a composite index over (tenant, cell_x, cell_y)
// serves radius, viewport, and nearest queries without full scans.
package storage

import (
	"context"

	"github.com/c360/orgmap/types/graph"
)

// RadiusQuery selects nodes within distance R of (CX, CY), ordered by
// ascending (distance, id). AfterDistSq/AfterID resume a previous page.
type RadiusQuery struct {
	CX, CY float64
	R      float64
	Limit  int

	// Pagination resume point: strictly after this (distance², id) pair.
	// Squared distance is used so the resume value round-trips exactly
	// through the cursor without square-root precision loss.
	AfterDistSq *float64
	AfterID     string
}

// ViewportQuery selects nodes inside the closed rectangle, ordered by
// ascending id. AfterID resumes a previous page.
type ViewportQuery struct {
	MinX, MinY float64
	MaxX, MaxY float64
	Limit      int
	AfterID    string
}

// NodeDistance pairs a node with its distance from a query point.
// DistanceSq is the exact squared distance used for ordering and pagination;
// Distance is its square root, kept for presentation.
type NodeDistance struct {
	Node       *graph.Node
	Distance   float64
	DistanceSq float64
}

// NodeStore covers node lifecycle operations used by the synchronizer and
// the read path.
type NodeStore interface {
	// UpsertNode creates or updates a node keyed by id. TenantID is immutable:
	// an upsert that would move a node across tenants fails as invalid.
	UpsertNode(ctx context.Context, node *graph.Node) (*graph.Node, error)

	// GetNode fetches a node scoped to a tenant. A node belonging to another
	// tenant reads as not found.
	GetNode(ctx context.Context, tenantID, id string) (*graph.Node, error)

	// GetNodes fetches nodes by id within a tenant. Ids that are missing or
	// cross-tenant are silently absent from the result.
	GetNodes(ctx context.Context, tenantID string, ids []string) ([]*graph.Node, error)

	// UpdatePosition atomically updates a node's coordinates and derived grid
	// cell in one transaction. No reader ever observes an inconsistent pair.
	UpdatePosition(ctx context.Context, tenantID, id string, x, y float64) (*graph.Node, error)

	// DeleteTenant removes all nodes and edges of a tenant.
	DeleteTenant(ctx context.Context, tenantID string) error
}

// EdgeStore covers edge lifecycle and adjacency operations.
type EdgeStore interface {
	// UpsertEdge creates or updates an edge, idempotent on
	// (tenant, src, dst, label). Both endpoints must exist in the tenant.
	UpsertEdge(ctx context.Context, edge *graph.Edge) (*graph.Edge, error)

	// Neighbors returns the one-hop adjacency of a node as a map from
	// relationship label to neighbor ids. Adjacency is symmetric: the node
	// may appear as src or dst.
	Neighbors(ctx context.Context, tenantID, nodeID string) (map[string][]string, error)

	// EdgesAmong returns all edges whose endpoints are both in ids.
	EdgesAmong(ctx context.Context, tenantID string, ids []string) ([]*graph.Edge, error)
}

// SpatialStore covers authoritative coordinate queries. Nodes without a
// position are excluded from every spatial query.
type SpatialStore interface {
	// QueryRadius returns nodes with distance <= R from the center, ascending
	// by (distance, id), capped at Limit.
	QueryRadius(ctx context.Context, tenantID string, q RadiusQuery) ([]NodeDistance, error)

	// QueryViewport returns nodes inside the closed rectangle, ascending by
	// id, capped at Limit.
	QueryViewport(ctx context.Context, tenantID string, q ViewportQuery) ([]*graph.Node, error)

	// QueryNearest returns the positioned node closest to (x, y), or nil when
	// the tenant has no positioned nodes.
	QueryNearest(ctx context.Context, tenantID string, x, y float64) (*NodeDistance, error)
}

// Store is the full primary-store boundary.
type Store interface {
	NodeStore
	EdgeStore
	SpatialStore

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
