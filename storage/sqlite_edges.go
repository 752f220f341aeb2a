package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/types/graph"
)

func validateEdge(edge *graph.Edge) error {
	if edge == nil {
		return errors.WrapInvalid(nil, "SQLiteStore", "validateEdge", "edge cannot be nil")
	}
	if edge.TenantID == "" {
		return errors.WrapInvalid(nil, "SQLiteStore", "validateEdge", "tenant id cannot be empty")
	}
	if edge.SrcID == "" || edge.DstID == "" {
		return errors.WrapInvalid(nil, "SQLiteStore", "validateEdge", "src and dst are required")
	}
	if edge.Label == "" {
		return errors.WrapInvalid(nil, "SQLiteStore", "validateEdge", "label cannot be empty")
	}
	if edge.SrcID == edge.DstID {
		return errors.WrapInvalid(nil, "SQLiteStore", "validateEdge", "self edges are not allowed")
	}
	return nil
}

// UpsertEdge creates or refreshes an edge, idempotent on
// (tenant, src, dst, label). Both endpoints must already exist in the
// tenant; a missing endpoint reads as node-not-found.
func (s *SQLiteStore) UpsertEdge(ctx context.Context, edge *graph.Edge) (*graph.Edge, error) {
	if err := validateEdge(edge); err != nil {
		return nil, err
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	props, err := graph.PropsJSON(edge.Props)
	if err != nil {
		return nil, errors.WrapInvalid(err, "SQLiteStore", "UpsertEdge", "marshal props")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.mapError(err, "UpsertEdge", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var endpoints int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE tenant_id = ? AND id IN (?, ?)`,
		edge.TenantID, edge.SrcID, edge.DstID).Scan(&endpoints)
	if err != nil {
		return nil, s.mapError(err, "UpsertEdge", "check endpoints")
	}
	if endpoints != 2 {
		return nil, errors.WrapNotFound(errors.ErrNodeNotFound, "SQLiteStore", "UpsertEdge",
			fmt.Sprintf("endpoint of %s-[%s]->%s", edge.SrcID, edge.Label, edge.DstID))
	}

	now := time.Now().UTC().UnixNano()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM edges WHERE tenant_id = ? AND src = ? AND dst = ? AND label = ?`,
		edge.TenantID, edge.SrcID, edge.DstID, edge.Label).Scan(&id)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE edges SET props = ?, updated_at = ? WHERE id = ?`,
			string(props), now, id)
		if err != nil {
			return nil, s.mapError(err, "UpsertEdge", "update edge")
		}
	case stderrors.Is(err, sql.ErrNoRows):
		id = edge.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO edges (id, tenant_id, src, dst, label, props, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, edge.TenantID, edge.SrcID, edge.DstID, edge.Label, string(props), now, now)
		if err != nil {
			return nil, s.mapError(err, "UpsertEdge", "insert edge")
		}
	default:
		return nil, s.mapError(err, "UpsertEdge", "lookup existing edge")
	}

	if err := tx.Commit(); err != nil {
		return nil, s.mapError(err, "UpsertEdge", "commit")
	}

	return s.getEdge(ctx, edge.TenantID, id)
}

func (s *SQLiteStore) getEdge(ctx context.Context, tenantID, id string) (*graph.Edge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, src, dst, label, props, created_at, updated_at
		FROM edges WHERE tenant_id = ? AND id = ?`, tenantID, id)

	edge, err := scanEdge(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.WrapNotFound(errors.ErrEdgeNotFound, "SQLiteStore", "getEdge", "edge "+id)
		}
		return nil, s.mapError(err, "getEdge", "scan edge")
	}
	return edge, nil
}

// Neighbors returns the adjacency of a node grouped by edge label. Edges are
// followed in both directions, so a node appears in its counterpart's
// adjacency regardless of edge direction.
func (s *SQLiteStore) Neighbors(ctx context.Context, tenantID, nodeID string) (map[string][]string, error) {
	if tenantID == "" || nodeID == "" {
		return nil, errors.WrapInvalid(nil, "SQLiteStore", "Neighbors", "tenant and node id are required")
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT label, dst FROM edges WHERE tenant_id = ? AND src = ?
		UNION
		SELECT label, src FROM edges WHERE tenant_id = ? AND dst = ?
		ORDER BY 1, 2`,
		tenantID, nodeID, tenantID, nodeID)
	if err != nil {
		return nil, s.mapError(err, "Neighbors", "query adjacency")
	}
	defer func() { _ = rows.Close() }()

	neighbors := make(map[string][]string)
	for rows.Next() {
		var label, other string
		if err := rows.Scan(&label, &other); err != nil {
			return nil, s.mapError(err, "Neighbors", "scan adjacency")
		}
		neighbors[label] = append(neighbors[label], other)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError(err, "Neighbors", "iterate adjacency")
	}
	return neighbors, nil
}

// EdgesAmong returns every edge whose endpoints are both in ids, within the
// tenant. Used to materialize the edge set of an already-selected node set.
func (s *SQLiteStore) EdgesAmong(ctx context.Context, tenantID string, ids []string) ([]*graph.Edge, error) {
	if tenantID == "" {
		return nil, errors.WrapInvalid(nil, "SQLiteStore", "EdgesAmong", "tenant is required")
	}
	if len(ids) < 2 {
		return nil, nil
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	ph := placeholders(len(ids))
	query := `
		SELECT id, tenant_id, src, dst, label, props, created_at, updated_at
		FROM edges
		WHERE tenant_id = ? AND src IN (` + ph + `) AND dst IN (` + ph + `)
		ORDER BY src, dst, label`
	args := make([]any, 0, 2*len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapError(err, "EdgesAmong", "query edges")
	}
	defer func() { _ = rows.Close() }()

	var edges []*graph.Edge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, s.mapError(err, "EdgesAmong", "scan edge")
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError(err, "EdgesAmong", "iterate edges")
	}
	return edges, nil
}

func scanEdge(sc scanner) (*graph.Edge, error) {
	var (
		edge      graph.Edge
		props     sql.NullString
		createdAt int64
		updatedAt int64
	)

	err := sc.Scan(&edge.ID, &edge.TenantID, &edge.SrcID, &edge.DstID, &edge.Label, &props, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if props.Valid {
		parsed, err := graph.PropsFromJSON([]byte(props.String))
		if err != nil {
			return nil, fmt.Errorf("parse props for edge %s: %w", edge.ID, err)
		}
		edge.Props = parsed
	}
	edge.CreatedAt = time.Unix(0, createdAt).UTC()
	edge.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return &edge, nil
}
