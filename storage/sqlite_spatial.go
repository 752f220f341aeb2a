package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"math"
	"strings"
	"time"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/types/graph"
)

// maxNearestRings bounds the expanding-ring search before falling back to a
// full scan of the tenant's positioned nodes.
const maxNearestRings = 64

// distSqExpr is the squared euclidean distance from a bound (cx, cy). SQLite
// cannot reference a select alias in WHERE, so the expression repeats.
const distSqExpr = "((x - ?) * (x - ?) + (y - ?) * (y - ?))"

func validateRadiusQuery(q RadiusQuery) error {
	if err := graph.ValidateCoordinates(q.CX, q.CY); err != nil {
		return err
	}
	if q.R < 0 {
		return errors.WrapInvalid(errors.ErrInvalidCoordinates, "SQLiteStore", "QueryRadius",
			"radius cannot be negative")
	}
	if q.Limit <= 0 {
		return errors.WrapInvalid(nil, "SQLiteStore", "QueryRadius", "limit must be positive")
	}
	return nil
}

// QueryRadius returns positioned nodes within distance R of the center,
// ordered by ascending (distance, id). The grid-cell index prefilters
// candidates to the cells overlapping the query circle's bounding box, then
// exact squared-distance comparison drops the corners.
func (s *SQLiteStore) QueryRadius(ctx context.Context, tenantID string, q RadiusQuery) ([]NodeDistance, error) {
	if tenantID == "" {
		return nil, errors.WrapInvalid(nil, "SQLiteStore", "QueryRadius", "tenant is required")
	}
	if err := validateRadiusQuery(q); err != nil {
		return nil, err
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	var sb strings.Builder
	sb.WriteString(`
		SELECT id, tenant_id, kind, label, props, x, y, created_at, updated_at, `)
	sb.WriteString(distSqExpr)
	sb.WriteString(` AS d2
		FROM nodes
		WHERE tenant_id = ? AND x IS NOT NULL AND y IS NOT NULL
		  AND cell_x BETWEEN ? AND ? AND cell_y BETWEEN ? AND ?
		  AND ` + distSqExpr + ` <= ?`)

	args := []any{
		q.CX, q.CX, q.CY, q.CY,
		tenantID,
		s.cellOf(q.CX - q.R), s.cellOf(q.CX + q.R),
		s.cellOf(q.CY - q.R), s.cellOf(q.CY + q.R),
		q.CX, q.CX, q.CY, q.CY,
		q.R * q.R,
	}

	if q.AfterDistSq != nil {
		sb.WriteString(`
		  AND (` + distSqExpr + ` > ? OR (` + distSqExpr + ` = ? AND id > ?))`)
		args = append(args,
			q.CX, q.CX, q.CY, q.CY, *q.AfterDistSq,
			q.CX, q.CX, q.CY, q.CY, *q.AfterDistSq,
			q.AfterID,
		)
	}

	sb.WriteString(`
		ORDER BY d2, id
		LIMIT ?`)
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, s.mapError(err, "QueryRadius", "query radius")
	}
	defer func() { _ = rows.Close() }()

	var results []NodeDistance
	for rows.Next() {
		nd, err := scanNodeDistance(rows)
		if err != nil {
			return nil, s.mapError(err, "QueryRadius", "scan node")
		}
		results = append(results, nd)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError(err, "QueryRadius", "iterate nodes")
	}
	return results, nil
}

// QueryViewport returns positioned nodes inside the closed rectangle,
// ordered by ascending id.
func (s *SQLiteStore) QueryViewport(ctx context.Context, tenantID string, q ViewportQuery) ([]*graph.Node, error) {
	if tenantID == "" {
		return nil, errors.WrapInvalid(nil, "SQLiteStore", "QueryViewport", "tenant is required")
	}
	if q.MinX > q.MaxX || q.MinY > q.MaxY {
		return nil, errors.WrapInvalid(errors.ErrInvalidCoordinates, "SQLiteStore", "QueryViewport",
			"viewport min must not exceed max")
	}
	if err := graph.ValidateCoordinates(q.MinX, q.MinY); err != nil {
		return nil, err
	}
	if err := graph.ValidateCoordinates(q.MaxX, q.MaxY); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		return nil, errors.WrapInvalid(nil, "SQLiteStore", "QueryViewport", "limit must be positive")
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, tenant_id, kind, label, props, x, y, created_at, updated_at
		FROM nodes
		WHERE tenant_id = ? AND x IS NOT NULL AND y IS NOT NULL
		  AND cell_x BETWEEN ? AND ? AND cell_y BETWEEN ? AND ?
		  AND x >= ? AND x <= ? AND y >= ? AND y <= ?`
	args := []any{
		tenantID,
		s.cellOf(q.MinX), s.cellOf(q.MaxX),
		s.cellOf(q.MinY), s.cellOf(q.MaxY),
		q.MinX, q.MaxX, q.MinY, q.MaxY,
	}

	if q.AfterID != "" {
		query += ` AND id > ?`
		args = append(args, q.AfterID)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapError(err, "QueryViewport", "query viewport")
	}
	defer func() { _ = rows.Close() }()

	var nodes []*graph.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, s.mapError(err, "QueryViewport", "scan node")
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError(err, "QueryViewport", "iterate nodes")
	}
	return nodes, nil
}

// QueryNearest returns the positioned node closest to (x, y), ties broken by
// ascending id, or nil when the tenant has no positioned nodes.
//
// The search expands cell rings around the query point: a best candidate
// found within ring k is globally nearest once its distance is at most
// k*cellSize, because any node outside the ring box is farther than that.
func (s *SQLiteStore) QueryNearest(ctx context.Context, tenantID string, x, y float64) (*NodeDistance, error) {
	if tenantID == "" {
		return nil, errors.WrapInvalid(nil, "SQLiteStore", "QueryNearest", "tenant is required")
	}
	if err := graph.ValidateCoordinates(x, y); err != nil {
		return nil, err
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	ccx, ccy := s.cellOf(x), s.cellOf(y)

	for k := int64(1); k <= maxNearestRings; k++ {
		nd, err := s.nearestInBox(ctx, tenantID, x, y, ccx-k, ccx+k, ccy-k, ccy+k)
		if err != nil {
			return nil, err
		}
		if nd != nil && nd.Distance <= float64(k)*s.cellSize {
			return nd, nil
		}
	}

	// Sparse tenant: scan all positioned nodes ordered by distance.
	return s.nearestInBox(ctx, tenantID, x, y, math.MinInt64, math.MaxInt64, math.MinInt64, math.MaxInt64)
}

func (s *SQLiteStore) nearestInBox(ctx context.Context, tenantID string, x, y float64, minCX, maxCX, minCY, maxCY int64) (*NodeDistance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, kind, label, props, x, y, created_at, updated_at, `+distSqExpr+` AS d2
		FROM nodes
		WHERE tenant_id = ? AND x IS NOT NULL AND y IS NOT NULL
		  AND cell_x BETWEEN ? AND ? AND cell_y BETWEEN ? AND ?
		ORDER BY d2, id
		LIMIT 1`,
		x, x, y, y, tenantID, minCX, maxCX, minCY, maxCY)

	nd, err := scanNodeDistance(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.mapError(err, "QueryNearest", "scan nearest")
	}
	return &nd, nil
}

func scanNodeDistance(sc scanner) (NodeDistance, error) {
	var (
		node      graph.Node
		kind      string
		props     sql.NullString
		x, y      sql.NullFloat64
		createdAt int64
		updatedAt int64
		d2        float64
	)

	err := sc.Scan(&node.ID, &node.TenantID, &kind, &node.Label, &props, &x, &y, &createdAt, &updatedAt, &d2)
	if err != nil {
		return NodeDistance{}, err
	}

	node.Kind = graph.NodeKind(kind)
	if props.Valid {
		parsed, err := graph.PropsFromJSON([]byte(props.String))
		if err != nil {
			return NodeDistance{}, err
		}
		node.Props = parsed
	}
	if x.Valid && y.Valid {
		node.X = &x.Float64
		node.Y = &y.Float64
	}
	node.CreatedAt = time.Unix(0, createdAt).UTC()
	node.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return NodeDistance{
		Node:       &node,
		Distance:   math.Sqrt(d2),
		DistanceSq: d2,
	}, nil
}
