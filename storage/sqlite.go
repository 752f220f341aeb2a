package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	// SQLite driver registration
	_ "github.com/mattn/go-sqlite3"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/types/graph"
)

// DefaultCellSize is the grid-cell edge length used to derive cell
// coordinates from positions. It must match the spatial cache's cell size so
// cache keys and store cells partition space identically.
const DefaultCellSize = 100.0

// Config holds SQLite store settings.
type Config struct {
	// Path is the database file path, or ":memory:" for tests.
	Path string `json:"path"`

	// CellSize is the grid-cell edge length for the derived spatial cells.
	CellSize float64 `json:"cell_size"`

	// QueryTimeout bounds each store round trip.
	QueryTimeout time.Duration `json:"query_timeout"`

	// MaxOpenConns caps the connection pool.
	MaxOpenConns int `json:"max_open_conns"`
}

// DefaultStoreConfig returns sensible store defaults.
func DefaultStoreConfig() Config {
	return Config{
		Path:         "orgmap.db",
		CellSize:     DefaultCellSize,
		QueryTimeout: 5 * time.Second,
		MaxOpenConns: 8,
	}
}

// Validate checks store settings.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "storage", "Validate", "path is required")
	}
	if c.CellSize <= 0 {
		return errors.WrapInvalid(nil, "storage", "Validate", "cell_size must be positive")
	}
	if c.QueryTimeout <= 0 {
		return errors.WrapInvalid(nil, "storage", "Validate", "query_timeout must be positive")
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	label      TEXT NOT NULL DEFAULT '',
	props      TEXT,
	x          REAL,
	y          REAL,
	cell_x     INTEGER,
	cell_y     INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nodes_tenant ON nodes(tenant_id, id);
CREATE INDEX IF NOT EXISTS idx_nodes_cell ON nodes(tenant_id, cell_x, cell_y);

CREATE TABLE IF NOT EXISTS edges (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	src        TEXT NOT NULL,
	dst        TEXT NOT NULL,
	label      TEXT NOT NULL,
	props      TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(tenant_id, src, dst, label)
);

CREATE INDEX IF NOT EXISTS idx_edges_src ON edges(tenant_id, src);
CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(tenant_id, dst);
`

// SQLiteStore implements Store over a SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	cellSize float64
	timeout  time.Duration
	logger   *slog.Logger
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// Open opens (or creates) the database at config.Path and applies the schema.
func Open(config Config, logger *slog.Logger) (*SQLiteStore, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := config.Path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLiteStore", "Open", "open database")
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "SQLiteStore", "Open", "ping database")
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "SQLiteStore", "Open", "apply schema")
	}

	return &SQLiteStore{
		db:       db,
		cellSize: config.CellSize,
		timeout:  config.QueryTimeout,
		logger:   logger,
	}, nil
}

// CellSize returns the configured grid-cell edge length.
func (s *SQLiteStore) CellSize() float64 {
	return s.cellSize
}

// Ping verifies the store is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return s.mapError(err, "Ping", "ping database")
	}
	return nil
}

// Close releases the underlying connections.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

// cellOf derives the grid cell coordinate for one axis.
func (s *SQLiteStore) cellOf(v float64) int64 {
	return int64(math.Floor(v / s.cellSize))
}

// mapError classifies driver errors: deadlines and lock contention are
// transient, everything else passes through wrapped.
func (s *SQLiteStore) mapError(err error, method, action string) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapTransient(errors.ErrStorageTimeout, "SQLiteStore", method, action)
	case stderrors.Is(err, context.Canceled):
		return errors.WrapTransient(err, "SQLiteStore", method, action)
	case strings.Contains(err.Error(), "database is locked"):
		return errors.WrapTransient(err, "SQLiteStore", method, action)
	default:
		return errors.Wrap(err, "SQLiteStore", method, action)
	}
}

func validateNode(node *graph.Node) error {
	if node == nil {
		return errors.WrapInvalid(nil, "SQLiteStore", "validateNode", "node cannot be nil")
	}
	if node.ID == "" {
		return errors.WrapInvalid(nil, "SQLiteStore", "validateNode", "node id cannot be empty")
	}
	if node.TenantID == "" {
		return errors.WrapInvalid(nil, "SQLiteStore", "validateNode", "tenant id cannot be empty")
	}
	if !node.Kind.IsValid() {
		return errors.WrapInvalid(nil, "SQLiteStore", "validateNode",
			fmt.Sprintf("unknown node kind %q", node.Kind))
	}
	if (node.X == nil) != (node.Y == nil) {
		return errors.WrapInvalid(errors.ErrInvalidCoordinates, "SQLiteStore", "validateNode",
			"x and y must be set together")
	}
	if node.X != nil {
		if err := graph.ValidateCoordinates(*node.X, *node.Y); err != nil {
			return err
		}
	}
	return nil
}

// UpsertNode creates or updates a node keyed by id. The tenant of an
// existing node is immutable; a cross-tenant upsert fails as invalid.
func (s *SQLiteStore) UpsertNode(ctx context.Context, node *graph.Node) (*graph.Node, error) {
	if err := validateNode(node); err != nil {
		return nil, err
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	props, err := graph.PropsJSON(node.Props)
	if err != nil {
		return nil, errors.WrapInvalid(err, "SQLiteStore", "UpsertNode", "marshal props")
	}

	var x, y sql.NullFloat64
	var cellX, cellY sql.NullInt64
	if node.X != nil {
		x = sql.NullFloat64{Float64: *node.X, Valid: true}
		y = sql.NullFloat64{Float64: *node.Y, Valid: true}
		cellX = sql.NullInt64{Int64: s.cellOf(*node.X), Valid: true}
		cellY = sql.NullInt64{Int64: s.cellOf(*node.Y), Valid: true}
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.mapError(err, "UpsertNode", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var existingTenant string
	err = tx.QueryRowContext(ctx, `SELECT tenant_id FROM nodes WHERE id = ?`, node.ID).Scan(&existingTenant)
	switch {
	case err == nil:
		if existingTenant != node.TenantID {
			return nil, errors.WrapInvalid(nil, "SQLiteStore", "UpsertNode",
				"tenant_id is immutable")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE nodes
			SET kind = ?, label = ?, props = ?, x = ?, y = ?, cell_x = ?, cell_y = ?, updated_at = ?
			WHERE id = ?`,
			string(node.Kind), node.Label, string(props), x, y, cellX, cellY, now.UnixNano(), node.ID)
		if err != nil {
			return nil, s.mapError(err, "UpsertNode", "update node")
		}
	case stderrors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO nodes (id, tenant_id, kind, label, props, x, y, cell_x, cell_y, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			node.ID, node.TenantID, string(node.Kind), node.Label, string(props),
			x, y, cellX, cellY, now.UnixNano(), now.UnixNano())
		if err != nil {
			return nil, s.mapError(err, "UpsertNode", "insert node")
		}
	default:
		return nil, s.mapError(err, "UpsertNode", "lookup existing node")
	}

	if err := tx.Commit(); err != nil {
		return nil, s.mapError(err, "UpsertNode", "commit")
	}

	return s.GetNode(ctx, node.TenantID, node.ID)
}

// GetNode fetches a node scoped to a tenant. Cross-tenant ids read as
// not found so existence never leaks across tenants.
func (s *SQLiteStore) GetNode(ctx context.Context, tenantID, id string) (*graph.Node, error) {
	if tenantID == "" || id == "" {
		return nil, errors.WrapInvalid(nil, "SQLiteStore", "GetNode", "tenant and id are required")
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, kind, label, props, x, y, created_at, updated_at
		FROM nodes WHERE tenant_id = ? AND id = ?`, tenantID, id)

	node, err := scanNode(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.WrapNotFound(errors.ErrNodeNotFound, "SQLiteStore", "GetNode", "node "+id)
		}
		return nil, s.mapError(err, "GetNode", "scan node")
	}
	return node, nil
}

// GetNodes fetches nodes by id within a tenant, ordered by id. Missing and
// cross-tenant ids are silently absent.
func (s *SQLiteStore) GetNodes(ctx context.Context, tenantID string, ids []string) ([]*graph.Node, error) {
	if tenantID == "" {
		return nil, errors.WrapInvalid(nil, "SQLiteStore", "GetNodes", "tenant is required")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, tenant_id, kind, label, props, x, y, created_at, updated_at
		FROM nodes WHERE tenant_id = ? AND id IN (` + placeholders(len(ids)) + `)
		ORDER BY id`
	args := make([]any, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapError(err, "GetNodes", "query nodes")
	}
	defer func() { _ = rows.Close() }()

	var nodes []*graph.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, s.mapError(err, "GetNodes", "scan node")
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError(err, "GetNodes", "iterate nodes")
	}
	return nodes, nil
}

// UpdatePosition atomically updates coordinates and the derived grid cell in
// one statement, so no reader observes an inconsistent pair.
func (s *SQLiteStore) UpdatePosition(ctx context.Context, tenantID, id string, x, y float64) (*graph.Node, error) {
	if tenantID == "" || id == "" {
		return nil, errors.WrapInvalid(nil, "SQLiteStore", "UpdatePosition", "tenant and id are required")
	}
	if err := graph.ValidateCoordinates(x, y); err != nil {
		return nil, err
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes
		SET x = ?, y = ?, cell_x = ?, cell_y = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		x, y, s.cellOf(x), s.cellOf(y), time.Now().UTC().UnixNano(), tenantID, id)
	if err != nil {
		return nil, s.mapError(err, "UpdatePosition", "update position")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, s.mapError(err, "UpdatePosition", "rows affected")
	}
	if affected == 0 {
		return nil, errors.WrapNotFound(errors.ErrNodeNotFound, "SQLiteStore", "UpdatePosition", "node "+id)
	}

	return s.GetNode(ctx, tenantID, id)
}

// DeleteTenant removes all nodes and edges of a tenant in one transaction.
func (s *SQLiteStore) DeleteTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return errors.WrapInvalid(nil, "SQLiteStore", "DeleteTenant", "tenant is required")
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.mapError(err, "DeleteTenant", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE tenant_id = ?`, tenantID); err != nil {
		return s.mapError(err, "DeleteTenant", "delete edges")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE tenant_id = ?`, tenantID); err != nil {
		return s.mapError(err, "DeleteTenant", "delete nodes")
	}

	if err := tx.Commit(); err != nil {
		return s.mapError(err, "DeleteTenant", "commit")
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanNode(sc scanner) (*graph.Node, error) {
	var (
		node      graph.Node
		kind      string
		props     sql.NullString
		x, y      sql.NullFloat64
		createdAt int64
		updatedAt int64
	)

	err := sc.Scan(&node.ID, &node.TenantID, &kind, &node.Label, &props, &x, &y, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	node.Kind = graph.NodeKind(kind)
	if props.Valid {
		parsed, err := graph.PropsFromJSON([]byte(props.String))
		if err != nil {
			return nil, fmt.Errorf("parse props for node %s: %w", node.ID, err)
		}
		node.Props = parsed
	}
	if x.Valid && y.Valid {
		node.X = &x.Float64
		node.Y = &y.Float64
	}
	node.CreatedAt = time.Unix(0, createdAt).UTC()
	node.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return &node, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
