package spatial

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/pkg/worker"
	"github.com/c360/orgmap/types/graph"
)

// KeyValuer is the slice of the KV boundary the cache consumes, satisfied
// by natsclient.KVStore.
type KeyValuer interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
}

// cellEntry is the stored membership of one grid cell. ExpiresAt is
// authoritative: a read past it is a miss even if the bucket still holds the
// key. Members carry positions so area reads can drop cell corners outside
// the exact rectangle without another round trip.
type cellEntry struct {
	ExpiresAt time.Time    `json:"expires_at"`
	Members   []cellMember `json:"members"`
}

type cellMember struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// posEntry is the last-known position record of one node.
type posEntry struct {
	ExpiresAt time.Time `json:"expires_at"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
}

type cell struct {
	X, Y int64
}

// Area is a closed rectangle in layout coordinates.
type Area struct {
	MinX, MinY float64
	MaxX, MaxY float64
}

func (a Area) valid() bool {
	return a.MinX <= a.MaxX && a.MinY <= a.MaxY
}

func (a Area) contains(x, y float64) bool {
	return x >= a.MinX && x <= a.MaxX && y >= a.MinY && y <= a.MaxY
}

// populateJob is one async cache-population unit of work.
type populateJob struct {
	tenantID string
	area     Area
	nodes    []*graph.Node
	ttl      time.Duration
}

// CacheConfig holds spatial cache settings.
type CacheConfig struct {
	// CellSize is the grid-cell edge length; must match the store's.
	CellSize float64 `json:"cell_size"`

	// DefaultTTL bounds entry staleness.
	DefaultTTL time.Duration `json:"default_ttl"`

	// MaxAreaCells caps the cells one area read may touch; larger rectangles
	// are refused so a huge viewport cannot fan out into thousands of keys.
	MaxAreaCells int `json:"max_area_cells"`

	// Workers and QueueSize shape the async population pool.
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

// DefaultCacheConfig returns sensible cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		CellSize:     100,
		DefaultTTL:   5 * time.Minute,
		MaxAreaCells: 256,
		Workers:      2,
		QueueSize:    64,
	}
}

// Validate checks cache settings.
func (c CacheConfig) Validate() error {
	if c.CellSize <= 0 {
		return errors.WrapInvalid(nil, "spatial", "Validate", "cell_size must be positive")
	}
	if c.DefaultTTL <= 0 {
		return errors.WrapInvalid(nil, "spatial", "Validate", "default_ttl must be positive")
	}
	if c.MaxAreaCells <= 0 {
		return errors.WrapInvalid(nil, "spatial", "Validate", "max_area_cells must be positive")
	}
	if c.Workers <= 0 || c.QueueSize <= 0 {
		return errors.WrapInvalid(nil, "spatial", "Validate", "workers and queue_size must be positive")
	}
	return nil
}

// Cache is the grid-partitioned spatial cache over the KV boundary. It is
// best-effort only: every failure path degrades to a miss and the caller
// falls back to the Index.
type Cache struct {
	kv     KeyValuer
	config CacheConfig
	pool   *worker.Pool[populateJob]
	logger *slog.Logger

	lookups *prometheus.CounterVec
}

// CacheOption configures a Cache.
type CacheOption func(*Cache) error

// WithCacheMetrics exports hit/miss/error counters.
func WithCacheMetrics(registrar Registrar) CacheOption {
	return func(c *Cache) error {
		c.lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgmap",
			Subsystem: "spatial",
			Name:      "cache_lookups_total",
			Help:      "Spatial cache cell lookups by outcome",
		}, []string{"outcome"})
		return registrar.RegisterCollector("spatial_cache", "cache_lookups_total", c.lookups)
	}
}

// NewCache constructs the spatial cache and starts its population pool.
// Stop the pool via Close on shutdown.
func NewCache(ctx context.Context, kv KeyValuer, config CacheConfig, logger *slog.Logger, opts ...CacheOption) (*Cache, error) {
	if kv == nil {
		return nil, errors.WrapInvalid(nil, "Cache", "NewCache", "kv store cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		kv:     kv,
		config: config,
		logger: logger,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "Cache", "NewCache", "apply option")
		}
	}

	pool, err := worker.NewPool(config.Workers, config.QueueSize, c.process)
	if err != nil {
		return nil, errors.Wrap(err, "Cache", "NewCache", "create population pool")
	}
	if err := pool.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "Cache", "NewCache", "start population pool")
	}
	c.pool = pool

	return c, nil
}

// PoolStats reports population pool counters for health checks.
func (c *Cache) PoolStats() worker.PoolStats {
	return c.pool.Stats()
}

// Close drains the population pool.
func (c *Cache) Close() error {
	return c.pool.Stop(5 * time.Second)
}

func (c *Cache) cellOf(v float64) int64 {
	return int64(math.Floor(v / c.config.CellSize))
}

func cellKey(tenantID string, cl cell) string {
	return fmt.Sprintf("spatial.%s.%d.%d", tenantID, cl.X, cl.Y)
}

func posKey(tenantID, nodeID string) string {
	return fmt.Sprintf("pos.%s.%s", tenantID, nodeID)
}

func (c *Cache) count(outcome string) {
	if c.lookups != nil {
		c.lookups.WithLabelValues(outcome).Inc()
	}
}

// covered reports whether the area spans the cell end to end on both axes.
// Only such cells have known-complete membership from an area result.
func (c *Cache) covered(a Area, cl cell) bool {
	s := c.config.CellSize
	return float64(cl.X)*s >= a.MinX && float64(cl.X+1)*s <= a.MaxX &&
		float64(cl.Y)*s >= a.MinY && float64(cl.Y+1)*s <= a.MaxY
}

// CacheNodes stores the membership of every cell the area fully covers,
// computed from nodes (an exhaustive area result from the Index), plus one
// position record per positioned node, all bounded by ttl. Covered cells
// with no nodes are written as explicitly empty. Cells the area only
// partially covers are never written: their full membership is unknown here
// and a partial list would read as the whole cell later. Concurrent calls on
// overlapping cells are commutative because each write recomputes a cell's
// membership from its own input; last writer wins.
func (c *Cache) CacheNodes(ctx context.Context, tenantID string, area Area, nodes []*graph.Node, ttl time.Duration) error {
	if tenantID == "" {
		return errors.WrapInvalid(nil, "Cache", "CacheNodes", "tenant is required")
	}
	if !area.valid() {
		return errors.WrapInvalid(errors.ErrInvalidCoordinates, "Cache", "CacheNodes",
			"area min must not exceed max")
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	cells := make(map[cell][]cellMember)
	minCX, maxCX := c.cellOf(area.MinX), c.cellOf(area.MaxX)
	minCY, maxCY := c.cellOf(area.MinY), c.cellOf(area.MaxY)
	for cx := minCX; cx <= maxCX; cx++ {
		for cy := minCY; cy <= maxCY; cy++ {
			cl := cell{X: cx, Y: cy}
			if c.covered(area, cl) {
				cells[cl] = []cellMember{}
			}
		}
	}
	if len(cells) > c.config.MaxAreaCells {
		c.count("oversize")
		return nil
	}

	var positioned []*graph.Node
	for _, node := range nodes {
		if node == nil || !node.HasPosition() || node.TenantID != tenantID {
			continue
		}
		positioned = append(positioned, node)
		cl := cell{X: c.cellOf(*node.X), Y: c.cellOf(*node.Y)}
		if _, ok := cells[cl]; ok {
			cells[cl] = append(cells[cl], cellMember{ID: node.ID, X: *node.X, Y: *node.Y})
		}
	}
	if len(cells) == 0 && len(positioned) == 0 {
		return nil
	}

	expires := time.Now().Add(ttl).UTC()

	// One batched operation: every cell write and position write issued
	// together, bounded by the group.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for cl, members := range cells {
		g.Go(func() error {
			value, err := json.Marshal(cellEntry{ExpiresAt: expires, Members: members})
			if err != nil {
				return err
			}
			_, err = c.kv.Put(gctx, cellKey(tenantID, cl), value)
			return err
		})
	}
	for _, node := range positioned {
		g.Go(func() error {
			value, err := json.Marshal(posEntry{ExpiresAt: expires, X: *node.X, Y: *node.Y})
			if err != nil {
				return err
			}
			_, err = c.kv.Put(gctx, posKey(tenantID, node.ID), value)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return errors.WrapTransient(err, "Cache", "CacheNodes", "write cache entries")
	}
	return nil
}

// CacheNodesAsync hands population to the worker pool so the request
// goroutine never waits on cache writes. A full queue drops the job; the
// cache is best-effort and the next query repopulates.
func (c *Cache) CacheNodesAsync(tenantID string, area Area, nodes []*graph.Node, ttl time.Duration) {
	err := c.pool.Submit(populateJob{tenantID: tenantID, area: area, nodes: nodes, ttl: ttl})
	if err != nil {
		c.logger.Warn("spatial cache population dropped", "tenant", tenantID, "error", err)
		c.count("drop")
	}
}

func (c *Cache) process(ctx context.Context, job populateJob) error {
	if err := c.CacheNodes(ctx, job.tenantID, job.area, job.nodes, job.ttl); err != nil {
		c.logger.Warn("spatial cache population failed", "tenant", job.tenantID, "error", err)
		return err
	}
	return nil
}

// NodesInArea returns the cached node ids inside the closed rectangle. The
// intersecting cells are fetched in one batched round trip; expired entries
// read as absent, and members outside the exact rectangle are filtered out.
// complete is true only when every intersecting cell was live, so the ids
// are the area's full population; on a partial hit the ids are a usable
// subset and on a full miss the result is nil. Callers needing exactness
// must fall back to the Index unless complete. Ids may repeat across cells
// populated by separate calls, so callers de-duplicate.
func (c *Cache) NodesInArea(ctx context.Context, tenantID string, area Area) (ids []string, complete bool, err error) {
	if tenantID == "" {
		return nil, false, errors.WrapInvalid(nil, "Cache", "NodesInArea", "tenant is required")
	}
	if !area.valid() {
		return nil, false, errors.WrapInvalid(errors.ErrInvalidCoordinates, "Cache", "NodesInArea",
			"area min must not exceed max")
	}

	minCX, maxCX := c.cellOf(area.MinX), c.cellOf(area.MaxX)
	minCY, maxCY := c.cellOf(area.MinY), c.cellOf(area.MaxY)
	total := (maxCX - minCX + 1) * (maxCY - minCY + 1)
	if total > int64(c.config.MaxAreaCells) {
		c.count("oversize")
		return nil, false, nil
	}

	keys := make([]string, 0, total)
	for cx := minCX; cx <= maxCX; cx++ {
		for cy := minCY; cy <= maxCY; cy++ {
			keys = append(keys, cellKey(tenantID, cell{X: cx, Y: cy}))
		}
	}

	values, kvErr := c.kv.GetMany(ctx, keys)
	if kvErr != nil {
		// Degrade to a miss; the Index is the authoritative fallback.
		c.logger.Warn("spatial cache read failed", "tenant", tenantID, "cells", len(keys), "error", kvErr)
		c.count("error")
		return nil, false, nil
	}

	// Absent, expired, or corrupt cells contribute nothing. A fully cold
	// area reads as a miss; anything live is a hit, complete only when
	// every intersecting cell answered.
	now := time.Now()
	live := 0
	for _, key := range keys {
		raw, ok := values[key]
		if !ok {
			continue
		}
		var entry cellEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			c.logger.Warn("spatial cache entry corrupt", "key", key, "error", err)
			continue
		}
		if now.After(entry.ExpiresAt) {
			continue
		}
		live++
		for _, m := range entry.Members {
			if area.contains(m.X, m.Y) {
				ids = append(ids, m.ID)
			}
		}
	}

	if live == 0 {
		c.count("miss")
		return nil, false, nil
	}

	c.count("hit")
	if ids == nil {
		// Live cells but no member inside the exact rectangle.
		ids = []string{}
	}
	return ids, live == int(total), nil
}
