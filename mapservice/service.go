// Package mapservice assembles map payloads: it dispatches a request to the
// spatial or traversal path, applies allow-list filters, and pages the
// result behind an opaque cursor. Each request is stateless; all state
// lives in the store and the caches.
package mapservice

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/spatial"
	"github.com/c360/orgmap/storage"
	"github.com/c360/orgmap/traversal"
	"github.com/c360/orgmap/types/graph"
)

// Mode selects how the node set is produced.
type Mode string

const (
	ModeViewport Mode = "viewport"
	ModeRadius   Mode = "radius"
	ModeExpand   Mode = "expand"
)

// IsValid reports whether the mode is one of the three dispatchable modes.
func (m Mode) IsValid() bool {
	switch m {
	case ModeViewport, ModeRadius, ModeExpand:
		return true
	}
	return false
}

// Viewport is an axis-aligned closed rectangle.
type Viewport struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// Radius is a circle around a center point.
type Radius struct {
	CX float64 `json:"cx"`
	CY float64 `json:"cy"`
	R  float64 `json:"r"`
}

// StartNode identifies the expansion origin for expand mode.
type StartNode struct {
	ID   string         `json:"id"`
	Kind graph.NodeKind `json:"type,omitempty"`
}

// Request is one map query. TenantID comes from the auth context, never
// from the request body.
type Request struct {
	TenantID  string         `json:"-"`
	Mode      Mode           `json:"mode"`
	Filters   *graph.Filters `json:"filters,omitempty"`
	Viewport  *Viewport      `json:"viewport,omitempty"`
	Radius    *Radius        `json:"radius,omitempty"`
	StartNode *StartNode     `json:"start_node,omitempty"`
	Depth     int            `json:"depth,omitempty"`
	MaxNodes  int            `json:"max_nodes,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Cursor    string         `json:"cursor,omitempty"`
}

// Config holds map assembly settings.
type Config struct {
	DefaultPageSize int           `json:"default_page_size"`
	MaxPageSize     int           `json:"max_page_size"`
	CacheTTL        time.Duration `json:"cache_ttl"`
}

// DefaultConfig returns sensible assembly defaults.
func DefaultConfig() Config {
	return Config{
		DefaultPageSize: 50,
		MaxPageSize:     200,
		CacheTTL:        5 * time.Minute,
	}
}

// Validate checks assembly settings.
func (c Config) Validate() error {
	if c.DefaultPageSize <= 0 || c.MaxPageSize <= 0 {
		return errors.WrapInvalid(nil, "mapservice", "Validate", "page sizes must be positive")
	}
	if c.DefaultPageSize > c.MaxPageSize {
		return errors.WrapInvalid(nil, "mapservice", "Validate", "default_page_size exceeds max_page_size")
	}
	if c.CacheTTL <= 0 {
		return errors.WrapInvalid(nil, "mapservice", "Validate", "cache_ttl must be positive")
	}
	return nil
}

// Registrar registers prometheus collectors, satisfied by
// metric.MetricsRegistry.
type Registrar interface {
	RegisterCollector(component, name string, collector prometheus.Collector) error
}

// Service is the map assembly entry point.
type Service struct {
	store     storage.Store
	index     *spatial.Index
	cache     *spatial.Cache
	traverser *traversal.Traverser
	config    Config
	logger    *slog.Logger

	requests *prometheus.CounterVec
}

// Option configures a Service.
type Option func(*Service) error

// WithMetrics exports per-mode request counters.
func WithMetrics(registrar Registrar) Option {
	return func(s *Service) error {
		s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgmap",
			Subsystem: "map",
			Name:      "requests_total",
			Help:      "Map assembly requests by mode and outcome",
		}, []string{"mode", "outcome"})
		return registrar.RegisterCollector("mapservice", "requests_total", s.requests)
	}
}

// New constructs the map service. The spatial cache may be nil, in which
// case every spatial read goes to the index.
func New(store storage.Store, index *spatial.Index, cache *spatial.Cache, traverser *traversal.Traverser, config Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if store == nil || index == nil || traverser == nil {
		return nil, errors.WrapInvalid(nil, "Service", "New", "store, index and traverser are required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		store:     store,
		index:     index,
		cache:     cache,
		traverser: traverser,
		config:    config,
		logger:    logger,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.Wrap(err, "Service", "New", "apply option")
		}
	}
	return s, nil
}

func (s *Service) count(mode Mode, outcome string) {
	if s.requests != nil {
		s.requests.WithLabelValues(string(mode), outcome).Inc()
	}
}

func (s *Service) pageSize(requested int) (int, error) {
	if requested == 0 {
		return s.config.DefaultPageSize, nil
	}
	if requested < 0 || requested > s.config.MaxPageSize {
		return 0, errors.WrapInvalid(nil, "Service", "pageSize", "limit out of range")
	}
	return requested, nil
}

// GetMap produces one page of the map payload: nodes, the edges among
// them, and pagination state. An empty page is a valid success.
func (s *Service) GetMap(ctx context.Context, req Request) (*graph.MapData, error) {
	if req.TenantID == "" {
		return nil, errors.WrapInvalid(nil, "Service", "GetMap", "tenant is required")
	}
	if !req.Mode.IsValid() {
		return nil, errors.WrapInvalid(nil, "Service", "GetMap", "unknown mode")
	}
	if err := req.Filters.Validate(); err != nil {
		return nil, err
	}

	var cur *cursor
	if req.Cursor != "" {
		decoded, err := decodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		if decoded.Mode != req.Mode {
			return nil, errors.WrapInvalid(errors.ErrInvalidCursor, "Service", "GetMap",
				"cursor issued for a different mode")
		}
		cur = &decoded
	}

	limit, err := s.pageSize(req.Limit)
	if err != nil {
		return nil, err
	}

	var data *graph.MapData
	switch req.Mode {
	case ModeViewport:
		data, err = s.viewportPage(ctx, req, cur, limit)
	case ModeRadius:
		data, err = s.radiusPage(ctx, req, cur, limit)
	case ModeExpand:
		data, err = s.expandPage(ctx, req, cur, limit)
	}
	if err != nil {
		s.count(req.Mode, "error")
		return nil, err
	}

	s.count(req.Mode, "ok")
	return data, nil
}

// assemble builds the final payload from an id-stable node page: filters
// nodes by kind, loads the page's edge set, and drops edges whose label is
// filtered or whose endpoint fell out of the page.
func (s *Service) assemble(ctx context.Context, tenantID string, page []*graph.Node, filters *graph.Filters, pagination graph.Pagination) (*graph.MapData, error) {
	kept := make(map[string]struct{}, len(page))
	mapNodes := make([]graph.MapNode, 0, len(page))
	ids := make([]string, 0, len(page))
	for _, node := range page {
		if !filters.AllowsNode(node.Kind) {
			continue
		}
		kept[node.ID] = struct{}{}
		ids = append(ids, node.ID)
		mapNodes = append(mapNodes, graph.NewMapNode(node))
	}

	mapEdges := make([]graph.MapEdge, 0)
	if len(ids) >= 2 {
		edges, err := s.store.EdgesAmong(ctx, tenantID, ids)
		if err != nil {
			return nil, errors.Wrap(err, "Service", "assemble", "load page edges")
		}
		for _, edge := range edges {
			if !filters.AllowsEdge(edge.Label) {
				continue
			}
			if _, ok := kept[edge.SrcID]; !ok {
				continue
			}
			if _, ok := kept[edge.DstID]; !ok {
				continue
			}
			mapEdges = append(mapEdges, graph.NewMapEdge(edge))
		}
	}

	return &graph.MapData{
		Nodes:      mapNodes,
		Edges:      mapEdges,
		Pagination: pagination,
	}, nil
}

// viewportPage serves viewport mode: spatial cache first, index fallback.
// Both paths order by ascending id, so a cursor issued by one path resumes
// correctly on the other.
func (s *Service) viewportPage(ctx context.Context, req Request, cur *cursor, limit int) (*graph.MapData, error) {
	vp := req.Viewport
	if vp == nil {
		return nil, errors.WrapInvalid(nil, "Service", "viewportPage", "viewport is required")
	}
	if err := graph.ValidateCoordinates(vp.MinX, vp.MinY); err != nil {
		return nil, err
	}
	if err := graph.ValidateCoordinates(vp.MaxX, vp.MaxY); err != nil {
		return nil, err
	}
	if vp.MinX > vp.MaxX || vp.MinY > vp.MaxY {
		return nil, errors.WrapInvalid(errors.ErrInvalidCoordinates, "Service", "viewportPage",
			"viewport min must not exceed max")
	}

	afterID := ""
	if cur != nil {
		afterID = cur.AfterID
	}

	if nodes, ok := s.viewportFromCache(ctx, req.TenantID, vp, afterID, limit+1); ok {
		return s.finishIDPage(ctx, req, nodes, limit)
	}

	nodes, err := s.index.QueryViewport(ctx, req.TenantID, storage.ViewportQuery{
		MinX: vp.MinX, MinY: vp.MinY, MaxX: vp.MaxX, MaxY: vp.MaxY,
		Limit:   limit + 1,
		AfterID: afterID,
	})
	if err != nil {
		return nil, err
	}

	// Populate only from an exhaustive read: a first page holding the whole
	// viewport. A truncated page or a cursor resumption sees a slice of the
	// area, and caching that slice as cell membership would drop nodes from
	// later cache-served pages. Holding the whole viewport includes holding
	// none of it; emptiness is worth caching too.
	if s.cache != nil && cur == nil && len(nodes) <= limit {
		area := spatial.Area{MinX: vp.MinX, MinY: vp.MinY, MaxX: vp.MaxX, MaxY: vp.MaxY}
		s.cache.CacheNodesAsync(req.TenantID, area, nodes, s.config.CacheTTL)
	}
	return s.finishIDPage(ctx, req, nodes, limit)
}

// viewportFromCache resolves a viewport page from the spatial cache. The
// second return is false on any miss, sending the caller to the index. Only
// a complete hit is served: a partial one cannot prove it holds every node
// in the viewport, and pagination needs the full ordered set.
func (s *Service) viewportFromCache(ctx context.Context, tenantID string, vp *Viewport, afterID string, want int) ([]*graph.Node, bool) {
	if s.cache == nil {
		return nil, false
	}

	area := spatial.Area{MinX: vp.MinX, MinY: vp.MinY, MaxX: vp.MaxX, MaxY: vp.MaxY}
	ids, complete, err := s.cache.NodesInArea(ctx, tenantID, area)
	if err != nil || !complete {
		return nil, false
	}

	ids = dedupeSorted(ids)
	if afterID != "" {
		idx := sort.SearchStrings(ids, afterID)
		if idx < len(ids) && ids[idx] == afterID {
			idx++
		}
		ids = ids[idx:]
	}
	if len(ids) > want {
		ids = ids[:want]
	}
	if len(ids) == 0 {
		return []*graph.Node{}, true
	}

	// Materialization re-verifies tenant ownership; stale ids drop out.
	nodes, err := s.store.GetNodes(ctx, tenantID, ids)
	if err != nil {
		s.logger.Warn("cached viewport materialization failed, falling back",
			"tenant", tenantID, "error", err)
		return nil, false
	}
	return nodes, true
}

// finishIDPage pages an id-ordered node list fetched with one extra row.
func (s *Service) finishIDPage(ctx context.Context, req Request, nodes []*graph.Node, limit int) (*graph.MapData, error) {
	hasMore := len(nodes) > limit
	if hasMore {
		nodes = nodes[:limit]
	}

	pagination := graph.Pagination{HasMore: hasMore}
	if hasMore {
		token, err := encodeCursor(cursor{Mode: req.Mode, AfterID: nodes[len(nodes)-1].ID})
		if err != nil {
			return nil, err
		}
		pagination.NextCursor = token
	}

	return s.assemble(ctx, req.TenantID, nodes, req.Filters, pagination)
}

// radiusPage serves radius mode, ordered by ascending (distance, id).
func (s *Service) radiusPage(ctx context.Context, req Request, cur *cursor, limit int) (*graph.MapData, error) {
	rad := req.Radius
	if rad == nil {
		return nil, errors.WrapInvalid(nil, "Service", "radiusPage", "radius is required")
	}
	if rad.R < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidCoordinates, "Service", "radiusPage",
			"radius cannot be negative")
	}
	if err := graph.ValidateCoordinates(rad.CX, rad.CY); err != nil {
		return nil, err
	}

	query := storage.RadiusQuery{
		CX: rad.CX, CY: rad.CY, R: rad.R,
		Limit: limit + 1,
	}
	if cur != nil {
		if cur.AfterDistSq == nil {
			return nil, errors.WrapInvalid(errors.ErrInvalidCursor, "Service", "radiusPage",
				"cursor missing distance position")
		}
		query.AfterDistSq = cur.AfterDistSq
		query.AfterID = cur.AfterID
	}

	// Radius results never populate the cache: the circle excludes in-cell
	// nodes outside it, so its node set is not the membership of any cell.
	results, ok := s.radiusFromCache(ctx, req.TenantID, rad, query)
	if !ok {
		var err error
		results, err = s.index.QueryRadius(ctx, req.TenantID, query)
		if err != nil {
			return nil, err
		}
	}

	hasMore := len(results) > limit
	if hasMore {
		results = results[:limit]
	}

	pagination := graph.Pagination{HasMore: hasMore}
	if hasMore {
		last := results[len(results)-1]
		d2 := last.DistanceSq
		token, err := encodeCursor(cursor{Mode: req.Mode, AfterID: last.Node.ID, AfterDistSq: &d2})
		if err != nil {
			return nil, err
		}
		pagination.NextCursor = token
	}

	nodes := make([]*graph.Node, len(results))
	for i, nd := range results {
		nodes[i] = nd.Node
	}
	return s.assemble(ctx, req.TenantID, nodes, req.Filters, pagination)
}

// radiusFromCache answers a radius query from the cached bounding box,
// recomputing exact distances from current store positions. False on any
// miss; only a complete bounding-box hit is served, since a partial one
// could silently drop nodes inside the circle.
func (s *Service) radiusFromCache(ctx context.Context, tenantID string, rad *Radius, query storage.RadiusQuery) ([]storage.NodeDistance, bool) {
	if s.cache == nil {
		return nil, false
	}

	area := spatial.Area{
		MinX: rad.CX - rad.R, MinY: rad.CY - rad.R,
		MaxX: rad.CX + rad.R, MaxY: rad.CY + rad.R,
	}
	ids, complete, err := s.cache.NodesInArea(ctx, tenantID, area)
	if err != nil || !complete {
		return nil, false
	}
	ids = dedupeSorted(ids)
	if len(ids) == 0 {
		return []storage.NodeDistance{}, true
	}

	nodes, err := s.store.GetNodes(ctx, tenantID, ids)
	if err != nil {
		s.logger.Warn("cached radius materialization failed, falling back",
			"tenant", tenantID, "error", err)
		return nil, false
	}

	results := make([]storage.NodeDistance, 0, len(nodes))
	for _, node := range nodes {
		if !node.HasPosition() {
			continue
		}
		dx, dy := *node.X-rad.CX, *node.Y-rad.CY
		d2 := dx*dx + dy*dy
		if d2 > rad.R*rad.R {
			continue
		}
		results = append(results, storage.NodeDistance{
			Node:       node,
			Distance:   math.Sqrt(d2),
			DistanceSq: d2,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].DistanceSq != results[j].DistanceSq {
			return results[i].DistanceSq < results[j].DistanceSq
		}
		return results[i].Node.ID < results[j].Node.ID
	})

	if query.AfterDistSq != nil {
		cut := sort.Search(len(results), func(i int) bool {
			if results[i].DistanceSq != *query.AfterDistSq {
				return results[i].DistanceSq > *query.AfterDistSq
			}
			return results[i].Node.ID > query.AfterID
		})
		results = results[cut:]
	}
	if len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, true
}

// expandPage serves expand mode over a bounded BFS result, paged by id.
func (s *Service) expandPage(ctx context.Context, req Request, cur *cursor, limit int) (*graph.MapData, error) {
	if req.StartNode == nil || req.StartNode.ID == "" {
		return nil, errors.WrapInvalid(nil, "Service", "expandPage", "start_node is required")
	}

	result, err := s.traverser.Expand(ctx, req.TenantID, req.StartNode.ID, req.Depth, req.MaxNodes)
	if err != nil {
		return nil, err
	}

	nodes := result.Nodes
	if cur != nil {
		idx := sort.Search(len(nodes), func(i int) bool { return nodes[i].ID > cur.AfterID })
		nodes = nodes[idx:]
	}
	if len(nodes) > limit+1 {
		nodes = nodes[:limit+1]
	}
	return s.finishIDPage(ctx, req, nodes, limit)
}

// dedupeSorted sorts ids ascending and removes duplicates; cache cells
// populated by separate calls may repeat an id.
func dedupeSorted(ids []string) []string {
	sort.Strings(ids)
	out := ids[:0]
	var prev string
	for i, id := range ids {
		if i > 0 && id == prev {
			continue
		}
		out = append(out, id)
		prev = id
	}
	return out
}
