package traversal

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/types/graph"
)

// GraphSource is the slice of the primary store traversal consumes,
// satisfied by storage.Store.
type GraphSource interface {
	GetNode(ctx context.Context, tenantID, id string) (*graph.Node, error)
	GetNodes(ctx context.Context, tenantID string, ids []string) ([]*graph.Node, error)
	Neighbors(ctx context.Context, tenantID, nodeID string) (map[string][]string, error)
	EdgesAmong(ctx context.Context, tenantID string, ids []string) ([]*graph.Edge, error)
}

// Limits bounds one expansion.
type Limits struct {
	// MaxDepth caps how many hops a request may ask for.
	MaxDepth int `json:"max_depth"`

	// MaxNodes caps the collected-node budget a request may ask for.
	MaxNodes int `json:"max_nodes"`

	// DefaultDepth and DefaultMaxNodes apply when a request leaves them zero.
	DefaultDepth    int `json:"default_depth"`
	DefaultMaxNodes int `json:"default_max_nodes"`
}

// DefaultLimits returns sensible traversal bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:        5,
		MaxNodes:        500,
		DefaultDepth:    2,
		DefaultMaxNodes: 100,
	}
}

// Validate checks traversal bounds.
func (l Limits) Validate() error {
	if l.MaxDepth <= 0 || l.MaxNodes <= 0 {
		return errors.WrapInvalid(nil, "traversal", "Validate", "max_depth and max_nodes must be positive")
	}
	if l.DefaultDepth <= 0 || l.DefaultDepth > l.MaxDepth {
		return errors.WrapInvalid(nil, "traversal", "Validate", "default_depth out of range")
	}
	if l.DefaultMaxNodes <= 0 || l.DefaultMaxNodes > l.MaxNodes {
		return errors.WrapInvalid(nil, "traversal", "Validate", "default_max_nodes out of range")
	}
	return nil
}

// Result is one expanded neighborhood. Nodes are materialized,
// tenant-verified, and ascending by id; Edges connect only nodes present in
// Nodes. Truncated reports that the node budget stopped the expansion
// before depth was exhausted.
type Result struct {
	Nodes     []*graph.Node
	Edges     []*graph.Edge
	Truncated bool
}

// Traverser runs bounded BFS expansions against the neighbor cache with the
// primary store as the authoritative fallback.
type Traverser struct {
	source GraphSource
	cache  *NeighborCache
	limits Limits
	logger *slog.Logger

	expansions *prometheus.CounterVec
	collected  prometheus.Histogram
}

// TraverserOption configures a Traverser.
type TraverserOption func(*Traverser) error

// WithTraverserMetrics exports expansion counters and a collected-set-size
// histogram.
func WithTraverserMetrics(registrar Registrar) TraverserOption {
	return func(t *Traverser) error {
		t.expansions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgmap",
			Subsystem: "traversal",
			Name:      "expansions_total",
			Help:      "Graph expansions by outcome",
		}, []string{"outcome"})
		t.collected = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orgmap",
			Subsystem: "traversal",
			Name:      "collected_nodes",
			Help:      "Collected node-set size per expansion",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		})
		if err := registrar.RegisterCollector("traversal", "expansions_total", t.expansions); err != nil {
			return err
		}
		return registrar.RegisterCollector("traversal", "collected_nodes", t.collected)
	}
}

// NewTraverser constructs a Traverser. The cache may be nil, in which case
// every adjacency read goes to the source.
func NewTraverser(source GraphSource, cache *NeighborCache, limits Limits, logger *slog.Logger, opts ...TraverserOption) (*Traverser, error) {
	if source == nil {
		return nil, errors.WrapInvalid(nil, "Traverser", "NewTraverser", "source cannot be nil")
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Traverser{
		source: source,
		cache:  cache,
		limits: limits,
		logger: logger,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, errors.Wrap(err, "Traverser", "NewTraverser", "apply option")
		}
	}
	return t, nil
}

func (t *Traverser) outcome(name string) {
	if t.expansions != nil {
		t.expansions.WithLabelValues(name).Inc()
	}
}

// adjacency resolves a node's one-hop neighbors: cache first, source on a
// miss, then cache population so the next expansion hits.
func (t *Traverser) adjacency(ctx context.Context, tenantID, nodeID string) (Neighbors, error) {
	if t.cache != nil {
		if neighbors, ok := t.cache.Get(ctx, tenantID, nodeID, 1); ok {
			return neighbors, nil
		}
	}

	neighbors, err := t.source.Neighbors(ctx, tenantID, nodeID)
	if err != nil {
		return nil, err
	}

	if t.cache != nil {
		t.cache.Set(ctx, tenantID, nodeID, 1, neighbors, 0)
	}
	return neighbors, nil
}

// Expand runs bounded BFS from a start node. depth and maxNodes fall back
// to the configured defaults when zero and are rejected beyond the
// configured maxima. A missing or cross-tenant start node is not found, by
// the same error either way.
func (t *Traverser) Expand(ctx context.Context, tenantID, startID string, depth, maxNodes int) (*Result, error) {
	start := time.Now()

	if tenantID == "" || startID == "" {
		return nil, errors.WrapInvalid(nil, "Traverser", "Expand", "tenant and start node are required")
	}
	if depth == 0 {
		depth = t.limits.DefaultDepth
	}
	if maxNodes == 0 {
		maxNodes = t.limits.DefaultMaxNodes
	}
	if depth < 0 || depth > t.limits.MaxDepth {
		return nil, errors.WrapInvalid(nil, "Traverser", "Expand", "depth out of range")
	}
	if maxNodes < 1 || maxNodes > t.limits.MaxNodes {
		return nil, errors.WrapInvalid(nil, "Traverser", "Expand", "max_nodes out of range")
	}

	startNode, err := t.source.GetNode(ctx, tenantID, startID)
	if err != nil {
		if errors.IsNotFound(err) {
			t.outcome("start_not_found")
		}
		return nil, err
	}

	visited := map[string]struct{}{startNode.ID: {}}
	frontier := []string{startNode.ID}
	collected := []string{startNode.ID}
	truncated := false

bfs:
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, current := range frontier {
			if len(collected) >= maxNodes {
				truncated = true
				break bfs
			}

			neighbors, err := t.adjacency(ctx, tenantID, current)
			if err != nil {
				return nil, errors.Wrap(err, "Traverser", "Expand", "resolve neighbors of "+current)
			}

			// Deterministic label order keeps budget truncation stable
			// across repeated requests over unchanged data.
			labels := make([]string, 0, len(neighbors))
			for label := range neighbors {
				labels = append(labels, label)
			}
			sort.Strings(labels)

			for _, label := range labels {
				for _, id := range neighbors[label] {
					if _, seen := visited[id]; seen {
						continue
					}
					visited[id] = struct{}{}
					next = append(next, id)
					collected = append(collected, id)
					if len(collected) >= maxNodes {
						truncated = true
						break bfs
					}
				}
			}
		}
		frontier = next
	}

	result, err := t.materialize(ctx, tenantID, collected)
	if err != nil {
		return nil, err
	}
	result.Truncated = truncated

	if t.collected != nil {
		t.collected.Observe(float64(len(result.Nodes)))
	}
	t.outcome("ok")
	t.logger.Debug("expanded neighborhood",
		"tenant", tenantID,
		"start", startID,
		"depth", depth,
		"collected", len(result.Nodes),
		"truncated", truncated,
		"duration", time.Since(start))

	return result, nil
}

// materialize loads the collected ids from the store, which re-verifies
// tenant ownership: ids deleted or reassigned since their adjacency was
// cached silently drop out. Edges are then restricted to the surviving set.
func (t *Traverser) materialize(ctx context.Context, tenantID string, ids []string) (*Result, error) {
	sort.Strings(ids)

	nodes, err := t.source.GetNodes(ctx, tenantID, ids)
	if err != nil {
		return nil, errors.Wrap(err, "Traverser", "materialize", "load collected nodes")
	}

	present := make([]string, len(nodes))
	for i, node := range nodes {
		present[i] = node.ID
	}

	edges, err := t.source.EdgesAmong(ctx, tenantID, present)
	if err != nil {
		return nil, errors.Wrap(err, "Traverser", "materialize", "load edges")
	}

	return &Result{Nodes: nodes, Edges: edges}, nil
}
