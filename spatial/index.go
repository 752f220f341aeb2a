// Package spatial answers coordinate queries over the tenant graph. The
// Index is authoritative and always consistent with the primary store; the
// Cache serves approximate viewport reads from the KV boundary with
// staleness bounded only by TTL.
package spatial

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/pkg/retry"
	"github.com/c360/orgmap/storage"
	"github.com/c360/orgmap/types/graph"
)

// Registrar registers prometheus collectors, satisfied by
// metric.MetricsRegistry.
type Registrar interface {
	RegisterCollector(component, name string, collector prometheus.Collector) error
}

// Index wraps the primary store's spatial queries with retry on transient
// failures and per-query latency metrics.
type Index struct {
	store   storage.Store
	retry   retry.Config
	logger  *slog.Logger
	latency *prometheus.HistogramVec
	queries *prometheus.CounterVec
}

// IndexOption configures an Index.
type IndexOption func(*Index) error

// WithIndexMetrics exports query counters and latency histograms.
func WithIndexMetrics(registrar Registrar) IndexOption {
	return func(idx *Index) error {
		idx.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orgmap",
			Subsystem: "spatial",
			Name:      "query_duration_seconds",
			Help:      "Latency of spatial index queries by operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"})
		idx.queries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgmap",
			Subsystem: "spatial",
			Name:      "queries_total",
			Help:      "Spatial index queries by operation and outcome",
		}, []string{"operation", "outcome"})

		if err := registrar.RegisterCollector("spatial_index", "query_duration_seconds", idx.latency); err != nil {
			return err
		}
		return registrar.RegisterCollector("spatial_index", "queries_total", idx.queries)
	}
}

// WithRetryConfig overrides the transient-failure retry policy.
func WithRetryConfig(config retry.Config) IndexOption {
	return func(idx *Index) error {
		idx.retry = config
		return nil
	}
}

// NewIndex constructs the authoritative spatial index over a store.
func NewIndex(store storage.Store, logger *slog.Logger, opts ...IndexOption) (*Index, error) {
	if store == nil {
		return nil, errors.WrapInvalid(nil, "Index", "NewIndex", "store cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	idx := &Index{
		store:  store,
		retry:  retry.Quick(),
		logger: logger,
	}
	for _, opt := range opts {
		if err := opt(idx); err != nil {
			return nil, errors.Wrap(err, "Index", "NewIndex", "apply option")
		}
	}
	return idx, nil
}

// observe records one query's latency and outcome when metrics are on.
func (idx *Index) observe(operation string, start time.Time, err error) {
	if idx.latency == nil {
		return
	}
	idx.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	idx.queries.WithLabelValues(operation, outcome).Inc()
}

// run executes op with retry on transient failures. Invalid and not-found
// errors abort immediately.
func (idx *Index) run(ctx context.Context, op func() error) error {
	return retry.Do(ctx, idx.retry, func() error {
		err := op()
		if err != nil && !errors.IsTransient(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
}

// QueryRadius returns positioned nodes within r of (cx, cy), ascending by
// (distance, id). An empty tenant yields an empty result, not an error.
func (idx *Index) QueryRadius(ctx context.Context, tenantID string, q storage.RadiusQuery) (results []storage.NodeDistance, err error) {
	defer idx.observe("radius", time.Now(), err)
	err = idx.run(ctx, func() error {
		var qerr error
		results, qerr = idx.store.QueryRadius(ctx, tenantID, q)
		return qerr
	})
	return results, err
}

// QueryViewport returns positioned nodes inside the closed rectangle,
// ascending by id.
func (idx *Index) QueryViewport(ctx context.Context, tenantID string, q storage.ViewportQuery) (nodes []*graph.Node, err error) {
	defer idx.observe("viewport", time.Now(), err)
	err = idx.run(ctx, func() error {
		var qerr error
		nodes, qerr = idx.store.QueryViewport(ctx, tenantID, q)
		return qerr
	})
	return nodes, err
}

// QueryNearest returns the closest positioned node, or nil for a tenant
// without positioned nodes.
func (idx *Index) QueryNearest(ctx context.Context, tenantID string, x, y float64) (nearest *storage.NodeDistance, err error) {
	defer idx.observe("nearest", time.Now(), err)
	err = idx.run(ctx, func() error {
		var qerr error
		nearest, qerr = idx.store.QueryNearest(ctx, tenantID, x, y)
		return qerr
	})
	return nearest, err
}

// UpdatePosition moves a node, updating coordinates and the derived grid
// cell atomically so readers never observe an inconsistent pair.
func (idx *Index) UpdatePosition(ctx context.Context, tenantID, id string, x, y float64) (node *graph.Node, err error) {
	defer idx.observe("update_position", time.Now(), err)
	err = idx.run(ctx, func() error {
		var uerr error
		node, uerr = idx.store.UpdatePosition(ctx, tenantID, id, x, y)
		return uerr
	})
	return node, err
}
