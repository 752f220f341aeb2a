// Package traversal expands a start node into its bounded multi-hop
// neighborhood, tenant-isolated. Adjacency reads go through a two-tier
// neighbor cache with the primary store as the authoritative fallback.
package traversal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/natsclient"
	"github.com/c360/orgmap/pkg/cache"
)

// KeyValuer is the slice of the KV boundary the neighbor cache consumes,
// satisfied by natsclient.KVStore.
type KeyValuer interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// Registrar registers prometheus collectors, satisfied by
// metric.MetricsRegistry.
type Registrar interface {
	RegisterCollector(component, name string, collector prometheus.Collector) error
}

// Neighbors maps a relationship label to the ids reachable over it.
type Neighbors map[string][]string

// neighborEntry is the stored shape of one adjacency set. ExpiresAt is
// authoritative over the bucket's MaxAge backstop.
type neighborEntry struct {
	ExpiresAt time.Time `json:"expires_at"`
	Neighbors Neighbors `json:"neighbors"`
}

// NeighborCacheConfig holds neighbor cache settings.
type NeighborCacheConfig struct {
	// TTL bounds entry staleness in both tiers.
	TTL time.Duration `json:"ttl"`

	// L1CleanupInterval drives the in-process tier's expiry sweep.
	L1CleanupInterval time.Duration `json:"l1_cleanup_interval"`
}

// DefaultNeighborCacheConfig returns sensible neighbor cache defaults.
func DefaultNeighborCacheConfig() NeighborCacheConfig {
	return NeighborCacheConfig{
		TTL:               2 * time.Minute,
		L1CleanupInterval: 30 * time.Second,
	}
}

// Validate checks neighbor cache settings.
func (c NeighborCacheConfig) Validate() error {
	if c.TTL <= 0 {
		return errors.WrapInvalid(nil, "traversal", "Validate", "ttl must be positive")
	}
	if c.L1CleanupInterval <= 0 {
		return errors.WrapInvalid(nil, "traversal", "Validate", "l1_cleanup_interval must be positive")
	}
	return nil
}

// NeighborCache caches per-(tenant, node, depth) adjacency sets: an
// in-process TTL tier in front of the shared KV tier. A miss anywhere means
// "recompute", never "no neighbors" — an empty adjacency is a valid cached
// value. Every failure path degrades to a miss.
type NeighborCache struct {
	l1     *cache.TTLCache[Neighbors]
	kv     KeyValuer
	config NeighborCacheConfig
	logger *slog.Logger

	lookups *prometheus.CounterVec
}

// NeighborCacheOption configures a NeighborCache.
type NeighborCacheOption func(*NeighborCache) error

// WithNeighborCacheMetrics exports tiered hit/miss counters.
func WithNeighborCacheMetrics(registrar Registrar) NeighborCacheOption {
	return func(nc *NeighborCache) error {
		nc.lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgmap",
			Subsystem: "traversal",
			Name:      "neighbor_cache_lookups_total",
			Help:      "Neighbor cache lookups by outcome",
		}, []string{"outcome"})
		return registrar.RegisterCollector("neighbor_cache", "neighbor_cache_lookups_total", nc.lookups)
	}
}

// NewNeighborCache constructs the two-tier neighbor cache. The context
// bounds the in-process tier's cleanup goroutine.
func NewNeighborCache(ctx context.Context, kv KeyValuer, config NeighborCacheConfig, logger *slog.Logger, opts ...NeighborCacheOption) (*NeighborCache, error) {
	if kv == nil {
		return nil, errors.WrapInvalid(nil, "NeighborCache", "NewNeighborCache", "kv store cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	l1, err := cache.NewTTL[Neighbors](ctx, config.TTL, config.L1CleanupInterval)
	if err != nil {
		return nil, errors.Wrap(err, "NeighborCache", "NewNeighborCache", "create in-process tier")
	}

	nc := &NeighborCache{
		l1:     l1,
		kv:     kv,
		config: config,
		logger: logger,
	}
	for _, opt := range opts {
		if err := opt(nc); err != nil {
			return nil, errors.Wrap(err, "NeighborCache", "NewNeighborCache", "apply option")
		}
	}
	return nc, nil
}

// Close releases the in-process tier.
func (nc *NeighborCache) Close() error {
	return nc.l1.Close()
}

func neighborKey(tenantID, nodeID string, depth int) string {
	return fmt.Sprintf("nbr.%s.%s.%d", tenantID, nodeID, depth)
}

func (nc *NeighborCache) count(outcome string) {
	if nc.lookups != nil {
		nc.lookups.WithLabelValues(outcome).Inc()
	}
}

// Get returns the cached adjacency for (tenant, node, depth), and false on
// a miss. The caller must recompute on a miss; a hit with an empty mapping
// means the node genuinely has no neighbors.
func (nc *NeighborCache) Get(ctx context.Context, tenantID, nodeID string, depth int) (Neighbors, bool) {
	key := neighborKey(tenantID, nodeID, depth)

	if neighbors, ok := nc.l1.Get(key); ok {
		nc.count("l1_hit")
		return neighbors, true
	}

	entry, err := nc.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, natsclient.ErrKVKeyNotFound) {
			nc.logger.Warn("neighbor cache read failed", "key", key, "error", err)
			nc.count("error")
		} else {
			nc.count("miss")
		}
		return nil, false
	}

	var stored neighborEntry
	if err := json.Unmarshal(entry.Value, &stored); err != nil {
		nc.logger.Warn("neighbor cache entry corrupt", "key", key, "error", err)
		nc.count("error")
		return nil, false
	}

	remaining := time.Until(stored.ExpiresAt)
	if remaining <= 0 {
		nc.count("expired")
		return nil, false
	}
	if stored.Neighbors == nil {
		stored.Neighbors = Neighbors{}
	}

	// Promote to the in-process tier for the entry's remaining lifetime.
	if _, err := nc.l1.SetWithTTL(key, stored.Neighbors, remaining); err != nil {
		nc.logger.Warn("neighbor cache promote failed", "key", key, "error", err)
	}

	nc.count("l2_hit")
	return stored.Neighbors, true
}

// Set stores an adjacency set in both tiers with the given ttl (the
// configured TTL when ttl <= 0). KV failures are logged and swallowed; the
// cache is best-effort.
func (nc *NeighborCache) Set(ctx context.Context, tenantID, nodeID string, depth int, neighbors Neighbors, ttl time.Duration) {
	if ttl <= 0 {
		ttl = nc.config.TTL
	}
	if neighbors == nil {
		neighbors = Neighbors{}
	}
	key := neighborKey(tenantID, nodeID, depth)

	if _, err := nc.l1.SetWithTTL(key, neighbors, ttl); err != nil {
		nc.logger.Warn("neighbor cache local write failed", "key", key, "error", err)
	}

	value, err := json.Marshal(neighborEntry{
		ExpiresAt: time.Now().Add(ttl).UTC(),
		Neighbors: neighbors,
	})
	if err != nil {
		nc.logger.Warn("neighbor cache encode failed", "key", key, "error", err)
		return
	}
	if _, err := nc.kv.Put(ctx, key, value); err != nil {
		nc.logger.Warn("neighbor cache shared write failed", "key", key, "error", err)
	}
}
