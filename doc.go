// Package orgmap provides the map-visualization subsystem for a multi-tenant
// organizational knowledge graph: a spatial index over node coordinates,
// tiered caches, bounded graph traversal, and a single HTTP read endpoint
// that assembles paginated map views.
//
// # Architecture
//
// Reads flow through three tiers, each one a best-effort accelerator for the
// tier below it:
//
//	┌─────────────────────────────────────┐
//	│           HTTP Gateway              │  GET/POST /api/v1/map
//	│  (tenant scoping, rate limiting)    │  /health, /metrics
//	└──────────────────┬──────────────────┘
//	                   ↓
//	┌─────────────────────────────────────┐
//	│           Map Service               │  Viewport, radius and
//	│  (assembly, filters, pagination)    │  expand modes; cursors
//	└───────┬──────────┬──────────┬───────┘
//	        ↓          ↓          ↓
//	┌───────────┐ ┌─────────┐ ┌──────────┐
//	│  Spatial  │ │Traversal│ │ Spatial  │
//	│   Cache   │ │  (BFS)  │ │  Index   │
//	└─────┬─────┘ └────┬────┘ └─────┬────┘
//	      ↓            ↓            ↓
//	 NATS JetStream KV         SQLite store
//	 (grid cells, adjacency)   (nodes, edges, grid index)
//
// The SQLite store is the only authority. Everything in the KV tier is a
// TTL-bound projection: cache failures degrade to store reads, never to
// request failures, and a cold cache changes latency, not results.
//
// # Tenancy
//
// Every node, edge, cache key and query carries a tenant identifier. Reads
// never cross tenants, and a node that exists under another tenant is
// indistinguishable from one that does not exist at all.
//
// # Packages
//
// Domain:
//   - types/graph: node, edge and map-view types shared across packages
//   - storage: SQLite persistence with a grid-bucketed spatial index
//   - spatial: query layer over the index plus the KV cell cache
//   - traversal: bounded-depth BFS with a tiered neighbor cache
//   - mapservice: view assembly, filtering and cursor pagination
//   - synchronizer: projection of upstream entities into graph nodes
//   - gateway: HTTP surface
//
// Infrastructure:
//   - natsclient: NATS connection and JetStream KV management
//   - config: layered configuration (defaults, file, environment)
//   - metric: Prometheus metrics registry
//   - errors: structured error handling
//   - health: health check system
//
// Utilities:
//   - pkg/cache: in-process TTL and LRU caches
//   - pkg/retry: retry policies
//   - pkg/worker: worker pools
//
// # Binary
//
// cmd/orgmapd wires the packages into the service daemon:
//
//	# Run with defaults (SQLite in the working directory, local NATS)
//	./bin/orgmapd
//
//	# Run with a config file
//	./bin/orgmapd --config /etc/orgmap/config.json
//
// A NATS outage at startup is not fatal: the daemon serves uncached reads
// and reports the cache tier as degraded on /health.
package orgmap
