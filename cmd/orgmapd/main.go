// Package main implements the entry point for orgmapd, the organizational
// map service. It serves spatial and relationship views over the tenant
// knowledge graph through a single HTTP read endpoint, backed by a SQLite
// primary store and NATS JetStream KV cache tiers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/orgmap/config"
	"github.com/c360/orgmap/gateway"
	"github.com/c360/orgmap/health"
	"github.com/c360/orgmap/mapservice"
	"github.com/c360/orgmap/metric"
	"github.com/c360/orgmap/natsclient"
	"github.com/c360/orgmap/spatial"
	"github.com/c360/orgmap/storage"
	"github.com/c360/orgmap/traversal"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "orgmapd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg, cliCfg)

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting orgmapd",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	ctx := context.Background()

	store, err := storage.Open(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	metricsRegistry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor(2 * time.Second)
	monitor.RegisterCheck("store", func(ctx context.Context) health.Status {
		return health.FromError("store", store.Ping(ctx))
	})

	deps, err := setupCaches(ctx, cfg, logger, metricsRegistry, monitor)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	index, err := spatial.NewIndex(store, logger, spatial.WithIndexMetrics(metricsRegistry))
	if err != nil {
		return fmt.Errorf("create spatial index: %w", err)
	}

	traverser, err := traversal.NewTraverser(store, deps.neighborCache, cfg.Traversal, logger,
		traversal.WithTraverserMetrics(metricsRegistry))
	if err != nil {
		return fmt.Errorf("create traverser: %w", err)
	}

	service, err := mapservice.New(store, index, deps.spatialCache, traverser, cfg.Map, logger,
		mapservice.WithMetrics(metricsRegistry))
	if err != nil {
		return fmt.Errorf("create map service: %w", err)
	}

	server, err := gateway.New(gateway.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
	}, service, monitor, metricsRegistry.Handler(), logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return runWithSignalHandling(ctx, server)
}

// cacheDeps holds the optional NATS-backed cache tier. All fields are nil
// when NATS is unreachable at startup; the service then serves every read
// from the primary store.
type cacheDeps struct {
	natsClient    *natsclient.Client
	spatialCache  *spatial.Cache
	neighborCache *traversal.NeighborCache
}

func (d *cacheDeps) close(logger *slog.Logger) {
	if d.spatialCache != nil {
		if err := d.spatialCache.Close(); err != nil {
			logger.Warn("spatial cache close", "error", err)
		}
	}
	if d.neighborCache != nil {
		if err := d.neighborCache.Close(); err != nil {
			logger.Warn("neighbor cache close", "error", err)
		}
	}
	if d.natsClient != nil {
		if err := d.natsClient.Close(); err != nil {
			logger.Warn("nats close", "error", err)
		}
	}
}

// setupCaches connects to NATS and builds the cache tier. A NATS outage at
// startup degrades to an uncached service rather than failing the boot; the
// health endpoint reports the degraded tier.
func setupCaches(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
	monitor *health.Monitor,
) (*cacheDeps, error) {
	deps := &cacheDeps{}

	natsClient, err := natsclient.New(cfg.NATS, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.NATS.ConnectTimeout)
	defer cancel()
	if err := natsClient.Connect(connectCtx); err != nil {
		logger.Warn("nats unavailable, serving without cache tier", "error", err)
		monitor.UpdateDegraded("cache", "nats unreachable at startup")
		return deps, nil
	}
	deps.natsClient = natsClient

	bucket, err := natsClient.EnsureBucket(ctx, cfg.CacheBucket, cfg.BucketMaxAge)
	if err != nil {
		logger.Warn("cache bucket unavailable, serving without cache tier", "error", err)
		monitor.UpdateDegraded("cache", "cache bucket unavailable at startup")
		return deps, nil
	}
	kvStore := natsClient.NewKVStore(bucket)

	spatialCache, err := spatial.NewCache(ctx, kvStore, cfg.SpatialCache, logger,
		spatial.WithCacheMetrics(metricsRegistry))
	if err != nil {
		return nil, fmt.Errorf("create spatial cache: %w", err)
	}
	deps.spatialCache = spatialCache

	neighborCache, err := traversal.NewNeighborCache(ctx, kvStore, cfg.NeighborCache, logger,
		traversal.WithNeighborCacheMetrics(metricsRegistry))
	if err != nil {
		return nil, fmt.Errorf("create neighbor cache: %w", err)
	}
	deps.neighborCache = neighborCache

	monitor.RegisterCheck("nats", func(context.Context) health.Status {
		if natsClient.IsConnected() {
			return health.NewHealthy("nats", "connected")
		}
		return health.NewDegraded("nats", "disconnected, cache tier cold")
	})
	monitor.RegisterCheck("cache-pool", func(context.Context) health.Status {
		stats := spatialCache.PoolStats()
		if stats.QueueDepth >= stats.QueueSize {
			return health.NewDegraded("cache-pool", "population queue full, jobs dropping")
		}
		return health.NewHealthy("cache-pool",
			fmt.Sprintf("%d/%d queued", stats.QueueDepth, stats.QueueSize))
	})

	return deps, nil
}

// runWithSignalHandling serves until SIGINT or SIGTERM, then drains.
func runWithSignalHandling(ctx context.Context, server *gateway.Server) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-signalCtx.Done():
	}

	slog.Info("Received shutdown signal")
	if err := server.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("orgmapd shutdown complete")
	return nil
}
