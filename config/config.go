// Package config loads the service configuration: defaults, an optional
// JSON file, then environment overrides, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/mapservice"
	"github.com/c360/orgmap/natsclient"
	"github.com/c360/orgmap/spatial"
	"github.com/c360/orgmap/storage"
	"github.com/c360/orgmap/traversal"
)

// EnvPrefix namespaces the environment overrides.
const EnvPrefix = "ORGMAP"

// ServerConfig holds the HTTP gateway settings.
type ServerConfig struct {
	Addr            string        `json:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// RateLimit and RateBurst shape the per-tenant token bucket on the map
	// endpoint. RateLimit is requests per second.
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`
}

// LoggingConfig holds slog settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// Config is the complete service configuration.
type Config struct {
	Server        ServerConfig                  `json:"server"`
	Logging       LoggingConfig                 `json:"logging"`
	Store         storage.Config                `json:"store"`
	NATS          natsclient.Config             `json:"nats"`
	SpatialCache  spatial.CacheConfig           `json:"spatial_cache"`
	NeighborCache traversal.NeighborCacheConfig `json:"neighbor_cache"`
	Traversal     traversal.Limits              `json:"traversal"`
	Map           mapservice.Config             `json:"map"`

	// CacheBucket names the JetStream KV bucket holding spatial and
	// neighbor entries; BucketMaxAge is the server-side staleness backstop.
	CacheBucket  string        `json:"cache_bucket"`
	BucketMaxAge time.Duration `json:"bucket_max_age"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store:         storage.DefaultStoreConfig(),
		NATS:          natsclient.DefaultConfig(),
		SpatialCache:  spatial.DefaultCacheConfig(),
		NeighborCache: traversal.DefaultNeighborCacheConfig(),
		Traversal:     traversal.DefaultLimits(),
		Map:           mapservice.DefaultConfig(),
		CacheBucket:   "orgmap-cache",
		BucketMaxAge:  30 * time.Minute,
	}
}

// Load builds the configuration: defaults, then the JSON file at path (when
// path is non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(EnvPrefix + "_ADDR"); val != "" {
		cfg.Server.Addr = val
	}
	if val := os.Getenv(EnvPrefix + "_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv(EnvPrefix + "_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	if val := os.Getenv(EnvPrefix + "_STORE_PATH"); val != "" {
		cfg.Store.Path = val
	}
	if val := os.Getenv(EnvPrefix + "_NATS_URL"); val != "" {
		cfg.NATS.URL = val
	}
	if val := os.Getenv(EnvPrefix + "_CACHE_BUCKET"); val != "" {
		cfg.CacheBucket = val
	}
	if val := os.Getenv(EnvPrefix + "_RATE_LIMIT"); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil && parsed > 0 {
			cfg.Server.RateLimit = parsed
		}
	}
	if val := os.Getenv(EnvPrefix + "_CELL_SIZE"); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil && parsed > 0 {
			cfg.Store.CellSize = parsed
			cfg.SpatialCache.CellSize = parsed
		}
	}
}

// Validate checks the whole configuration, delegating to each section.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "server addr is required")
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst <= 0 {
		return errors.WrapInvalid(nil, "config", "Validate", "rate limit and burst must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(nil, "config", "Validate",
			fmt.Sprintf("unknown log level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return errors.WrapInvalid(nil, "config", "Validate",
			fmt.Sprintf("unknown log format %q", c.Logging.Format))
	}

	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.NATS.Validate(); err != nil {
		return err
	}
	if err := c.SpatialCache.Validate(); err != nil {
		return err
	}
	if err := c.NeighborCache.Validate(); err != nil {
		return err
	}
	if err := c.Traversal.Validate(); err != nil {
		return err
	}
	if err := c.Map.Validate(); err != nil {
		return err
	}

	if c.CacheBucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "cache_bucket is required")
	}
	if c.BucketMaxAge <= 0 {
		return errors.WrapInvalid(nil, "config", "Validate", "bucket_max_age must be positive")
	}

	// The cache and the store must partition space identically, or cursor
	// and cell semantics drift between tiers.
	if c.SpatialCache.CellSize != c.Store.CellSize {
		return errors.WrapInvalid(nil, "config", "Validate",
			"spatial_cache.cell_size must equal store.cell_size")
	}
	return nil
}
