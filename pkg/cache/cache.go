// Package cache provides generic, thread-safe in-process caches used as the
// L1 tier in front of the shared key-value cache boundary.
//
// Two eviction policies are offered:
//   - LRUCache: Least Recently Used eviction based on size
//   - TTLCache: Time-To-Live eviction based on expiry
//
// All implementations are thread-safe with built-in statistics (always
// enabled) and optional Prometheus metrics via functional options.
package cache

import (
	"time"

	"github.com/c360/orgmap/errors"
)

// Cache represents a generic cache interface that all implementations satisfy.
// The cache is parameterized by value type V for type safety.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the value and true if found,
	// zero value and false otherwise.
	Get(key string) (V, bool)

	// Set stores a value with the given key. Returns true if a new entry was
	// created, false if an existing one was updated.
	Set(key string, value V) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries from the cache.
	Clear() error

	// Size returns the current number of entries in the cache.
	Size() int

	// Keys returns a slice of all keys currently in the cache.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics

	// Close shuts down the cache and releases any background resources.
	Close() error
}

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

// Option configures cache behavior using the functional options pattern.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	metrics       *cacheMetrics
	metricsErr    error
	evictCallback EvictCallback[V]
}

// WithMetrics enables Prometheus metrics export for cache statistics.
// The component name is used as a const label so multiple caches can share
// the registry.
func WithMetrics[V any](registrar Registrar, component string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registrar == nil || component == "" {
			return
		}
		opts.metrics, opts.metricsErr = newCacheMetrics(registrar, component)
	}
}

// WithEvictionCallback sets a callback invoked when items are evicted.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

func applyOptions[V any](options ...Option[V]) (*cacheOptions[V], error) {
	opts := &cacheOptions[V]{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	if opts.metricsErr != nil {
		return nil, errors.WrapTransient(opts.metricsErr, "cache", "applyOptions", "metrics registration")
	}
	return opts, nil
}

// validateKey validates a cache key for basic requirements.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}

// Config contains cache tier configuration shared by components that own an
// L1 cache.
type Config struct {
	// Enabled determines if the L1 tier is used at all.
	Enabled bool `json:"enabled"`

	// MaxSize is the maximum number of entries (LRU caches).
	MaxSize int `json:"max_size"`

	// TTL is the time-to-live for entries (TTL caches).
	TTL time.Duration `json:"ttl"`

	// CleanupInterval is how often background cleanup runs (TTL caches).
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultConfig returns a default cache configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MaxSize:         1000,
		TTL:             time.Minute,
		CleanupInterval: 30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxSize < 0 {
		return errors.WrapInvalid(nil, "cache", "Validate", "max_size cannot be negative")
	}
	if c.TTL < 0 {
		return errors.WrapInvalid(nil, "cache", "Validate", "ttl cannot be negative")
	}
	if c.TTL > 0 && c.CleanupInterval <= 0 {
		return errors.WrapInvalid(nil, "cache", "Validate", "cleanup_interval must be positive when ttl is set")
	}
	return nil
}
