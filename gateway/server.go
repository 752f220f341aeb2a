// Package gateway exposes the map read API over HTTP, plus the health and
// metrics endpoints. Authentication happens upstream; the gateway trusts
// the tenant header the auth layer injects.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/health"
	"github.com/c360/orgmap/mapservice"
	"github.com/c360/orgmap/pkg/cache"
)

// TenantHeader carries the tenant id resolved by the upstream auth layer.
const TenantHeader = "X-Tenant-ID"

// RequestIDHeader carries the request id, inbound or generated.
const RequestIDHeader = "X-Request-ID"

// Config holds gateway settings.
type Config struct {
	Addr            string        `json:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// RateLimit is requests per second per tenant; RateBurst the bucket size.
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`
}

// Validate checks gateway settings.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "gateway", "Validate", "addr is required")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return errors.WrapInvalid(nil, "gateway", "Validate", "rate limit and burst must be positive")
	}
	return nil
}

// Server is the HTTP gateway.
type Server struct {
	config  Config
	service *mapservice.Service
	monitor *health.Monitor
	metrics http.Handler
	logger  *slog.Logger

	httpServer *http.Server

	mu       sync.Mutex
	limiters *cache.LRUCache[*rate.Limiter]
}

// maxTrackedTenants bounds the limiter cache; an evicted tenant simply gets
// a fresh token bucket on its next request.
const maxTrackedTenants = 10000

// New constructs the gateway. metricsHandler may be nil to disable
// /metrics; monitor may be nil to reduce /health to a liveness probe.
func New(config Config, service *mapservice.Service, monitor *health.Monitor, metricsHandler http.Handler, logger *slog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if service == nil {
		return nil, errors.WrapInvalid(nil, "Server", "New", "map service cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiters, err := cache.NewLRU[*rate.Limiter](maxTrackedTenants)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:   config,
		service:  service,
		monitor:  monitor,
		metrics:  metricsHandler,
		logger:   logger,
		limiters: limiters,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/map", s.withMiddleware(s.handleGetMap))
	mux.HandleFunc("POST /api/v1/map", s.withMiddleware(s.handleGetMap))
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s, nil
}

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "addr", s.config.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WrapTransient(err, "Server", "Start", "serve")
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

// limiter returns the tenant's token bucket, creating it on first use. The
// mutex covers the get-or-create so concurrent first requests share one
// bucket.
func (s *Server) limiter(tenantID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.limiters.Get(tenantID); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.RateBurst)
	_, _ = s.limiters.Set(tenantID, l)
	return l
}
