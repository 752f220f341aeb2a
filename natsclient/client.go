// Package natsclient manages the NATS connection and JetStream key-value
// buckets backing the shared cache tier. The primary store never lives here;
// everything in these buckets is a TTL-bound, best-effort projection.
package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/orgmap/errors"
)

// Config holds NATS connection settings.
type Config struct {
	URL            string        `json:"url"`
	Name           string        `json:"name"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	MaxReconnects  int           `json:"max_reconnects"`
	ReconnectWait  time.Duration `json:"reconnect_wait"`
}

// DefaultConfig returns sensible connection defaults.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "orgmap",
		ConnectTimeout: 5 * time.Second,
		MaxReconnects:  -1, // Keep reconnecting
		ReconnectWait:  2 * time.Second,
	}
}

// Validate checks connection settings.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "natsclient", "Validate", "url is required")
	}
	if c.ConnectTimeout <= 0 {
		return errors.WrapInvalid(nil, "natsclient", "Validate", "connect_timeout must be positive")
	}
	return nil
}

// Client manages a NATS connection and its JetStream context.
type Client struct {
	config Config
	logger *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
}

// New creates a client without connecting. Call Connect before use.
func New(config Config, logger *slog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config: config,
		logger: logger,
	}, nil
}

// Connect establishes the NATS connection and JetStream context.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	opts := []nats.Option{
		nats.Name(c.config.Name),
		nats.Timeout(c.config.ConnectTimeout),
		nats.MaxReconnects(c.config.MaxReconnects),
		nats.ReconnectWait(c.config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(c.config.URL, opts...)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "nats connect")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapTransient(err, "Client", "Connect", "jetstream context")
	}

	c.conn = conn
	c.js = js
	c.logger.Info("nats connected", "url", conn.ConnectedUrl())

	// Bounded wait for the connection to settle
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// IsConnected reports whether the underlying connection is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// EnsureBucket creates the named KV bucket if it does not exist and returns
// it. The bucket TTL is a backstop for entry expiry; callers also embed
// absolute expiries in values.
func (c *Client) EnsureBucket(ctx context.Context, name string, maxAge time.Duration) (jetstream.KeyValue, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "EnsureBucket", "jetstream not initialized")
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: name,
		TTL:    maxAge,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureBucket", "create bucket "+name)
	}
	return bucket, nil
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		c.conn = nil
		return errors.WrapTransient(err, "Client", "Close", "drain")
	}
	c.conn = nil
	return nil
}
