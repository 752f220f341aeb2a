package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/orgmap/errors"
)

// ErrKVKeyNotFound normalizes the bucket's absent-key errors; read-path
// callers treat it as a cache miss.
var ErrKVKeyNotFound = stderrors.New("kv key not found")

// KVOptions configures KV operation behavior.
type KVOptions struct {
	Timeout      time.Duration // Per-operation timeout
	MaxValueSize int           // Maximum value size in bytes
	MaxParallel  int           // Concurrency cap for batched multi-get
}

// DefaultKVOptions returns defaults tuned for cache-entry workloads.
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout:      2 * time.Second,
		MaxValueSize: 1024 * 1024,
		MaxParallel:  16,
	}
}

// KVEntry is a KV value with its revision.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVStore provides high-level KV operations with timeouts and batched reads.
// Every operation carries the configured timeout; callers on the read path
// treat any returned error as a cache miss.
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
}

// NewKVStore wraps a KV bucket with operation defaults.
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &KVStore{
		bucket:  bucket,
		options: options,
	}
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if isKVNotFound(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}

	return &KVEntry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// GetMany fetches multiple keys as one batched round trip. Missing keys are
// simply absent from the result; any other error aborts the batch.
func (kv *KVStore) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	results := make([][]byte, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(kv.options.MaxParallel)
	for i, key := range keys {
		g.Go(func() error {
			entry, err := kv.bucket.Get(gctx, key)
			if err != nil {
				if isKVNotFound(err) {
					return nil
				}
				return fmt.Errorf("kv get %s: %w", key, err)
			}
			results[i] = entry.Value()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(keys))
	for i, key := range keys {
		if results[i] != nil {
			out[key] = results[i]
		}
	}
	return out, nil
}

// Put creates or updates a key without a revision check (last writer wins).
// Cache cell writes recompute full membership from their own input, so
// concurrent writers are commutative and CAS is unnecessary.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return 0, errors.WrapInvalid(nil, "KVStore", "Put",
			fmt.Sprintf("value size %d exceeds maximum %d", len(value), kv.options.MaxValueSize))
	}

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

func isKVNotFound(err error) bool {
	return stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyDeleted) ||
		stderrors.Is(err, ErrKVKeyNotFound)
}
