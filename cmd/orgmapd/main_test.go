package main

import (
	"context"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/orgmap/natsclient"
	"github.com/c360/orgmap/traversal"
)

type nopKV struct{}

func (nopKV) Get(_ context.Context, _ string) (*natsclient.KVEntry, error) {
	return nil, natsclient.ErrKVKeyNotFound
}

func (nopKV) Put(_ context.Context, _ string, _ []byte) (uint64, error) {
	return 0, nil
}

func TestCacheDepsCloseStopsNeighborCache(t *testing.T) {
	before := runtime.NumGoroutine()

	nc, err := traversal.NewNeighborCache(context.Background(), nopKV{},
		traversal.DefaultNeighborCacheConfig(), nil)
	require.NoError(t, err)

	d := &cacheDeps{neighborCache: nc}
	d.close(slog.Default())

	// The neighbor cache's cleanup goroutine must be gone after close.
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.LessOrEqual(t, runtime.NumGoroutine(), before)
}

func TestCacheDepsCloseHandlesNilTiers(t *testing.T) {
	d := &cacheDeps{}
	d.close(slog.Default())
}
