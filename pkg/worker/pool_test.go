package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesWork(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]bool)

	pool, err := NewPool(2, 16, func(_ context.Context, n int) error {
		mu.Lock()
		seen[n] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))

	assert.Len(t, seen, 10)
	assert.Equal(t, int64(10), pool.Stats().Processed)
}

func TestPoolRequiresProcessor(t *testing.T) {
	_, err := NewPool[int](1, 1, nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestPoolSubmitBeforeStart(t *testing.T) {
	pool, err := NewPool(1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, err)

	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
}

func TestPoolDoubleStart(t *testing.T) {
	pool, err := NewPool(1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	defer func() { _ = pool.Stop(time.Second) }()

	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool, err := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue
	require.NoError(t, pool.Submit(1))
	var dropped bool
	for i := 0; i < 10; i++ {
		if err := pool.Submit(i); errors.Is(err, ErrQueueFull) {
			dropped = true
			break
		}
	}
	assert.True(t, dropped, "queue should eventually report full")
	assert.Greater(t, pool.Stats().Dropped, int64(0))

	close(block)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolCountsFailures(t *testing.T) {
	var calls atomic.Int64
	pool, err := NewPool(1, 8, func(context.Context, int) error {
		calls.Add(1)
		return errors.New("boom")
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(1))
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), pool.Stats().Failed)
}

func TestPoolConcurrentSubmitAndStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		pool, err := NewPool(2, 4, func(context.Context, int) error { return nil })
		require.NoError(t, err)
		require.NoError(t, pool.Start(context.Background()))

		var wg sync.WaitGroup
		start := make(chan struct{})
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for n := 0; n < 20; n++ {
					// Every outcome is acceptable; a send on a closed
					// queue would panic and fail the test.
					_ = pool.Submit(n)
				}
			}()
		}

		close(start)
		require.NoError(t, pool.Stop(time.Second))
		wg.Wait()
	}
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool, err := NewPool(1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))

	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
}
