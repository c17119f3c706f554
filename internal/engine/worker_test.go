package engine

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

func job(name string, fn func(ctx context.Context) error) Job {
	return Job{Name: name, Run: fn}
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	pool := NewWorkerPool(3, nil)
	defer pool.Shutdown()

	var current, maxConcurrent int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), job("w", func(context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})))
	}
	pool.Wait()

	assert.LessOrEqual(t, maxConcurrent, int64(3))
	assert.Positive(t, maxConcurrent)
	assert.Equal(t, int64(10), pool.Metrics().Completed)
	assert.Equal(t, 3, pool.Size())
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), job("first", func(context.Context) error {
		close(started)
		<-block
		return nil
	})))
	<-started

	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), job("second", func(context.Context) error { return nil }))
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("second submit should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("second submit did not unblock")
	}
	pool.Wait()
}

func TestWorkerPool_PanicReportedToHandler(t *testing.T) {
	var got []string
	var mu sync.Mutex
	pool := NewWorkerPool(2, func(j Job, err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, j.Name+": "+err.Error())
	})
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), job("compile", func(context.Context) error {
		panic("boom")
	})))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "compile")
	assert.Contains(t, got[0], "boom")

	var ran int64
	require.NoError(t, pool.Submit(context.Background(), job("after", func(context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})))
	pool.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}

func TestWorkerPool_ContextCancellation(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), job("hold", func(context.Context) error {
		<-block
		return nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, job("waiting", func(context.Context) error { return nil }))
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("submit did not return after cancellation")
	}
	close(block)
	pool.Wait()
}

func TestWorkerPool_ShutdownDrainsAndRejects(t *testing.T) {
	pool := NewWorkerPool(2, nil)

	var completed int64
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(context.Background(), job("w", func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		})))
	}
	pool.Shutdown()
	assert.Equal(t, int64(5), atomic.LoadInt64(&completed))

	err := pool.Submit(context.Background(), job("late", func(context.Context) error { return nil }))
	assert.ErrorIs(t, err, ErrPoolShutdown)

	assert.NotPanics(t, pool.Shutdown)
}

func TestWorkerPool_MetricsAccuracy(t *testing.T) {
	pool := NewWorkerPool(4, nil)
	defer pool.Shutdown()

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), job("ok", func(context.Context) error { return nil })))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(context.Background(), job("bad", func(context.Context) error {
			return errors.New("intentional")
		})))
	}
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(3), m.Completed)
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(0), m.Active)
}
