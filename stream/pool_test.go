package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftsync.dev/entity"
	"driftsync.dev/source"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func feed(n int) chan source.Result {
	ch := make(chan source.Result, n)
	for i := 0; i < n; i++ {
		ch <- source.Result{Entity: &entity.Entity{ID: fmt.Sprintf("e-%d", i), Type: "issue"}}
	}
	close(ch)
	return ch
}

func TestPoolProcessesAll(t *testing.T) {
	pool := NewPool(4, testLog())
	var count atomic.Int64
	var mu sync.Mutex
	seen := map[string]bool{}

	err := pool.Run(context.Background(), feed(100), func(_ context.Context, e *entity.Entity) error {
		count.Add(1)
		mu.Lock()
		seen[e.ID] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), count.Load())
	assert.Len(t, seen, 100)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const workers = 3
	pool := NewPool(workers, testLog())
	var inFlight, peak atomic.Int64

	err := pool.Run(context.Background(), feed(50), func(_ context.Context, _ *entity.Entity) error {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int64(workers))
}

func TestPoolBackpressuresSlowProcessing(t *testing.T) {
	const workers = 2
	pool := NewPool(workers, testLog())
	results := make(chan source.Result, 50)
	for i := 0; i < 50; i++ {
		results <- source.Result{Entity: &entity.Entity{ID: fmt.Sprintf("e-%d", i)}}
	}
	close(results)

	gate := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- pool.Run(context.Background(), results, func(_ context.Context, _ *entity.Entity) error {
			<-gate
			return nil
		})
	}()

	// with everything blocked, admission stops at 2x workers plus the one
	// result held by the pump loop
	time.Sleep(100 * time.Millisecond)
	pulled := 50 - len(results)
	assert.LessOrEqual(t, pulled, 2*workers+1)

	close(gate)
	require.NoError(t, <-done)
	assert.Empty(t, results)
}

func TestPoolFatalErrorStopsRun(t *testing.T) {
	pool := NewPool(2, testLog())
	boom := errors.New("destination write failed")
	var processed atomic.Int64

	err := pool.Run(context.Background(), feed(200), func(_ context.Context, e *entity.Entity) error {
		if e.ID == "e-5" {
			return boom
		}
		processed.Add(1)
		time.Sleep(time.Millisecond)
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Less(t, processed.Load(), int64(200), "run stopped before draining the whole stream")
}

func TestPoolRecoversWorkerPanic(t *testing.T) {
	pool := NewPool(2, testLog())
	err := pool.Run(context.Background(), feed(20), func(_ context.Context, e *entity.Entity) error {
		if e.ID == "e-3" {
			panic("nil map write")
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Contains(t, err.Error(), "e-3")
}

func TestPoolSourceErrorIsFatal(t *testing.T) {
	results := make(chan source.Result, 2)
	results <- source.Result{Entity: &entity.Entity{ID: "ok"}}
	results <- source.Result{Err: errors.New("token expired")}
	close(results)

	pool := NewPool(2, testLog())
	err := pool.Run(context.Background(), results, func(_ context.Context, _ *entity.Entity) error {
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read source")
}

func TestPoolCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan source.Result) // unbuffered, never closed
	pool := NewPool(2, testLog())

	done := make(chan error, 1)
	go func() {
		done <- pool.Run(ctx, results, func(_ context.Context, _ *entity.Entity) error {
			return nil
		})
	}()

	results <- source.Result{Entity: &entity.Entity{ID: "a"}}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancellation")
	}
}

func TestNewPoolDefaults(t *testing.T) {
	assert.Equal(t, DefaultMaxWorkers, NewPool(0, testLog()).MaxWorkers())
	assert.Equal(t, 7, NewPool(7, testLog()).MaxWorkers())
}

func TestHelperPool(t *testing.T) {
	pool := NewHelperPool()
	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, pool.Do(context.Background(), func() { ran.Add(1) }))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(32), ran.Load())
}
