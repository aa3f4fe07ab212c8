// Package stream runs a bounded worker pool over a source's entity channel.
// Concurrency is capped by a weighted semaphore and admission is capped at
// twice the worker count, so a slow destination applies backpressure all the
// way to the source reader instead of buffering the whole upstream in memory.
package stream

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"driftsync.dev/entity"
	"driftsync.dev/source"
)

const (
	// DefaultMaxWorkers bounds concurrent entity processing per run.
	DefaultMaxWorkers = 10

	// drainTimeout caps how long Run waits for in-flight entities after the
	// input closes or the run is cancelled.
	drainTimeout = 60 * time.Second
)

// ProcessFunc handles one entity. A non-nil error is fatal to the run;
// per-entity problems that should not stop the stream are handled (and
// counted) inside the func itself.
type ProcessFunc func(ctx context.Context, e *entity.Entity) error

// Pool is a reusable bounded executor for entity streams.
type Pool struct {
	maxWorkers int
	sem        *semaphore.Weighted
	log        *logrus.Entry
}

// NewPool builds a pool with the given concurrency cap. Non-positive caps
// fall back to DefaultMaxWorkers.
func NewPool(maxWorkers int, log *logrus.Entry) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Pool{
		maxWorkers: maxWorkers,
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
		log:        log,
	}
}

// MaxWorkers reports the concurrency cap.
func (p *Pool) MaxWorkers() int { return p.maxWorkers }

// Run drains results through process until the channel closes, the context
// is cancelled, or a fatal error occurs. On a fatal error the remaining
// input is discarded and in-flight work is allowed to finish.
func (p *Pool) Run(ctx context.Context, results <-chan source.Result, process ProcessFunc) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		fatalErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			fatalErr = err
			cancel()
		})
	}

	// admitted tokens: running plus waiting tasks, at most 2x the worker cap
	admitted := make(chan struct{}, 2*p.maxWorkers)

pump:
	for {
		select {
		case <-runCtx.Done():
			break pump
		case res, ok := <-results:
			if !ok {
				break pump
			}
			if res.Err != nil {
				fail(fmt.Errorf("stream: read source: %w", res.Err))
				break pump
			}
			select {
			case admitted <- struct{}{}:
			case <-runCtx.Done():
				break pump
			}
			wg.Add(1)
			go func(e *entity.Entity) {
				defer wg.Done()
				defer func() { <-admitted }()
				defer func() {
					if r := recover(); r != nil {
						p.log.WithField("entity_id", e.ID).Errorf("worker panic: %v", r)
						fail(fmt.Errorf("stream: panic processing entity %s: %v", e.ID, r))
					}
				}()
				if err := p.sem.Acquire(runCtx, 1); err != nil {
					return
				}
				defer p.sem.Release(1)
				if err := process(runCtx, e); err != nil {
					fail(err)
				}
			}(res.Entity)
		}
	}

	if err := waitWithTimeout(&wg, drainTimeout); err != nil {
		p.log.WithError(err).Error("stream drain timed out")
		fail(err)
	}

	if fatalErr != nil {
		return fatalErr
	}
	return ctx.Err()
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("stream: workers did not drain within %s", timeout)
	}
}

// HelperPool bounds short CPU-bound helper tasks (checksum, chunk split)
// shared across concurrent runs, so burst work cannot fork unbounded
// goroutines.
type HelperPool struct {
	sem *semaphore.Weighted
}

// NewHelperPool sizes the shared helper pool from the host CPU count.
func NewHelperPool() *HelperPool {
	size := 4 * runtime.NumCPU()
	if size > 100 {
		size = 100
	}
	return &HelperPool{sem: semaphore.NewWeighted(int64(size))}
}

var sharedHelpers = NewHelperPool()

// Helpers returns the process-wide helper pool, shared by every concurrent
// run so burst CPU work stays bounded host-wide.
func Helpers() *HelperPool { return sharedHelpers }

// Do runs fn once a helper slot is free.
func (h *HelperPool) Do(ctx context.Context, fn func()) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer h.sem.Release(1)
	fn()
	return nil
}
