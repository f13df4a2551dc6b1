package snapshot

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SlowPool runs CPU-bound graph work (cycle checks, merkle passes,
// encoding, diffs) off the calling goroutine with bounded parallelism.
type SlowPool struct {
	sem *semaphore.Weighted
}

// NewSlowPool returns a pool running at most workers jobs at once. A
// non-positive count means one per CPU.
func NewSlowPool(workers int) *SlowPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &SlowPool{sem: semaphore.NewWeighted(int64(workers))}
}

var (
	defaultPool     *SlowPool
	defaultPoolOnce sync.Once
)

// DefaultSlowPool is the process-wide pool used when none is configured.
func DefaultSlowPool() *SlowPool {
	defaultPoolOnce.Do(func() {
		defaultPool = NewSlowPool(0)
	})
	return defaultPool
}

// Do runs fn on a pool goroutine and waits for it. Waiting for a slot
// honors ctx; once started fn runs to completion.
func (p *SlowPool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		done <- fn()
	}()
	return <-done
}
