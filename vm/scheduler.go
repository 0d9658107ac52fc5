package vm

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Scheduler runs service work on a bounded number of host goroutines.
// Submitting never blocks; a task waits for a worker slot in its own
// goroutine.
type Scheduler struct {
	sem     *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers int
}

// NewScheduler creates a scheduler with the given number of workers;
// zero or less means GOMAXPROCS.
func NewScheduler(workers int) *Scheduler {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sem:     semaphore.NewWeighted(int64(workers)),
		ctx:     ctx,
		cancel:  cancel,
		workers: workers,
	}
}

// Workers returns the worker limit.
func (s *Scheduler) Workers() int { return s.workers }

// submit queues fn. It returns false when the scheduler has been stopped.
func (s *Scheduler) submit(fn func()) bool {
	if s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		fn()
	}()
	return true
}

// stop rejects new work and waits for running tasks to finish. Tasks still
// waiting for a slot are dropped.
func (s *Scheduler) stop() {
	s.cancel()
	s.wg.Wait()
}
