// Package worker provides a bounded goroutine pool for executing background
// jobs, such as tearing down retired browsers, with controlled concurrency.
package worker

import (
	"sync"
)

// WorkerPool manages a fixed number of goroutines that drain a shared job
// queue.
//
// At most workerCount jobs run at once and at most workerCount*4 wait in the
// queue; Submit blocks beyond that.  Jobs submitted after Stop run inline on
// the caller's goroutine.
type WorkerPool struct {
	workerCount int
	jobQueue    chan func()
	wg          sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool creates a WorkerPool with workerCount goroutines ready to
// receive jobs.  Non-positive counts fall back to one worker.
func NewWorkerPool(workerCount int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &WorkerPool{
		workerCount: workerCount,
		jobQueue:    make(chan func(), workerCount*4),
	}
}

// Start launches the worker goroutines.  It must be called exactly once before
// any jobs are submitted.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go func() {
			defer wp.wg.Done()
			for job := range wp.jobQueue {
				job()
			}
		}()
	}
}

// Submit enqueues job for execution by one of the pool's goroutines.  It
// blocks if the internal buffer is full.  It reports false when the pool has
// been stopped, in which case job has already run synchronously.
func (wp *WorkerPool) Submit(job func()) bool {
	wp.mu.RLock()
	if wp.stopped {
		wp.mu.RUnlock()
		job()
		return false
	}
	wp.jobQueue <- job
	wp.mu.RUnlock()
	return true
}

// Stop signals the pool to finish all queued jobs and then waits for all
// worker goroutines to exit.  Stop is idempotent.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobQueue)
	wp.mu.Unlock()
	wp.wg.Wait()
}
