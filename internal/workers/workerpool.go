package workers

import (
	"sync"
	"sync/atomic"
)

// WorkerPool runs history queries on a fixed number of goroutines so a burst
// of REQs cannot fan out into unbounded database work.
type WorkerPool struct {
	jobCh    chan func()
	wg       sync.WaitGroup
	workers  sync.WaitGroup
	stopOnce sync.Once
	stopped  atomic.Bool
	mu       sync.RWMutex
	running  atomic.Int64
}

// NewWorkerPool initializes a worker pool with a fixed number of workers.
func NewWorkerPool(workerCount, jobBufferSize int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if jobBufferSize < 0 {
		jobBufferSize = 0
	}
	wp := &WorkerPool{
		jobCh: make(chan func(), jobBufferSize),
	}
	wp.workers.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for job := range wp.jobCh {
		wp.running.Add(1)
		job()
		wp.running.Add(-1)
	}
}

// AddJob enqueues a job without blocking. It returns false when the queue is
// full or the pool is stopped.
func (wp *WorkerPool) AddJob(job func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped.Load() {
		return false
	}

	wp.wg.Add(1)
	select {
	case wp.jobCh <- func() {
		defer wp.wg.Done()
		job()
	}:
		return true
	default: // Drop the job if queue is full
		wp.wg.Done()
		return false
	}
}

// Pending returns the number of queued jobs not yet picked up.
func (wp *WorkerPool) Pending() int {
	return len(wp.jobCh)
}

// Running returns the number of jobs currently executing.
func (wp *WorkerPool) Running() int {
	return int(wp.running.Load())
}

// Wait blocks until all jobs are completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Stop refuses new jobs, drains the queue and waits for the workers to exit.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.mu.Lock()
		wp.stopped.Store(true)
		close(wp.jobCh)
		wp.mu.Unlock()
		wp.workers.Wait()
	})
}
