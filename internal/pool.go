package internal

import "sync"

// WorkerPool runs queued work on a fixed number of goroutines.
type WorkerPool struct {
	N  int
	ch chan func()
}

// Create a new worker pool of size N. Up to N work can be done concurrently. The queue is also
// N deep, so a producer which gets more than 2N ahead of the workers blocks in Queue until some
// work is done. The room registry uses this to bound how many rooms recompute their metadata
// at once, as each recompute may hit the protocol engine.
func NewWorkerPool(n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only call this once, after all Queue and Do calls have returned.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

// Do queues every fn and blocks until all of them have finished.
func (wp *WorkerPool) Do(fns ...func()) {
	var wg sync.WaitGroup
	wg.Add(len(fns))
	for _, fn := range fns {
		fn := fn
		wp.Queue(func() {
			defer wg.Done()
			fn()
		})
	}
	wg.Wait()
}

// worker impl
func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
