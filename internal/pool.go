package internal

// WorkerPool runs up to N units of work concurrently. Fan-out side effects are
// queued here so state transitions only block for the enqueue, not the work.
type WorkerPool struct {
	N  int
	ch chan func()
}

// Create a new worker pool of size N. Up to N work can be done concurrently.
// The size of N depends on the expected frequency of work and contention for
// shared resources: ideally derive it from whatever shared resource constraint
// you are hitting (e.g a fraction of the db connection limit) rather than an
// arbitrary number. If more than N work is queued, Queue eventually blocks
// until some work is done, which bounds memory consumption under load.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N: n,
		// Buffer of N matches the amount of in-flight work, applying
		// backpressure on the producer beyond that.
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only really useful for tests as a worker pool should be started once
// and persist for the lifetime of the process, else it causes needless goroutine churn.
// Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

func (wp *WorkerPool) worker() {
	defer ReportPanicsToSentry()
	for fn := range wp.ch {
		fn()
	}
}
