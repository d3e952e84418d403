package dns

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"zerotrust-dns/pkg/logging"
)

// Task kinds, used for drop accounting
const (
	TaskLedger = "ledger"
	TaskAlert  = "alert"
)

type task struct {
	run  func(ctx context.Context)
	kind string
}

// TaskQueue runs side effects on a fixed pool of workers. Submit never
// blocks: when the buffer is full the task is dropped and counted.
type TaskQueue struct {
	tasks   chan task
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logging.Logger
	metrics Metrics
	timeout time.Duration

	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	dropped  atomic.Uint64
	inflight atomic.Int64
}

// NewTaskQueue starts workers goroutines draining a buffer of size queueSize.
// Each task gets its own timeout.
func NewTaskQueue(workers, queueSize int, timeout time.Duration, logger *logging.Logger, metrics Metrics) *TaskQueue {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = logging.Global()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	q := &TaskQueue{
		tasks:   make(chan task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	logger.Info("Task queue started", "workers", workers, "queue_size", queueSize)
	return q
}

func (q *TaskQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			q.drain()
			return
		case t := <-q.tasks:
			q.execute(t)
		}
	}
}

func (q *TaskQueue) drain() {
	for {
		select {
		case t := <-q.tasks:
			q.execute(t)
		default:
			return
		}
	}
}

func (q *TaskQueue) execute(t task) {
	q.inflight.Add(1)
	defer q.inflight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Task panicked", "kind", t.kind, "panic", r)
		}
	}()

	ctx, cancel := q.taskContext()
	defer cancel()
	t.run(ctx)
}

// taskContext is detached so that shutdown still lets queued work finish
func (q *TaskQueue) taskContext() (context.Context, context.CancelFunc) {
	if q.timeout > 0 {
		return context.WithTimeout(context.Background(), q.timeout)
	}
	return context.WithCancel(context.Background())
}

// Submit queues fn. It reports false when the task was dropped because the
// queue is full or closed.
func (q *TaskQueue) Submit(kind string, fn func(ctx context.Context)) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.drop(kind, "closed")
		return false
	}
	select {
	case q.tasks <- task{kind: kind, run: fn}:
		return true
	default:
		q.drop(kind, "full")
		return false
	}
}

// Chain queues follow-up work from inside a running task. Once the queue is
// closing fn runs inline, with its own timeout, so that work spawned while
// draining is not lost. A full queue still drops fn.
func (q *TaskQueue) Chain(kind string, fn func(ctx context.Context)) {
	q.mu.RLock()
	closed := q.closed
	queued := false
	if !closed {
		select {
		case q.tasks <- task{kind: kind, run: fn}:
			queued = true
		default:
		}
	}
	q.mu.RUnlock()

	switch {
	case queued:
	case closed:
		q.execute(task{kind: kind, run: fn})
	default:
		q.drop(kind, "full")
	}
}

func (q *TaskQueue) drop(kind, why string) {
	total := q.dropped.Add(1)
	q.metrics.RecordTaskDropped(context.Background(), kind)
	q.logger.Warn("Task queue dropped task", "kind", kind, "reason", why, "dropped_total", total)
}

// Dropped returns the number of tasks dropped so far
func (q *TaskQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Pending returns queued plus running tasks
func (q *TaskQueue) Pending() int {
	return len(q.tasks) + int(q.inflight.Load())
}

// Close stops accepting tasks, runs what is queued and waits for workers.
// Safe to call more than once.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.logger.Info("Shutting down task queue", "queued", len(q.tasks), "dropped_total", q.dropped.Load())
	q.cancel()
	q.wg.Wait()
}
