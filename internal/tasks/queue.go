package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("task queue closed")

// Task is a unit of background work.
type Task func(ctx context.Context) error

// Queue is a bounded work queue drained by a fixed set of workers.
// Task errors are logged and counted; they never stop the workers.
type Queue struct {
	logger *slog.Logger
	work   chan Task
	group  *errgroup.Group
	ctx    context.Context

	mu     sync.Mutex
	closed bool

	done   atomic.Int64
	failed atomic.Int64
}

// NewQueue starts workers goroutines consuming a buffer of size capacity.
func NewQueue(ctx context.Context, logger *slog.Logger, workers, capacity int) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	g, gctx := errgroup.WithContext(ctx)
	q := &Queue{
		logger: logger,
		work:   make(chan Task, capacity),
		group:  g,
		ctx:    gctx,
	}
	for i := 0; i < workers; i++ {
		g.Go(q.worker)
	}
	return q
}

func (q *Queue) worker() error {
	for task := range q.work {
		err := task(q.ctx)
		q.done.Add(1)
		if err != nil {
			q.failed.Add(1)
			q.logger.Warn("background task failed", slog.Any("error", err))
		}
	}
	return nil
}

// Submit enqueues task, blocking while the buffer is full. It fails once the
// queue is closed or ctx is done.
func (q *Queue) Submit(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.work <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work. Already queued tasks still run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.work)
	}
}

// Wait closes the queue and blocks until every queued task finished.
func (q *Queue) Wait() error {
	q.Close()
	return q.group.Wait()
}

// Stats reports completed and failed task counts.
func (q *Queue) Stats() (done, failed int) {
	return int(q.done.Load()), int(q.failed.Load())
}
