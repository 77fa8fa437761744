// Package background runs fire-and-forget persistence work on a single
// worker goroutine in submission order.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrQueueFull is recorded when Submit drops a task.
	ErrQueueFull = errors.New("background: queue full")
	// ErrClosed is returned by Flush after Close.
	ErrClosed = errors.New("background: queue closed")
)

// DefaultSize is the queue capacity used when New is given size <= 0.
const DefaultSize = 1024

type task struct {
	name string
	fn   func() error
}

// Queue is a bounded FIFO of tasks executed by one worker.
//
// Submit never blocks: the caller's mutation has already happened and the
// task is its durable echo. Failures are logged and kept as LastError.
type Queue struct {
	mu      sync.Mutex
	tasks   []task
	size    int
	closed  bool
	signal  chan struct{} // buffered, size 1
	done    chan struct{}
	lastErr error
	dropped int
	failed  int
	onError func(name string, err error)

	logger *slog.Logger
}

// New creates a queue and starts its worker.
func New(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		tasks:  make([]task, 0, 64),
		size:   size,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger.With("component", "background"),
	}
	go q.run()
	return q
}

// OnError registers a hook called from the worker for every failed or
// dropped task. Set it before the first Submit.
func (q *Queue) OnError(fn func(name string, err error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError = fn
}

// Submit enqueues fn. Returns false if the task was dropped because the
// queue is full or closed.
func (q *Queue) Submit(name string, fn func() error) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("task submitted after close", "task", name)
		return false
	}
	if len(q.tasks) >= q.size {
		q.dropped++
		err := fmt.Errorf("%w: dropped %s", ErrQueueFull, name)
		q.lastErr = err
		hook := q.onError
		q.mu.Unlock()

		q.logger.Error("task dropped", "task", name, "capacity", q.size)
		if hook != nil {
			hook(name, err)
		}
		return false
	}
	q.enqueue(task{name: name, fn: fn})
	q.mu.Unlock()
	return true
}

// enqueue appends and wakes the worker. Caller holds mu.
func (q *Queue) enqueue(t task) {
	q.tasks = append(q.tasks, t)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) tryDequeue() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return task{}, false
	}
	t := q.tasks[0]
	q.tasks[0] = task{}
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		if t, ok := q.tryDequeue(); ok {
			q.exec(t)
			continue
		}

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		<-q.signal
	}
}

func (q *Queue) exec(t task) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return t.fn()
	}()
	if err == nil {
		return
	}

	q.mu.Lock()
	q.failed++
	q.lastErr = fmt.Errorf("%s: %w", t.name, err)
	hook := q.onError
	q.mu.Unlock()

	q.logger.Error("background task failed", "task", t.name, "error", err)
	if hook != nil {
		hook(t.name, err)
	}
}

// Flush blocks until every task submitted before the call has run.
func (q *Queue) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	// the barrier ignores capacity
	q.enqueue(task{name: "flush", fn: func() error {
		close(barrier)
		return nil
	}})
	q.mu.Unlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastError returns the most recent task failure, nil if none.
func (q *Queue) LastError() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

// Stats reports pending, dropped and failed task counts.
func (q *Queue) Stats() (pending, dropped, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks), q.dropped, q.failed
}

// Close stops accepting tasks, drains what is queued and waits for the
// worker to exit. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	<-q.done
}
