// Package dispatch provides the serial execution context every connection runs on.
//
// A Queue runs submitted tasks one at a time, in submission order, on its own goroutine. Submitting is
// safe from any goroutine and never waits for the task to run. Code that only touches connection state
// from inside tasks of that connection's queue needs no locks:
//
//	reader goroutine ──Submit(onReadable)──┐
//	caller 1         ──Submit(send)───────┼──→ queue goroutine: task, task, task ...
//	caller 2         ──Submit(send)───────┘
package dispatch

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned by Submit once the queue has been closed.
var ErrClosed = errors.New("dispatch: queue closed")

// Task is a unit of work run on a queue.
type Task func()

// Queue is an unbounded FIFO of tasks drained by a single goroutine.
type Queue struct {
	name   string
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []Task
	closing bool

	wake chan struct{} // capacity 1, signals pending tasks
	done chan struct{} // closed when the goroutine exits
}

// NewQueue starts a queue. The name only shows up in logs.
func NewQueue(name string, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.L()
	}
	q := &Queue{
		name:   name,
		logger: logger.With(zap.String("queue", name)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit enqueues t and returns immediately.
func (q *Queue) Submit(t Task) error {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return ErrClosed
	}
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default: // already signalled
	}
	return nil
}

// SubmitAndWait enqueues t and blocks until it has run.
// It must not be called from a task of the same queue.
func (q *Queue) SubmitAndWait(t Task) error {
	ran := make(chan struct{})
	if err := q.Submit(func() {
		defer close(ran)
		t()
	}); err != nil {
		return err
	}
	<-ran
	return nil
}

// Close stops accepting tasks. Tasks submitted before Close still run; Done is closed afterwards.
// Close may be called from inside a task and more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the queue is closed and drained.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.tasks
		q.tasks = nil
		closing := q.closing
		q.mu.Unlock()

		for i, t := range batch {
			batch[i] = nil
			q.execute(t)
		}
		if len(batch) > 0 {
			continue
		}
		if closing {
			return
		}
		<-q.wake
	}
}

// execute runs one task; a panic is logged and the queue keeps going.
func (q *Queue) execute(t Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("dispatch task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	t()
}
