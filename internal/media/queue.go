package media

import "sync"

// taskQueue is an unbounded FIFO of work for the registry's control loop.
// push never blocks, so OS delivery goroutines are never held up by a busy loop.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

// push appends fn. Returns false once the queue is closed.
func (q *taskQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// drain removes and returns every queued task
func (q *taskQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// close rejects further pushes and drops whatever is still queued
func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.tasks = nil
}
