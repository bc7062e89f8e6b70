package control

import (
	"context"
	"sync"
)

// taskQueue runs tasks serially per key and concurrently across keys.
// Tasks submitted under one key run in submission order.
type taskQueue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	wg     sync.WaitGroup
	closed bool
}

type lane struct {
	tasks []func()
}

func newTaskQueue() *taskQueue {
	return &taskQueue{lanes: make(map[string]*lane)}
}

// Submit enqueues fn under key. It returns false once the queue is closed.
func (q *taskQueue) Submit(key string, fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
		q.wg.Add(1)
		go q.drain(key, l)
	}
	l.tasks = append(l.tasks, fn)
	return true
}

func (q *taskQueue) drain(key string, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.tasks) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}

// Pending returns the number of queued tasks that have not started.
func (q *taskQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		n += len(l.tasks)
	}
	return n
}

// Close stops accepting tasks and waits for queued ones until ctx is done.
func (q *taskQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
