package pipeline

import (
	"context"
	"sync"
)

// jobQueue is an unbounded FIFO of job ids. push never blocks; pop blocks
// until an id is available, the queue is closed or ctx ends.
type jobQueue struct {
	mu     sync.Mutex
	ids    []string
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *jobQueue) push(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.ids = append(q.ids, id)
	q.signal()
	return true
}

// signal must be called with the lock held.
func (q *jobQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *jobQueue) pop(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		if len(q.ids) > 0 {
			id := q.ids[0]
			q.ids[0] = ""
			q.ids = q.ids[1:]
			if len(q.ids) > 0 {
				// wake the next idle worker
				q.signal()
			}
			q.mu.Unlock()
			return id, true
		}
		if q.closed {
			q.mu.Unlock()
			return "", false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return "", false
		}
	}
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// close stops accepting ids and wakes every waiter. Ids already queued are
// dropped.
func (q *jobQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.ids = nil
	close(q.done)
}
