package bus

import (
	"context"
	"sync"
	"time"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

// queue is one agent's pull queue. Messages land here when the agent has no
// handler for their type and stay until the agent polls.
type queue struct {
	mu       sync.Mutex
	items    []models.Message
	maxDepth int
	notify   chan struct{} // buffered(1): "items became non-empty"
}

func newQueue(maxDepth int) *queue {
	return &queue{maxDepth: maxDepth, notify: make(chan struct{}, 1)}
}

// push appends m. Returns false when the queue is full.
func (q *queue) push(m models.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxDepth > 0 && len(q.items) >= q.maxDepth {
		return false
	}
	q.items = append(q.items, m)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) drain() []models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// wait blocks up to timeout for the first message, then keeps collecting
// for as long as new messages keep arriving within grace of each other.
// Returns whatever was collected; an empty result means the timeout passed.
func (q *queue) wait(ctx context.Context, timeout, grace time.Duration) []models.Message {
	out := q.drain()
	if len(out) == 0 {
		if timeout <= 0 {
			return nil
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		for len(out) == 0 {
			select {
			case <-q.notify:
				// the token may predate the last drain
				out = q.drain()
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}

	for grace > 0 {
		timer := time.NewTimer(grace)
		select {
		case <-q.notify:
			timer.Stop()
			more := q.drain()
			if len(more) == 0 {
				return out
			}
			out = append(out, more...)
		case <-timer.C:
			return out
		case <-ctx.Done():
			timer.Stop()
			return append(out, q.drain()...)
		}
	}
	return out
}
