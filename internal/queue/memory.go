package queue

import (
	"context"
	"sync"
)

// MemoryQueue is an unbounded in-process FIFO. Deliveries do not survive a
// restart; the lease sweeper fails whatever was RUNNING at the time.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, taskID string) error {
	select {
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	q.push(taskID)
	return nil
}

func (q *MemoryQueue) push(taskID string) {
	q.mu.Lock()
	q.items = append(q.items, taskID)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// keep other waiters awake
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return id, true
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-q.closed:
			return nil, ErrClosed
		default:
		}
		if id, ok := q.pop(); ok {
			return newDelivery(id,
				func() error { return nil },
				func(error) error {
					select {
					case <-q.closed:
						return ErrClosed
					default:
					}
					q.push(id)
					return nil
				}), nil
		}
		select {
		case <-q.notify:
		case <-q.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports the number of undelivered ids.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
