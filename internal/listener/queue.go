package listener

import (
	"sync"

	"pumpwatch/internal/model"
)

type item struct {
	event    model.Event
	attempts int
}

// queue is a bounded FIFO of pending events.
type queue struct {
	mu       sync.Mutex
	items    []item
	capacity int
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &queue{capacity: capacity}
}

// push appends an item and reports false when the queue is full.
func (q *queue) push(it item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, it)
	return true
}

// requeue puts an interrupted item back at the head. It ignores the
// capacity bound: the item already held a slot before it was popped.
func (q *queue) requeue(it item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]item{it}, q.items...)
}

// popBatch removes up to n items from the head.
func (q *queue) popBatch(n int) []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	if n == 0 {
		return nil
	}
	batch := make([]item, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return batch
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
