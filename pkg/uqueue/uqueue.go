// Package uqueue implements a bounded single-producer/single-consumer ring
// buffer of arbitrary values with a wakeup channel, so a consumer pump
// running on a foreign event loop can be scheduled without blocking on
// Go channel receive semantics.
//
// Grounded on an outbound-message channel paired with a bounded-wait send
// for backpressure, generalized from a fixed buffered channel to an
// explicit ring with a separate non-blocking wakeup signal — neither Push,
// Pop nor the wakeup send ever blocks, which is what lets pkg/xfer poll a
// queue owned by another upump manager.
package uqueue

import "sync"

// Queue is a bounded SPSC ring buffer. Push/Pop never block; both report
// false when the ring is full/empty respectively. Producer order is
// preserved.
type Queue struct {
	mu    sync.Mutex
	buf   []any
	head  int
	tail  int
	count int
	wake  chan struct{}
}

// New creates a Queue with room for capacity elements.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{buf: make([]any, capacity), wake: make(chan struct{}, 1)}
}

// Push enqueues v. It returns false without blocking if the ring is full.
func (q *Queue) Push(v any) bool {
	q.mu.Lock()
	if q.count == len(q.buf) {
		q.mu.Unlock()
		return false
	}
	q.buf[q.tail] = v
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop dequeues the oldest value. ok is false without blocking if the ring
// is empty.
func (q *Queue) Pop() (v any, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil, false
	}
	v = q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return v, true
}

// Len reports how many elements are currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap reports the ring's fixed capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Wake returns the channel a consumer pump should select on: a push
// signals it with a non-blocking send, coalescing bursts into one wakeup.
func (q *Queue) Wake() <-chan struct{} { return q.wake }
