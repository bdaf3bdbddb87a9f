package graph

import "sync/atomic"

// Queue is a bounded FIFO between one producing tasklet and one consuming
// tasklet. It combines a buffered channel for the capacity bound with an
// end-of-stream flag set by the producer.
//
// Offer and Poll never block. Offering to a full queue returns false, which is
// the backpressure signal: the producer keeps the item and retries on its next
// pass.
//
// Thread-safety: Offer and Poll may be called concurrently. Higher-level
// exactly-once draining (for example two consumers calling Drain) must be
// serialized by the caller.
type Queue struct {
	items    chan any
	capacity int
	closed   atomic.Bool
	offered  atomic.Int64
	rejected atomic.Int64
}

// NewQueue creates a queue holding at most capacity items. Capacity must be
// positive.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make(chan any, capacity),
		capacity: capacity,
	}
}

// Offer appends item if there is room. It returns false when the queue is at
// capacity or has been closed.
func (q *Queue) Offer(item any) bool {
	if q.closed.Load() {
		return false
	}
	select {
	case q.items <- item:
		q.offered.Add(1)
		return true
	default:
		q.rejected.Add(1)
		return false
	}
}

// Poll removes and returns the head item, if any.
func (q *Queue) Poll() (any, bool) {
	select {
	case item := <-q.items:
		return item, true
	default:
		return nil, false
	}
}

// Drain moves up to max items (all items when max <= 0) to sink and returns
// how many were moved.
func (q *Queue) Drain(max int, sink func(item any)) int {
	n := 0
	for max <= 0 || n < max {
		item, ok := q.Poll()
		if !ok {
			break
		}
		sink(item)
		n++
	}
	return n
}

// Len returns the number of buffered items.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

// Remaining returns how many more items the queue accepts right now.
func (q *Queue) Remaining() int {
	return q.capacity - len(q.items)
}

// Close marks the end of the stream. Items already buffered remain pollable.
func (q *Queue) Close() {
	q.closed.Store(true)
}

// IsClosed reports whether the producer has closed the queue.
func (q *Queue) IsClosed() bool {
	return q.closed.Load()
}

// Exhausted reports that the producer closed the queue and every item has
// been consumed. The closed flag is read first so that a true result cannot
// miss items offered before Close.
func (q *Queue) Exhausted() bool {
	return q.closed.Load() && len(q.items) == 0
}

// Rejected returns the number of offers refused for lack of capacity.
func (q *Queue) Rejected() int64 {
	return q.rejected.Load()
}

// Offered returns the number of accepted offers.
func (q *Queue) Offered() int64 {
	return q.offered.Load()
}
