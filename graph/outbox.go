package graph

import "fmt"

// Outbox holds one bounded queue per downstream ordinal. A processor writes
// its output here during a pass; downstream tasklets drain the queues through
// QueueWithOrdinal.
//
// Every successful offer is recorded on the paired ProgressTracker. A full
// queue makes Offer return false without error: the processor must stop
// emitting and retry on its next pass.
type Outbox struct {
	queues  []*Queue
	tracker *ProgressTracker

	// onReject is called for every offer refused for lack of capacity.
	onReject func(ordinal int)
}

// NewOutbox creates an outbox with one queue per entry of capacities.
// tracker may be nil when progress is not tracked.
func NewOutbox(capacities []int, tracker *ProgressTracker) *Outbox {
	queues := make([]*Queue, len(capacities))
	for i, c := range capacities {
		queues[i] = NewQueue(c)
	}
	return &Outbox{queues: queues, tracker: tracker}
}

// Buckets returns the number of downstream ordinals.
func (o *Outbox) Buckets() int {
	return len(o.queues)
}

// Offer appends item to the queue of the given ordinal. It returns false when
// that queue is full, and ErrInvalidOrdinal when the ordinal does not exist.
func (o *Outbox) Offer(ordinal int, item any) (bool, error) {
	q, err := o.QueueWithOrdinal(ordinal)
	if err != nil {
		return false, err
	}
	if !q.Offer(item) {
		if o.onReject != nil {
			o.onReject(ordinal)
		}
		return false, nil
	}
	if o.tracker != nil {
		o.tracker.MadeProgress()
	}
	return true, nil
}

// OfferToAll appends item to every queue, or to none of them: it returns
// false without emitting anything if any queue is full. The all-or-nothing
// check relies on the outbox having a single producer.
func (o *Outbox) OfferToAll(item any) (bool, error) {
	if len(o.queues) == 0 {
		return false, fmt.Errorf("%w: outbox has no ordinals", ErrInvalidOrdinal)
	}
	for i, q := range o.queues {
		if q.Remaining() == 0 {
			if o.onReject != nil {
				o.onReject(i)
			}
			return false, nil
		}
	}
	for i := range o.queues {
		if ok, err := o.Offer(i, item); err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

// QueueWithOrdinal exposes the queue of an ordinal for draining.
func (o *Outbox) QueueWithOrdinal(ordinal int) (*Queue, error) {
	if ordinal < 0 || ordinal >= len(o.queues) {
		return nil, fmt.Errorf("%w: %d (outbox has %d)", ErrInvalidOrdinal, ordinal, len(o.queues))
	}
	return o.queues[ordinal], nil
}

// HasRoom reports whether every queue can take at least one more item.
func (o *Outbox) HasRoom() bool {
	for _, q := range o.queues {
		if q.Remaining() == 0 {
			return false
		}
	}
	return true
}

// Close marks the end of the stream on every queue.
func (o *Outbox) Close() {
	for _, q := range o.queues {
		q.Close()
	}
}

// Len returns the total number of buffered items.
func (o *Outbox) Len() int {
	n := 0
	for _, q := range o.queues {
		n += q.Len()
	}
	return n
}
