package graph

// Inbox is the sequence of items delivered to a processor for one pass.
//
// The tasklet pushes a fresh batch only once the previous one has been fully
// consumed, so the inbox never holds more than one batch. A processor removes
// the items it has handled; anything left over is offered again on the next
// pass, which is how backpressure propagates upstream.
//
// Inbox is not synchronized: it belongs to the tasklet that owns it.
type Inbox struct {
	items []any
	head  int
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{}
}

// Add appends an item. Used by the owning tasklet when delivering a batch.
func (in *Inbox) Add(item any) {
	in.items = append(in.items, item)
}

// HasNext reports whether at least one item is waiting.
func (in *Inbox) HasNext() bool {
	return in.head < len(in.items)
}

// Len returns the number of waiting items.
func (in *Inbox) Len() int {
	return len(in.items) - in.head
}

// Peek returns the head item without removing it.
func (in *Inbox) Peek() (any, bool) {
	if !in.HasNext() {
		return nil, false
	}
	return in.items[in.head], true
}

// Poll removes and returns the head item.
func (in *Inbox) Poll() (any, bool) {
	item, ok := in.Peek()
	if !ok {
		return nil, false
	}
	in.Remove()
	return item, true
}

// Remove discards the head item, typically after a successful Peek.
func (in *Inbox) Remove() {
	if !in.HasNext() {
		return
	}
	in.items[in.head] = nil
	in.head++
	if in.head == len(in.items) {
		in.items = in.items[:0]
		in.head = 0
	}
}

// DrainTo hands every waiting item to sink in order and returns the count.
func (in *Inbox) DrainTo(sink func(item any)) int {
	n := 0
	for in.HasNext() {
		item, _ := in.Poll()
		sink(item)
		n++
	}
	return n
}

// Clear drops all waiting items.
func (in *Inbox) Clear() {
	clear(in.items)
	in.items = in.items[:0]
	in.head = 0
}
