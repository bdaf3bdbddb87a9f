package graph

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
)

// inlet is one queue feeding a tasklet on an input ordinal.
type inlet struct {
	ordinal int
	queue   *Queue
}

// tasklet drives one processor partition: it refills the inbox from the
// input queues, calls the processor for one bounded pass and reports the
// pass outcome through its progress tracker.
//
// A tasklet is only ever run by one goroutine at a time; the runner hands it
// to the executor again only after the previous pass returned.
type tasklet struct {
	index     int
	processor Processor
	ctx       *ProcessorContext
	cancel    context.CancelFunc

	inbox        *Inbox
	inboxOrdinal int
	outbox       *Outbox
	tracker      *ProgressTracker
	inputs       []inlet
	cursor       int
	batch        int

	completed bool
	done      bool

	itemsIn atomic.Int64
}

func newTasklet(index int, p Processor, pctx *ProcessorContext, cancel context.CancelFunc, capacities []int, batch int) *tasklet {
	tracker := NewProgressTracker()
	return &tasklet{
		index:     index,
		processor: p,
		ctx:       pctx,
		cancel:    cancel,
		inbox:     NewInbox(),
		outbox:    NewOutbox(capacities, tracker),
		tracker:   tracker,
		batch:     batch,
	}
}

func (t *tasklet) init() error {
	return t.processor.Init(t.outbox, t.ctx)
}

// pass runs one bounded scheduling pass.
func (t *tasklet) pass() (state ProgressState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor %s/%d panicked: %v", t.ctx.Vertex, t.index, r)
			state = NoProgress
		}
	}()

	t.tracker.Reset()
	if t.done {
		return Done, nil
	}
	if t.ctx.Cancelled() {
		return NoProgress, ErrCancellationRequested
	}

	if !t.completed {
		if !t.inbox.HasNext() {
			t.fillInbox()
		}
		if t.inbox.HasNext() {
			before := t.inbox.Len()
			if err := t.processor.Process(t.inboxOrdinal, t.inbox); err != nil {
				return t.tracker.State(), err
			}
			if t.inbox.Len() < before {
				t.tracker.MadeProgress()
			}
			t.tracker.NotDone()
			return t.tracker.State(), nil
		}
		if !t.inputsExhausted() {
			t.tracker.NotDone()
			return t.tracker.State(), nil
		}
		ok, err := t.processor.Complete()
		if err != nil {
			return t.tracker.State(), err
		}
		if !ok {
			t.tracker.NotDone()
			return t.tracker.State(), nil
		}
		t.completed = true
		t.outbox.Close()
		t.tracker.MadeProgress()
	}

	// Done only once downstream has taken everything we buffered.
	if t.outbox.Len() > 0 {
		t.tracker.NotDone()
		return t.tracker.State(), nil
	}
	t.done = true
	return t.tracker.State(), nil
}

// fillInbox moves up to one batch from the next non-empty input queue,
// rotating across inputs so that no ordinal starves.
func (t *tasklet) fillInbox() {
	n := len(t.inputs)
	for i := 0; i < n; i++ {
		in := t.inputs[(t.cursor+i)%n]
		moved := in.queue.Drain(t.batch, t.inbox.Add)
		if moved > 0 {
			t.cursor = (t.cursor + i + 1) % n
			t.inboxOrdinal = in.ordinal
			t.itemsIn.Add(int64(moved))
			t.tracker.MadeProgress()
			return
		}
	}
}

func (t *tasklet) inputsExhausted() bool {
	for _, in := range t.inputs {
		if !in.queue.Exhausted() {
			return false
		}
	}
	return true
}

// itemsOut returns the number of items accepted by the outbox queues.
func (t *tasklet) itemsOut() int64 {
	var n int64
	for _, q := range t.outbox.queues {
		n += q.Offered()
	}
	return n
}

// release cancels the processor context and closes the processor if it
// holds resources.
func (t *tasklet) release() error {
	t.cancel()
	if c, ok := t.processor.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
