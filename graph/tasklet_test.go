package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
)

func newForwardTasklet(t *testing.T, outCap int, items ...any) (*tasklet, *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pctx := &ProcessorContext{Context: ctx, Logger: logr.Discard(), Vertex: "fwd", Parallelism: 1}

	tl := newTasklet(0, NewFuncProcessor(Forward(), nil), pctx, cancel, []int{outCap}, 16)
	in := NewQueue(8)
	for _, it := range items {
		if !in.Offer(it) {
			t.Fatalf("input queue refused %v", it)
		}
	}
	in.Close()
	tl.inputs = []inlet{{ordinal: 0, queue: in}}
	if err := tl.init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return tl, tl.outbox.queues[0]
}

func drain(q *Queue) []any {
	var got []any
	q.Drain(q.Len(), func(item any) { got = append(got, item) })
	return got
}

func TestTasklet_PassStopsAtFullOutbox(t *testing.T) {
	tl, out := newForwardTasklet(t, 2, "a", "b", "c")

	state, err := tl.pass()
	if err != nil {
		t.Fatalf("pass 1: %v", err)
	}
	if diff := cmp.Diff(MadeProgress, state); diff != "" {
		t.Errorf("pass 1 state (-want +got):\n%s", diff)
	}
	if out.Len() != 2 || tl.inbox.Len() != 1 {
		t.Fatalf("after pass 1: outbox %d inbox %d, want 2 and 1", out.Len(), tl.inbox.Len())
	}
	if head, _ := tl.inbox.Peek(); head != "c" {
		t.Errorf("inbox head = %v, want c", head)
	}

	// Nothing moves while downstream has not taken anything.
	state, err = tl.pass()
	if err != nil {
		t.Fatalf("blocked pass: %v", err)
	}
	if !state.Stalled() {
		t.Errorf("blocked pass state = %v, want no_progress", state)
	}
	if tl.inbox.Len() != 1 || out.Len() != 2 {
		t.Errorf("blocked pass moved items: outbox %d inbox %d", out.Len(), tl.inbox.Len())
	}

	if diff := cmp.Diff([]any{"a", "b"}, drain(out)); diff != "" {
		t.Errorf("first batch (-want +got):\n%s", diff)
	}

	state, err = tl.pass()
	if err != nil {
		t.Fatalf("pass 2: %v", err)
	}
	if !state.MadeProgress || state.Done {
		t.Errorf("pass 2 state = %+v, want progress and not done", state)
	}
	if tl.inbox.Len() != 0 || out.Len() != 1 {
		t.Errorf("after pass 2: outbox %d inbox %d, want 1 and 0", out.Len(), tl.inbox.Len())
	}

	// Inputs are exhausted: the processor completes, but the tasklet is not
	// done while its output is still buffered.
	state, err = tl.pass()
	if err != nil {
		t.Fatalf("pass 3: %v", err)
	}
	if !state.MadeProgress || state.Done {
		t.Errorf("pass 3 state = %+v, want progress and not done", state)
	}
	if !tl.completed || !out.IsClosed() {
		t.Errorf("completed = %v, outbox closed = %v, want both true", tl.completed, out.IsClosed())
	}

	if diff := cmp.Diff([]any{"c"}, drain(out)); diff != "" {
		t.Errorf("second batch (-want +got):\n%s", diff)
	}
	state, err = tl.pass()
	if err != nil {
		t.Fatalf("pass 4: %v", err)
	}
	if !state.Done {
		t.Errorf("pass 4 state = %+v, want done", state)
	}
	if got := tl.itemsIn.Load(); got != 3 {
		t.Errorf("itemsIn = %d, want 3", got)
	}
}

func TestTasklet_CancelledPass(t *testing.T) {
	tl, _ := newForwardTasklet(t, 2, "a")
	tl.cancel()

	state, err := tl.pass()
	if !errors.Is(err, ErrCancellationRequested) {
		t.Errorf("err = %v, want ErrCancellationRequested", err)
	}
	if state.MadeProgress {
		t.Errorf("cancelled pass reported progress")
	}
	if tl.inbox.Len() != 0 {
		t.Errorf("cancelled pass filled the inbox")
	}
}
