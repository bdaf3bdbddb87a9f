package connector

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/dshills/dataflow-go/graph"
)

// HarnessCapacity is the capacity of the single output queue of a Harness.
const HarnessCapacity = 1024

// Harness drives one processor by hand in tests: fill Inbox, call Process
// or Complete, then inspect what reached the outbox.
type Harness struct {
	Processor graph.Processor
	Inbox     *graph.Inbox
	Outbox    *graph.Outbox
	Context   *graph.ProcessorContext

	cancel context.CancelFunc
}

// NewHarness initializes p with a one-ordinal outbox of capacity
// HarnessCapacity and a cancellable context.
func NewHarness(p graph.Processor, logger logr.Logger) (*Harness, error) {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Harness{
		Processor: p,
		Inbox:     graph.NewInbox(),
		Outbox:    graph.NewOutbox([]int{HarnessCapacity}, nil),
		Context: &graph.ProcessorContext{
			Context:     ctx,
			Logger:      logger,
			Application: "harness",
			Vertex:      "harness",
			Parallelism: 1,
		},
		cancel: cancel,
	}
	if err := p.Init(h.Outbox, h.Context); err != nil {
		cancel()
		return nil, fmt.Errorf("init processor: %w", err)
	}
	return h, nil
}

// Process adds items to the inbox and calls Process once on ordinal 0.
func (h *Harness) Process(items ...any) error {
	for _, it := range items {
		h.Inbox.Add(it)
	}
	return h.Processor.Process(0, h.Inbox)
}

// Complete calls Complete once.
func (h *Harness) Complete() (bool, error) {
	return h.Processor.Complete()
}

// Cancel requests cancellation of the processor's context.
func (h *Harness) Cancel() {
	h.cancel()
}

// Poll removes the head of the output queue.
func (h *Harness) Poll() (any, bool) {
	q, _ := h.Outbox.QueueWithOrdinal(0)
	return q.Poll()
}

// Drain removes and returns everything in the output queue.
func (h *Harness) Drain() []any {
	q, _ := h.Outbox.QueueWithOrdinal(0)
	var out []any
	q.Drain(0, func(item any) { out = append(out, item) })
	return out
}
