package graph

import (
	"context"

	"github.com/go-logr/logr"
)

// Processor is the data-processing unit of one vertex partition.
//
// The tasklet that owns a processor calls Init once, then on every pass
// either Process with a non-empty inbox, or, once all inputs are exhausted,
// Complete until it returns true.
//
// Cooperative processors (the default) share worker goroutines with other
// processors and must return promptly from every call: emit what fits in
// the outbox, leave the rest in the inbox, and return.
type Processor interface {
	// Init binds the processor to its outbox and context.
	Init(outbox *Outbox, ctx *ProcessorContext) error

	// Process handles items received on the given input ordinal. Items left
	// in the inbox are offered again on the next pass.
	Process(ordinal int, inbox *Inbox) error

	// Complete is called after all inputs are exhausted. It returns true
	// when the processor has emitted everything it ever will.
	Complete() (bool, error)
}

// Cooperative is an optional capability of a Processor. A processor that
// reports false runs each pass on a dedicated goroutine and may block.
type Cooperative interface {
	IsCooperative() bool
}

// IsCooperative reports the scheduling regime of p. Processors that do not
// implement Cooperative are cooperative.
func IsCooperative(p Processor) bool {
	if c, ok := p.(Cooperative); ok {
		return c.IsCooperative()
	}
	return true
}

// ProcessorSupplier creates the processor for one partition.
type ProcessorSupplier func(index int) Processor

// ProcessorContext carries what a processor may need about where it runs.
type ProcessorContext struct {
	// Context is cancelled when the owning runner is interrupted.
	Context context.Context

	// Logger is scoped to the vertex and partition.
	Logger logr.Logger

	Application string
	ContainerID int64
	Vertex      string

	// Index is this partition; Parallelism the number of partitions.
	Index       int
	Parallelism int

	// Resources holds the vertex's deployed resources by id.
	Resources map[string][]byte
}

// Cancelled reports whether cancellation was requested. Processors check it
// at safe points and return ErrCancellationRequested.
func (c *ProcessorContext) Cancelled() bool {
	return c.Context != nil && c.Context.Err() != nil
}

// Resource returns a deployed resource by id.
func (c *ProcessorContext) Resource(id string) ([]byte, bool) {
	b, ok := c.Resources[id]
	return b, ok
}

// ItemFunc handles one inbox item. Returning false leaves the item at the
// head of the inbox, to be retried on the next pass.
type ItemFunc func(ctx *ProcessorContext, out *Outbox, ordinal int, item any) (bool, error)

// CompleteFunc is called once inputs are exhausted; see Processor.Complete.
type CompleteFunc func(ctx *ProcessorContext, out *Outbox) (bool, error)

// FuncProcessor builds a Processor from item and completion callbacks. It
// handles the peek, try, remove loop so that a callback refusing an item (for
// example because the outbox is full) ends the pass.
type FuncProcessor struct {
	item      ItemFunc
	complete  CompleteFunc
	exclusive bool

	out *Outbox
	ctx *ProcessorContext
}

// NewFuncProcessor creates a cooperative processor. Either callback may be
// nil: a nil item func drops items, a nil complete func completes at once.
func NewFuncProcessor(item ItemFunc, complete CompleteFunc) *FuncProcessor {
	return &FuncProcessor{item: item, complete: complete}
}

// Exclusive marks the processor non-cooperative and returns it.
func (p *FuncProcessor) Exclusive() *FuncProcessor {
	p.exclusive = true
	return p
}

// Init implements Processor.
func (p *FuncProcessor) Init(outbox *Outbox, ctx *ProcessorContext) error {
	p.out = outbox
	p.ctx = ctx
	return nil
}

// Process implements Processor.
func (p *FuncProcessor) Process(ordinal int, inbox *Inbox) error {
	for {
		item, ok := inbox.Peek()
		if !ok {
			return nil
		}
		if p.ctx.Cancelled() {
			return ErrCancellationRequested
		}
		if p.item != nil {
			accepted, err := p.item(p.ctx, p.out, ordinal, item)
			if err != nil {
				return err
			}
			if !accepted {
				return nil
			}
		}
		inbox.Remove()
	}
}

// Complete implements Processor.
func (p *FuncProcessor) Complete() (bool, error) {
	if p.complete == nil {
		return true, nil
	}
	return p.complete(p.ctx, p.out)
}

// IsCooperative implements Cooperative.
func (p *FuncProcessor) IsCooperative() bool {
	return !p.exclusive
}

// Forward returns an ItemFunc that offers every item unchanged to all
// output ordinals. A vertex without outputs drops its items.
func Forward() ItemFunc {
	return func(_ *ProcessorContext, out *Outbox, _ int, item any) (bool, error) {
		if out.Buckets() == 0 {
			return true, nil
		}
		return out.OfferToAll(item)
	}
}
