package connector

import (
	"fmt"
	"sync"

	"github.com/dshills/dataflow-go/graph"
)

// WriteLogger returns a supplier of sinks that log every item at info level
// through the partition's logger. toString renders items; nil uses %v.
//
// The sinks are exclusive: a slow log backend blocks only its own
// goroutine.
func WriteLogger(toString func(item any) string) graph.ProcessorSupplier {
	if toString == nil {
		toString = func(item any) string { return fmt.Sprint(item) }
	}
	return func(int) graph.Processor {
		return graph.NewFuncProcessor(func(ctx *graph.ProcessorContext, _ *graph.Outbox, _ int, item any) (bool, error) {
			ctx.Logger.Info(toString(item))
			return true, nil
		}, nil).Exclusive()
	}
}

// Collector gathers the items received by all partitions of a sink vertex.
type Collector struct {
	mu    sync.Mutex
	items []any
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Supplier returns the sink's processor supplier.
func (c *Collector) Supplier() graph.ProcessorSupplier {
	return func(int) graph.Processor {
		return graph.NewFuncProcessor(func(_ *graph.ProcessorContext, _ *graph.Outbox, _ int, item any) (bool, error) {
			c.mu.Lock()
			c.items = append(c.items, item)
			c.mu.Unlock()
			return true, nil
		}, nil)
	}
}

// Items returns a copy of the items received so far, in arrival order.
func (c *Collector) Items() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.items...)
}

// Len returns the number of items received.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
