package connector

import (
	"github.com/dshills/dataflow-go/graph"
)

// Map returns a supplier of processors applying fn to every item and
// emitting the result to all outputs. An error from fn fails the vertex.
func Map(fn func(item any) (any, error)) graph.ProcessorSupplier {
	return func(int) graph.Processor {
		return graph.NewFuncProcessor(func(_ *graph.ProcessorContext, out *graph.Outbox, _ int, item any) (bool, error) {
			if out.Buckets() == 0 {
				_, err := fn(item)
				return err == nil, err
			}
			if !out.HasRoom() {
				return false, nil
			}
			v, err := fn(item)
			if err != nil {
				return false, err
			}
			return out.OfferToAll(v)
		}, nil)
	}
}

// Filter returns a supplier of processors forwarding the items keep
// accepts.
func Filter(keep func(item any) bool) graph.ProcessorSupplier {
	return func(int) graph.Processor {
		return graph.NewFuncProcessor(func(_ *graph.ProcessorContext, out *graph.Outbox, _ int, item any) (bool, error) {
			if !keep(item) || out.Buckets() == 0 {
				return true, nil
			}
			return out.OfferToAll(item)
		}, nil)
	}
}
