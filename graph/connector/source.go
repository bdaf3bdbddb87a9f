// Package connector provides stock processors for building pipelines on
// the graph package: sources, transforms and sinks.
package connector

import (
	"fmt"
	"strings"

	"github.com/dshills/dataflow-go/graph"
)

// sliceSource emits the items assigned to its partition: item i belongs to
// partition i mod parallelism.
type sliceSource struct {
	items []any
	next  int
	step  int
	out   *graph.Outbox
}

// SliceSource returns a supplier of sources that together emit items once,
// split across the vertex's partitions. Each partition preserves the
// relative order of its items.
func SliceSource(items ...any) graph.ProcessorSupplier {
	return func(int) graph.Processor {
		return &sliceSource{items: items}
	}
}

func (s *sliceSource) Init(out *graph.Outbox, ctx *graph.ProcessorContext) error {
	s.out = out
	s.next = ctx.Index
	s.step = ctx.Parallelism
	if s.step < 1 {
		s.step = 1
	}
	return nil
}

func (s *sliceSource) Process(int, *graph.Inbox) error { return nil }

func (s *sliceSource) Complete() (bool, error) {
	if s.out.Buckets() == 0 {
		return true, nil
	}
	for s.next < len(s.items) {
		ok, err := s.out.OfferToAll(s.items[s.next])
		if err != nil || !ok {
			return false, err
		}
		s.next += s.step
	}
	return true, nil
}

// linesSource emits the non-empty lines of a deployed resource.
type linesSource struct {
	sliceSource
	id string
}

// ResourceLines returns a supplier of sources emitting the non-empty lines
// of resource id, split across partitions like SliceSource. The vertex must
// list id among its resources.
func ResourceLines(id string) graph.ProcessorSupplier {
	return func(int) graph.Processor {
		return &linesSource{id: id}
	}
}

func (s *linesSource) Init(out *graph.Outbox, ctx *graph.ProcessorContext) error {
	b, ok := ctx.Resource(s.id)
	if !ok {
		return fmt.Errorf("%w: %s", graph.ErrResourceUnavailable, s.id)
	}
	for _, line := range strings.Split(string(b), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			s.items = append(s.items, line)
		}
	}
	return s.sliceSource.Init(out, ctx)
}
