package graph

import (
	"context"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/dshills/dataflow-go/graph/emit"
	"github.com/dshills/dataflow-go/graph/store"
)

// ResourceProvider supplies deployed byte resources (code, data, archive
// entries) by id. Lookup returns an error wrapping ErrResourceUnavailable when
// the id is unknown.
type ResourceProvider interface {
	Lookup(ctx context.Context, id string) ([]byte, error)
}

// ResourceProviderFunc adapts a function to ResourceProvider.
type ResourceProviderFunc func(ctx context.Context, id string) ([]byte, error)

// Lookup implements ResourceProvider.
func (f ResourceProviderFunc) Lookup(ctx context.Context, id string) ([]byte, error) {
	return f(ctx, id)
}

// Executor runs scheduled units of work.
type Executor interface {
	// Wake signals that new runnable work may exist. It is idempotent and
	// never blocks.
	Wake()

	// Submit schedules one unit of work.
	Submit(task Task) error
}

// ApplicationContext is shared by all containers of one application. It owns
// the container id counter.
type ApplicationContext struct {
	name         string
	containerIDs atomic.Int64
}

// NewApplicationContext creates a context for the named application.
func NewApplicationContext(name string) *ApplicationContext {
	return &ApplicationContext{name: name}
}

// Name returns the application name.
func (a *ApplicationContext) Name() string {
	return a.name
}

// AllocateContainerID returns a new container id. Ids start at 1 and are
// never reused within the application.
func (a *ApplicationContext) AllocateContainerID() int64 {
	return a.containerIDs.Add(1)
}

// NodeEngine bundles the node-level services containers depend on: the
// scheduler, the resource provider, logging, event emission, transition
// history and metrics.
type NodeEngine struct {
	opts      Options
	logger    logr.Logger
	executor  Executor
	owned     *ExecutionService
	emitter   emit.Emitter
	store     store.Store
	metrics   *PrometheusMetrics
	resources ResourceProvider
}

// NewNodeEngine creates a node engine from functional options.
//
// When no executor is supplied an ExecutionService is started with
// Options.CooperativeThreads workers; it is stopped by Shutdown.
//
// Example:
//
//	engine, err := graph.NewNodeEngine(
//	    graph.WithLogger(logger),
//	    graph.WithCooperativeThreads(4),
//	    graph.WithResources(resourceStore),
//	)
func NewNodeEngine(opts ...Option) (*NodeEngine, error) {
	cfg := &engineConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	cfg.opts = cfg.opts.withDefaults()

	ne := &NodeEngine{
		opts:      cfg.opts,
		logger:    cfg.logger,
		executor:  cfg.executor,
		emitter:   cfg.emitter,
		store:     cfg.store,
		metrics:   cfg.metrics,
		resources: cfg.resources,
	}
	if ne.logger.GetSink() == nil {
		ne.logger = logr.Discard()
	}
	if ne.emitter == nil {
		ne.emitter = emit.NewNullEmitter()
	}
	if ne.executor == nil {
		svc := NewExecutionService(cfg.opts.CooperativeThreads, ne.logger, ne.metrics)
		ne.executor = svc
		ne.owned = svc
	}
	return ne, nil
}

// Options returns the effective engine options.
func (ne *NodeEngine) Options() Options { return ne.opts }

// Logger returns the diagnostic logger.
func (ne *NodeEngine) Logger() logr.Logger { return ne.logger }

// Executor returns the scheduler handle.
func (ne *NodeEngine) Executor() Executor { return ne.executor }

// Emitter returns the lifecycle event emitter.
func (ne *NodeEngine) Emitter() emit.Emitter { return ne.emitter }

// Store returns the transition history store, or nil.
func (ne *NodeEngine) Store() store.Store { return ne.store }

// Metrics returns the metrics collector, or nil.
func (ne *NodeEngine) Metrics() *PrometheusMetrics { return ne.metrics }

// Resources returns the resource provider, or nil.
func (ne *NodeEngine) Resources() ResourceProvider { return ne.resources }

// Shutdown stops the executor owned by the engine. Services passed in
// through options (executor, store, emitter) stay open: their owner closes
// them.
func (ne *NodeEngine) Shutdown(ctx context.Context) error {
	if ne.owned == nil {
		return nil
	}
	return ne.owned.Shutdown(ctx)
}
