package graph

import (
	"runtime"
	"time"

	"github.com/go-logr/logr"

	"github.com/dshills/dataflow-go/graph/emit"
	"github.com/dshills/dataflow-go/graph/store"
)

// Options holds the tunables of a NodeEngine. Zero values select defaults.
type Options struct {
	// CooperativeThreads is the number of workers serving cooperative
	// tasklets. Default: runtime.GOMAXPROCS(0).
	CooperativeThreads int

	// InboxBatchSize caps how many items a tasklet moves from its input
	// queues into its inbox before one pass. Default: 1024.
	InboxBatchSize int

	// QueueCapacity is the capacity of an edge queue when the edge does not
	// declare one. Default: 1024.
	QueueCapacity int

	// IdleBackoffMin and IdleBackoffMax bound the delay before the next
	// Execute after a round without progress. The delay doubles on every
	// consecutive idle round. Defaults: 50µs and 5ms.
	IdleBackoffMin time.Duration
	IdleBackoffMax time.Duration

	// InterruptTimeout bounds how long the Interrupted transition waits for
	// in-flight passes to observe cancellation. Default: 30s.
	InterruptTimeout time.Duration

	// StallReportRounds is the length of a streak of rounds in which no
	// tasklet progressed and none is done, after which a runner reports a
	// stall. Default: 1000.
	StallReportRounds int
}

func (o Options) withDefaults() Options {
	if o.CooperativeThreads <= 0 {
		o.CooperativeThreads = runtime.GOMAXPROCS(0)
	}
	if o.InboxBatchSize <= 0 {
		o.InboxBatchSize = 1024
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 1024
	}
	if o.IdleBackoffMin <= 0 {
		o.IdleBackoffMin = 50 * time.Microsecond
	}
	if o.IdleBackoffMax < o.IdleBackoffMin {
		o.IdleBackoffMax = 5 * time.Millisecond
		if o.IdleBackoffMax < o.IdleBackoffMin {
			o.IdleBackoffMax = o.IdleBackoffMin
		}
	}
	if o.InterruptTimeout <= 0 {
		o.InterruptTimeout = 30 * time.Second
	}
	if o.StallReportRounds <= 0 {
		o.StallReportRounds = 1000
	}
	return o
}

// Option is a functional option for configuring a NodeEngine.
//
// Example:
//
//	engine, err := graph.NewNodeEngine(
//	    graph.WithCooperativeThreads(4),
//	    graph.WithInboxBatchSize(256),
//	    graph.WithInterruptTimeout(5*time.Second),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are applied to a NodeEngine.
type engineConfig struct {
	opts      Options
	logger    logr.Logger
	executor  Executor
	emitter   emit.Emitter
	store     store.Store
	metrics   *PrometheusMetrics
	resources ResourceProvider
}

// WithOptions replaces all tunables at once. Options given after it still
// override individual fields.
func WithOptions(opts Options) Option {
	return func(cfg *engineConfig) error {
		cfg.opts = opts
		return nil
	}
}

// WithLogger sets the diagnostic logger. Default: logr.Discard().
func WithLogger(logger logr.Logger) Option {
	return func(cfg *engineConfig) error {
		cfg.logger = logger
		return nil
	}
}

// WithExecutor supplies an external scheduler. The engine then does not own
// it and Shutdown leaves it running.
func WithExecutor(executor Executor) Option {
	return func(cfg *engineConfig) error {
		if executor == nil {
			return &EngineError{Message: "executor must not be nil", Code: "INVALID_OPTION"}
		}
		cfg.executor = executor
		return nil
	}
}

// WithEmitter sets the lifecycle event emitter. Default: emit.NullEmitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.emitter = emitter
		return nil
	}
}

// WithStore enables persistence of every container transition. The caller
// keeps ownership: Shutdown does not close the store.
func WithStore(s store.Store) Option {
	return func(cfg *engineConfig) error {
		cfg.store = s
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	engine, _ := graph.NewNodeEngine(graph.WithMetrics(graph.NewPrometheusMetrics(registry)))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithResources sets the provider consulted when a vertex starts.
func WithResources(resources ResourceProvider) Option {
	return func(cfg *engineConfig) error {
		cfg.resources = resources
		return nil
	}
}

// WithCooperativeThreads sets the size of the cooperative worker pool.
func WithCooperativeThreads(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "cooperative threads must not be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.CooperativeThreads = n
		return nil
	}
}

// WithInboxBatchSize caps the inbox batch delivered before each pass.
func WithInboxBatchSize(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "inbox batch size must not be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.InboxBatchSize = n
		return nil
	}
}

// WithQueueCapacity sets the default edge queue capacity.
func WithQueueCapacity(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "queue capacity must not be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.QueueCapacity = n
		return nil
	}
}

// WithIdleBackoff bounds the delay between rounds that made no progress.
func WithIdleBackoff(min, max time.Duration) Option {
	return func(cfg *engineConfig) error {
		if min < 0 || max < min {
			return &EngineError{Message: "idle backoff requires 0 <= min <= max", Code: "INVALID_OPTION"}
		}
		cfg.opts.IdleBackoffMin = min
		cfg.opts.IdleBackoffMax = max
		return nil
	}
}

// WithInterruptTimeout bounds the wait performed by the Interrupted
// transition.
func WithInterruptTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.InterruptTimeout = d
		return nil
	}
}

// WithStallReportRounds sets how many consecutive stalled rounds a runner
// tolerates before reporting a stall.
func WithStallReportRounds(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "stall report rounds must not be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.StallReportRounds = n
		return nil
	}
}
