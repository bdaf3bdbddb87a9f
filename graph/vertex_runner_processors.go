package graph

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// VertexRunnerPayloadFactory binds every vertex runner event to the payload
// processor that performs its side effects on r.
func VertexRunnerPayloadFactory(r *VertexRunner) func(VertexRunnerEvent) PayloadProcessor[VertexRunnerResponse] {
	start := &startProcessor{r: r}
	execute := &executeProcessor{r: r}
	interrupt := &interruptProcessor{r: r}
	interrupted := &interruptedProcessor{r: r}
	completed := &executionCompletedProcessor{r: r}

	return func(event VertexRunnerEvent) PayloadProcessor[VertexRunnerResponse] {
		switch event {
		case EventStart:
			return start
		case EventExecute:
			return execute
		case EventInterrupt:
			return interrupt
		case EventInterrupted:
			return interrupted
		case EventExecutionCompleted:
			return completed
		default:
			return nil
		}
	}
}

// startProcessor resolves the vertex's resources, creates one tasklet per
// partition, wires the tasklets to their upstream queues and schedules the
// first round.
type startProcessor struct {
	r *VertexRunner
}

func (p *startProcessor) Process(ctx context.Context, _ any) (VertexRunnerResponse, error) {
	r := p.r

	resources, err := p.lookupResources(ctx)
	if err != nil {
		return VertexRunnerResponse{}, err
	}

	r.mu.Lock()
	inputs := append([]inputEdge(nil), r.inputs...)
	r.mu.Unlock()

	tasklets, err := p.createTasklets(resources)
	if err != nil {
		return VertexRunnerResponse{}, err
	}
	if err := p.connect(tasklets, inputs); err != nil {
		releaseAll(tasklets)
		return VertexRunnerResponse{}, err
	}
	for _, t := range tasklets {
		if err := t.init(); err != nil {
			releaseAll(tasklets)
			return VertexRunnerResponse{}, fmt.Errorf("init processor %s/%d: %w", r.Name(), t.index, err)
		}
	}

	r.mu.Lock()
	r.tasklets = tasklets
	resp := r.response()
	r.mu.Unlock()

	r.Logger().V(1).Info("started", "parallelism", len(tasklets), "inputs", len(inputs))
	r.HandleContainerRequest(EventExecute, nil)
	return resp, nil
}

func (p *startProcessor) lookupResources(ctx context.Context) (map[string][]byte, error) {
	r := p.r
	resources := make(map[string][]byte, len(r.vertex.Resources))
	if len(r.vertex.Resources) == 0 {
		return resources, nil
	}
	provider := r.NodeEngine().Resources()
	if provider == nil {
		return nil, fmt.Errorf("%w: no resource provider for %v", ErrResourceUnavailable, r.vertex.Resources)
	}
	for _, id := range r.vertex.Resources {
		b, err := provider.Lookup(ctx, id)
		if err != nil {
			if errors.Is(err, ErrResourceUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrResourceUnavailable, id, err)
		}
		resources[id] = b
	}
	return resources, nil
}

func (p *startProcessor) createTasklets(resources map[string][]byte) ([]*tasklet, error) {
	r := p.r
	opts := r.opts

	capacities := make([]int, len(r.vertex.Outputs))
	for i, c := range r.vertex.Outputs {
		if c <= 0 {
			c = opts.QueueCapacity
		}
		capacities[i] = c
	}

	metrics := r.NodeEngine().Metrics()
	tasklets := make([]*tasklet, 0, r.vertex.Parallelism)
	for i := 0; i < r.vertex.Parallelism; i++ {
		proc := r.vertex.Supplier(i)
		if proc == nil {
			releaseAll(tasklets)
			return nil, &EngineError{
				Message: fmt.Sprintf("supplier of vertex %s returned no processor for partition %d", r.Name(), i),
				Code:    "INVALID_VERTEX",
			}
		}
		ctx, cancel := context.WithCancel(context.Background())
		pctx := &ProcessorContext{
			Context:     ctx,
			Logger:      r.Logger().WithValues("partition", i),
			Application: r.ApplicationContext().Name(),
			ContainerID: r.ID(),
			Vertex:      r.Name(),
			Index:       i,
			Parallelism: r.vertex.Parallelism,
			Resources:   resources,
		}
		t := newTasklet(i, proc, pctx, cancel, capacities, opts.InboxBatchSize)
		logger := pctx.Logger
		t.outbox.onReject = func(ordinal int) {
			metrics.IncrementBackpressure(r.Name())
			logger.V(2).Info("offer refused", "ordinal", ordinal, "reason", ErrCapacityExceeded.Error())
		}
		tasklets = append(tasklets, t)
	}
	return tasklets, nil
}

// connect gives each upstream queue exactly one consumer: upstream
// partition i feeds local partition i mod parallelism.
func (p *startProcessor) connect(tasklets []*tasklet, inputs []inputEdge) error {
	for _, in := range inputs {
		upstream := in.upstream.taskletSnapshot()
		if upstream == nil {
			return &EngineError{
				Message: fmt.Sprintf("upstream %s of %s is not started", in.upstream.Name(), p.r.Name()),
				Code:    "UPSTREAM_NOT_STARTED",
			}
		}
		for i, ut := range upstream {
			q, err := ut.outbox.QueueWithOrdinal(in.upstreamOrdinal)
			if err != nil {
				return err
			}
			t := tasklets[i%len(tasklets)]
			t.inputs = append(t.inputs, inlet{ordinal: in.ordinal, queue: q})
		}
	}
	return nil
}

func releaseAll(tasklets []*tasklet) {
	for _, t := range tasklets {
		_ = t.release()
	}
}

// executeProcessor starts the next scheduling round. It never waits for
// passes: when a round is still in flight it reports the last progress.
type executeProcessor struct {
	r *VertexRunner
}

func (p *executeProcessor) Process(_ context.Context, _ any) (VertexRunnerResponse, error) {
	r := p.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failure != nil {
		err := fmt.Errorf("vertex %s: %w", r.Name(), r.failure)
		r.fail(err)
		return r.response(), err
	}
	if r.inflight > 0 || r.stopping {
		return r.response(), nil
	}

	n, err := r.startRound()
	if err != nil {
		r.failure = multierr.Append(r.failure, err)
		r.fail(err)
		return r.response(), err
	}
	if n == 0 && !r.completionPosted {
		r.completionPosted = true
		r.HandleContainerRequest(EventExecutionCompleted, nil)
	}
	return r.response(), nil
}

// interruptProcessor asks every tasklet to stop. It does not wait: passes
// in flight finish on their own and Interrupted waits for them.
type interruptProcessor struct {
	r *VertexRunner
}

func (p *interruptProcessor) Process(_ context.Context, _ any) (VertexRunnerResponse, error) {
	r := p.r
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stop()
	for _, t := range r.tasklets {
		t.cancel()
	}
	r.Logger().V(1).Info("interrupting", "inflight", r.inflight)
	return r.response(), nil
}

// interruptedProcessor waits for in-flight passes, releases the tasklets and
// fails the completion future with ErrCancellationRequested. A processor
// error raised by one of those last passes fails the transition instead, so
// the runner ends in Failed with that cause.
type interruptedProcessor struct {
	r *VertexRunner
}

func (p *interruptedProcessor) Process(ctx context.Context, _ any) (VertexRunnerResponse, error) {
	r := p.r
	if err := r.waitDrained(ctx); err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.fail(err)
		return r.response(), err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		err := fmt.Errorf("vertex %s interrupted after failure: %w", r.Name(), r.failure)
		r.fail(err)
		return r.response(), err
	}
	if err := r.release(); err != nil {
		r.settle(r.result(), err)
		return r.response(), err
	}
	r.settle(r.result(), fmt.Errorf("vertex %s: %w", r.Name(), ErrCancellationRequested))
	r.Logger().V(1).Info("interrupted", "rounds", r.rounds)
	return r.response(), nil
}

// executionCompletedProcessor releases the tasklets and resolves the
// completion future with the run result.
type executionCompletedProcessor struct {
	r *VertexRunner
}

func (p *executionCompletedProcessor) Process(ctx context.Context, _ any) (VertexRunnerResponse, error) {
	r := p.r
	r.mu.Lock()
	r.stop()
	r.mu.Unlock()

	if err := r.waitDrained(ctx); err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.fail(err)
		return r.response(), err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		err := fmt.Errorf("vertex %s: %w", r.Name(), r.failure)
		r.fail(err)
		return r.response(), err
	}
	if err := r.release(); err != nil {
		r.settle(r.result(), err)
		return r.response(), err
	}
	res := r.result()
	r.settle(res, nil)
	r.Logger().V(1).Info("completed", "rounds", res.Rounds, "itemsIn", res.ItemsIn, "itemsOut", res.ItemsOut)
	return r.response(), nil
}
