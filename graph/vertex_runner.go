package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/dshills/dataflow-go/graph/emit"
)

// VertexRunnerEvent is a lifecycle request to a vertex runner.
type VertexRunnerEvent int

// Vertex runner lifecycle events.
const (
	EventStart VertexRunnerEvent = iota + 1
	EventExecute
	EventInterrupt
	EventInterrupted
	EventExecutionCompleted
)

func (e VertexRunnerEvent) String() string {
	switch e {
	case EventStart:
		return "Start"
	case EventExecute:
		return "Execute"
	case EventInterrupt:
		return "Interrupt"
	case EventInterrupted:
		return "Interrupted"
	case EventExecutionCompleted:
		return "ExecutionCompleted"
	default:
		return fmt.Sprintf("VertexRunnerEvent(%d)", int(e))
	}
}

// VertexRunnerState is a vertex runner lifecycle state.
type VertexRunnerState int

// Vertex runner lifecycle states.
const (
	StateReady VertexRunnerState = iota
	StateRunning
	StateInterrupting
	StateInterrupted
	StateCompleted
	StateFailed
)

func (s VertexRunnerState) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateInterrupting:
		return "Interrupting"
	case StateInterrupted:
		return "Interrupted"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("VertexRunnerState(%d)", int(s))
	}
}

func statePtr(s VertexRunnerState) *VertexRunnerState { return &s }

// VertexRunnerTransitions is the vertex runner lifecycle. Pairs not listed
// are rejected with ErrIllegalTransition.
var VertexRunnerTransitions = TransitionTable[VertexRunnerState, VertexRunnerEvent]{
	StateReady: {
		EventStart: {To: StateRunning},
	},
	StateRunning: {
		EventExecute:            {To: StateRunning, FailTo: statePtr(StateFailed)},
		EventInterrupt:          {To: StateInterrupting},
		EventExecutionCompleted: {To: StateCompleted, FailTo: statePtr(StateFailed)},
	},
	StateInterrupting: {
		EventInterrupted:        {To: StateInterrupted, FailTo: statePtr(StateFailed)},
		EventExecutionCompleted: {To: StateCompleted, FailTo: statePtr(StateFailed)},
	},
}

// VertexRunnerResponse resolves the future of a vertex runner request.
type VertexRunnerResponse struct {
	// Progress is the aggregated state of the last completed round.
	Progress ProgressState

	// Rounds is the number of completed scheduling rounds.
	Rounds int64

	// Tasklets is the number of partitions the runner drives.
	Tasklets int
}

// RunResult resolves a runner's completion future.
type RunResult struct {
	Vertex   string
	Rounds   int64
	ItemsIn  int64
	ItemsOut int64
	Progress ProgressState
}

// Vertex describes one node of the dataflow graph as executed locally.
type Vertex struct {
	// Name labels the runner. Empty falls back to the application name.
	Name string

	// Parallelism is the number of partitions. Default: 1.
	Parallelism int

	// Supplier creates the processor of each partition.
	Supplier ProcessorSupplier

	// Outputs holds the queue capacity of every output ordinal. Zero
	// selects the engine's default queue capacity.
	Outputs []int

	// Resources lists the resource ids looked up on Start.
	Resources []string
}

type inputEdge struct {
	ordinal         int
	upstream        *VertexRunner
	upstreamOrdinal int
}

// VertexRunner executes one vertex on this node. It is a Container whose
// lifecycle follows VertexRunnerTransitions.
//
// After Start the runner drives itself: every Execute hands each unfinished
// tasklet to the executor for one pass, and the end of each round posts the
// next Execute, or ExecutionCompleted once every tasklet is done. External
// callers only start, interrupt and observe it.
type VertexRunner struct {
	*Container[VertexRunnerEvent, VertexRunnerState, VertexRunnerResponse]

	vertex     Vertex
	opts       Options
	completion *Future[RunResult]

	mu               sync.Mutex
	inputs           []inputEdge
	claimed          map[int]bool
	tasklets         []*tasklet
	inflight         int
	roundAcc         ProgressState
	last             ProgressState
	rounds           int64
	idleRounds       int
	failure          error
	stopping         bool
	completionPosted bool
	releaseOnDrain   bool
	released         bool
	timer            *time.Timer
	drained          chan struct{}

	outcome        RunResult
	outcomeErr     error
	outcomeSettled bool
}

// NewVertexRunner creates a runner in state Ready.
func NewVertexRunner(app *ApplicationContext, engine *NodeEngine, vertex Vertex) (*VertexRunner, error) {
	if vertex.Supplier == nil {
		return nil, &EngineError{Message: "vertex " + vertex.Name + " has no processor supplier", Code: "INVALID_VERTEX"}
	}
	if vertex.Parallelism < 0 {
		return nil, &EngineError{Message: "vertex " + vertex.Name + " has negative parallelism", Code: "INVALID_VERTEX"}
	}
	if vertex.Parallelism == 0 {
		vertex.Parallelism = 1
	}

	r := &VertexRunner{
		vertex:     vertex,
		opts:       engine.Options(),
		completion: NewFuture[RunResult](),
		claimed:    make(map[int]bool),
	}
	processors := VertexRunnerPayloadFactory(r)
	r.Container = NewContainer("vertex_runner", vertex.Name, app, engine, StateMachineConfig[VertexRunnerEvent, VertexRunnerState, VertexRunnerResponse]{
		Initial:    StateReady,
		Table:      VertexRunnerTransitions,
		Processors: processors,
		Terminal:   []VertexRunnerState{StateInterrupted, StateCompleted, StateFailed},
		Observers:  []func(TransitionRecord[VertexRunnerEvent, VertexRunnerState]){r.resolveCompletion},
	})
	return r, nil
}

// Vertex returns the vertex definition.
func (r *VertexRunner) Vertex() Vertex { return r.vertex }

// Start submits EventStart.
func (r *VertexRunner) Start() *Future[VertexRunnerResponse] {
	return r.HandleContainerRequest(EventStart, nil)
}

// Interrupt submits EventInterrupt followed by EventInterrupted, and
// returns the future of the latter.
func (r *VertexRunner) Interrupt() *Future[VertexRunnerResponse] {
	r.HandleContainerRequest(EventInterrupt, nil)
	return r.HandleContainerRequest(EventInterrupted, nil)
}

// Completion returns the future resolved when the runner reaches a terminal
// state: with the run result on completion, with ErrCancellationRequested
// after an interrupt, or with the failure cause.
func (r *VertexRunner) Completion() *Future[RunResult] {
	return r.completion
}

// Wait blocks until the runner terminates or ctx is done.
func (r *VertexRunner) Wait(ctx context.Context) (RunResult, error) {
	return r.completion.Get(ctx)
}

// Progress returns the aggregated state of the last completed round.
func (r *VertexRunner) Progress() ProgressState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Connect feeds input ordinal of this runner from the output ordinal
// upstreamOrdinal of upstream. It must be called before Start, and upstream
// must be started before this runner.
//
// Upstream partition i feeds partition i mod Parallelism of this runner, so
// every upstream queue has exactly one consumer.
func (r *VertexRunner) Connect(ordinal int, upstream *VertexRunner, upstreamOrdinal int) error {
	if st := r.State(); st != StateReady {
		return fmt.Errorf("connect %s in state %s: %w", r.Name(), st, ErrIllegalTransition)
	}
	if ordinal < 0 {
		return fmt.Errorf("%w: input %d", ErrInvalidOrdinal, ordinal)
	}
	if err := upstream.claimOutput(upstreamOrdinal); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, inputEdge{ordinal: ordinal, upstream: upstream, upstreamOrdinal: upstreamOrdinal})
	return nil
}

func (r *VertexRunner) claimOutput(ordinal int) error {
	if ordinal < 0 || ordinal >= len(r.vertex.Outputs) {
		return fmt.Errorf("%w: %d (vertex %s has %d outputs)", ErrInvalidOrdinal, ordinal, r.Name(), len(r.vertex.Outputs))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed[ordinal] {
		return &EngineError{
			Message: fmt.Sprintf("output %d of vertex %s is already connected", ordinal, r.Name()),
			Code:    "OUTPUT_ALREADY_CONNECTED",
		}
	}
	r.claimed[ordinal] = true
	return nil
}

func (r *VertexRunner) taskletSnapshot() []*tasklet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasklets
}

func (r *VertexRunner) response() VertexRunnerResponse {
	return VertexRunnerResponse{Progress: r.last, Rounds: r.rounds, Tasklets: len(r.tasklets)}
}

// passTask runs one tasklet pass on the executor.
type passTask struct {
	r *VertexRunner
	t *tasklet
}

func (p passTask) Run() {
	start := time.Now()
	state, err := p.t.pass()
	p.r.passFinished(p.t, state, err, time.Since(start))
}

func (p passTask) IsCooperative() bool {
	return IsCooperative(p.t.processor)
}

// startRound hands every unfinished tasklet to the executor. It returns the
// number of passes submitted. r.mu must be held.
func (r *VertexRunner) startRound() (int, error) {
	var pending []*tasklet
	for _, t := range r.tasklets {
		if !t.done {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	// Count every pass before submitting any, so that a fast pass cannot
	// close the round early.
	r.roundAcc = ProgressState{Done: true}
	r.inflight = len(pending)
	exec := r.NodeEngine().Executor()
	for i, t := range pending {
		if err := exec.Submit(passTask{r: r, t: t}); err != nil {
			r.inflight -= len(pending) - i
			return i, fmt.Errorf("submit pass of %s/%d: %w", r.Name(), t.index, err)
		}
	}
	return len(pending), nil
}

type roundAction int

const (
	actionNone roundAction = iota
	actionExecute
	actionComplete
	actionBackoff
)

func (r *VertexRunner) passFinished(t *tasklet, state ProgressState, err error, d time.Duration) {
	status := state.String()
	if err != nil {
		status = "error"
	}
	r.NodeEngine().Metrics().RecordPassLatency(r.Name(), d, status)

	r.mu.Lock()
	r.roundAcc = r.roundAcc.And(state)
	if err != nil && !errors.Is(err, ErrCancellationRequested) {
		r.failure = multierr.Append(r.failure, fmt.Errorf("partition %d: %w", t.index, err))
		r.Logger().Error(err, "pass failed", "partition", t.index, "stopping", r.stopping)
	}
	r.inflight--
	if r.inflight > 0 {
		r.mu.Unlock()
		return
	}
	action, delay := r.finishRound()
	r.mu.Unlock()

	r.perform(action, delay)
}

// finishRound classifies the completed round and decides what to post
// next. r.mu must be held.
func (r *VertexRunner) finishRound() (roundAction, time.Duration) {
	state := r.roundAcc
	r.last = state
	r.rounds++

	if r.drained != nil {
		close(r.drained)
		r.drained = nil
	}
	if r.releaseOnDrain {
		r.releaseOnDrain = false
		if err := r.release(); err != nil {
			r.Logger().Error(err, "release after failure")
		}
	}

	allDone := true
	anyDone := false
	for _, t := range r.tasklets {
		allDone = allDone && t.done
		anyDone = anyDone || t.done
	}

	metrics := r.NodeEngine().Metrics()
	switch {
	case r.failure != nil:
		metrics.IncrementRounds(r.Name(), "failed")
	case allDone:
		metrics.IncrementRounds(r.Name(), "done")
	case state.MadeProgress:
		metrics.IncrementRounds(r.Name(), "progress")
	case anyDone:
		metrics.IncrementRounds(r.Name(), "idle")
	default:
		metrics.IncrementRounds(r.Name(), "stalled")
	}

	if r.stopping {
		return actionNone, 0
	}
	if r.failure != nil {
		return actionExecute, 0
	}
	if allDone {
		if r.completionPosted {
			return actionNone, 0
		}
		r.completionPosted = true
		return actionComplete, 0
	}
	if state.MadeProgress {
		r.idleRounds = 0
		return actionExecute, 0
	}

	r.idleRounds++
	if r.idleRounds == r.opts.StallReportRounds && !anyDone {
		r.reportStall()
	}
	return actionBackoff, r.backoff()
}

func (r *VertexRunner) backoff() time.Duration {
	d := r.opts.IdleBackoffMin
	for i := 1; i < r.idleRounds && d < r.opts.IdleBackoffMax; i++ {
		d *= 2
	}
	if d > r.opts.IdleBackoffMax {
		d = r.opts.IdleBackoffMax
	}
	return d
}

func (r *VertexRunner) reportStall() {
	r.Logger().V(1).Info("no progress", "rounds", r.idleRounds, "err", ErrNoProgress)
	r.NodeEngine().Emitter().Emit(emit.Event{
		Application: r.ApplicationContext().Name(),
		ContainerID: r.ID(),
		Container:   r.Name(),
		Msg:         "stall",
		Meta: map[string]interface{}{
			"error":       ErrNoProgress.Error(),
			"idle_rounds": r.idleRounds,
			"round":       r.rounds,
		},
	})
}

func (r *VertexRunner) perform(action roundAction, delay time.Duration) {
	switch action {
	case actionExecute:
		r.HandleContainerRequest(EventExecute, nil)
	case actionComplete:
		r.HandleContainerRequest(EventExecutionCompleted, nil)
	case actionBackoff:
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.stopping {
			return
		}
		r.timer = time.AfterFunc(delay, r.postExecute)
	}
}

func (r *VertexRunner) postExecute() {
	r.mu.Lock()
	stopping := r.stopping
	r.mu.Unlock()
	if !stopping {
		r.HandleContainerRequest(EventExecute, nil)
	}
}

// stop prevents further rounds from being posted. r.mu must be held.
func (r *VertexRunner) stop() {
	r.stopping = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// waitDrained blocks until no pass is in flight, bounded by the interrupt
// timeout. It runs on the control goroutine, never on a pool worker.
func (r *VertexRunner) waitDrained(ctx context.Context) error {
	r.mu.Lock()
	if r.inflight == 0 {
		r.mu.Unlock()
		return nil
	}
	if r.drained == nil {
		r.drained = make(chan struct{})
	}
	drained := r.drained
	r.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, r.opts.InterruptTimeout)
	defer cancel()

	select {
	case <-drained:
		return nil
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %v", ErrInterruptTimeout, r.Name(), r.opts.InterruptTimeout)
		}
		return tctx.Err()
	}
}

// release frees the resources of every tasklet once. r.mu must be held and
// no pass may be in flight.
func (r *VertexRunner) release() error {
	if r.released {
		return nil
	}
	r.released = true
	var err error
	for _, t := range r.tasklets {
		err = multierr.Append(err, t.release())
	}
	return err
}

// fail stops the runner and fails its completion future. Resources are
// released now, or when the in-flight passes drain. r.mu must be held.
func (r *VertexRunner) fail(err error) {
	r.stop()
	if r.inflight == 0 {
		err = multierr.Append(err, r.release())
	} else {
		r.releaseOnDrain = true
	}
	r.settle(r.result(), err)
}

// settle records the outcome the completion future resolves with once the
// runner's terminal state is recorded. The first outcome wins. r.mu must be
// held.
func (r *VertexRunner) settle(res RunResult, err error) {
	if r.outcomeSettled {
		return
	}
	r.outcome, r.outcomeErr, r.outcomeSettled = res, err, true
}

func (r *VertexRunner) resolveCompletion(rec TransitionRecord[VertexRunnerEvent, VertexRunnerState]) {
	if rec.To != StateInterrupted && rec.To != StateCompleted && rec.To != StateFailed {
		return
	}
	r.mu.Lock()
	res, err := r.outcome, r.outcomeErr
	if !r.outcomeSettled {
		res, err = r.result(), rec.Err
	}
	r.mu.Unlock()
	r.completion.Complete(res, err)
}

// result summarizes the run. r.mu must be held.
func (r *VertexRunner) result() RunResult {
	res := RunResult{Vertex: r.Name(), Rounds: r.rounds, Progress: r.last}
	for _, t := range r.tasklets {
		res.ItemsIn += t.itemsIn.Load()
		res.ItemsOut += t.itemsOut()
	}
	return res
}
