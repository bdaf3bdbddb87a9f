package graph

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PayloadProcessor performs the side effects of one lifecycle transition and
// produces the response that resolves the request's future.
type PayloadProcessor[R any] interface {
	Process(ctx context.Context, payload any) (R, error)
}

// PayloadFunc adapts a plain function to PayloadProcessor.
type PayloadFunc[R any] func(ctx context.Context, payload any) (R, error)

// Process implements PayloadProcessor.
func (f PayloadFunc[R]) Process(ctx context.Context, payload any) (R, error) {
	return f(ctx, payload)
}

// Transition is the target of a (state, event) pair.
type Transition[S comparable] struct {
	// To is the state recorded when the processor succeeds.
	To S

	// FailTo is the state recorded when the processor fails. When nil the
	// state is left unchanged.
	FailTo *S
}

// TransitionTable maps every state to its legal outgoing events. A pair that
// is absent from the table is an illegal transition.
type TransitionTable[S comparable, E comparable] map[S]map[E]Transition[S]

// Lookup returns the transition for a (state, event) pair.
func (t TransitionTable[S, E]) Lookup(from S, event E) (Transition[S], bool) {
	events, ok := t[from]
	if !ok {
		return Transition[S]{}, false
	}
	tr, ok := events[event]
	return tr, ok
}

// TransitionRecord describes one processed request. Observers receive a
// record for every request, accepted or not.
type TransitionRecord[E comparable, S comparable] struct {
	Seq      int64
	Event    E
	From     S
	To       S
	Accepted bool
	Err      error
	Duration time.Duration
}

// StateMachineConfig configures a StateMachine.
type StateMachineConfig[E comparable, S comparable, R any] struct {
	// Name labels errors produced by the machine.
	Name string

	// ID identifies the owning container in errors.
	ID int64

	// Initial is the starting state.
	Initial S

	// Table is the transition map.
	Table TransitionTable[S, E]

	// Processors returns the payload processor bound to an event.
	Processors func(event E) PayloadProcessor[R]

	// Terminal lists states that accept no further events.
	Terminal []S

	// QueryEvent, if set, is accepted in every state and answered by Query
	// without a transition.
	QueryEvent *E
	Query      func(state S) R

	// Observers are notified, on the control goroutine, after every request.
	Observers []func(TransitionRecord[E, S])

	// Context is passed to payload processors. Defaults to Background.
	Context context.Context
}

type smRequest[E comparable, R any] struct {
	event   E
	payload any
	future  *Future[R]
}

// StateMachine drives the lifecycle of one container.
//
// Requests are queued in a FIFO mailbox and processed one at a time by a
// control goroutine that is started when the first request arrives and exits
// once the mailbox is empty. Hence at most one transition is in flight, and
// futures resolve in submission order. Processors may submit further requests
// to their own machine; those are queued behind the current one.
type StateMachine[E comparable, S comparable, R any] struct {
	cfg      StateMachineConfig[E, S, R]
	terminal map[S]bool

	mu       sync.Mutex
	state    S
	queue    []smRequest[E, R]
	draining bool
	idle     chan struct{}
	seq      int64
}

// NewStateMachine creates a machine in its initial state.
func NewStateMachine[E comparable, S comparable, R any](cfg StateMachineConfig[E, S, R]) *StateMachine[E, S, R] {
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	terminal := make(map[S]bool, len(cfg.Terminal))
	for _, s := range cfg.Terminal {
		terminal[s] = true
	}
	idle := make(chan struct{})
	close(idle)
	return &StateMachine[E, S, R]{
		cfg:      cfg,
		terminal: terminal,
		state:    cfg.Initial,
		idle:     idle,
	}
}

// Submit queues a request and returns its future. It never blocks on the
// transition itself.
func (m *StateMachine[E, S, R]) Submit(event E, payload any) *Future[R] {
	f := NewFuture[R]()

	m.mu.Lock()
	m.queue = append(m.queue, smRequest[E, R]{event: event, payload: payload, future: f})
	if !m.draining {
		m.draining = true
		m.idle = make(chan struct{})
		go m.drain()
	}
	m.mu.Unlock()

	return f
}

// State returns the current state.
func (m *StateMachine[E, S, R]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsTerminal reports whether the machine has reached a terminal state.
func (m *StateMachine[E, S, R]) IsTerminal() bool {
	return m.terminal[m.State()]
}

// Pending returns the number of queued requests not yet processed.
func (m *StateMachine[E, S, R]) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// WaitIdle blocks until the mailbox is empty and no transition is running.
func (m *StateMachine[E, S, R]) WaitIdle(ctx context.Context) error {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *StateMachine[E, S, R]) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.draining = false
			close(m.idle)
			m.mu.Unlock()
			return
		}
		req := m.queue[0]
		m.queue[0] = smRequest[E, R]{}
		m.queue = m.queue[1:]
		m.seq++
		seq := m.seq
		from := m.state
		m.mu.Unlock()

		m.process(seq, from, req)
	}
}

func (m *StateMachine[E, S, R]) process(seq int64, from S, req smRequest[E, R]) {
	start := time.Now()
	rec := TransitionRecord[E, S]{Seq: seq, Event: req.event, From: from, To: from}

	if m.cfg.QueryEvent != nil && req.event == *m.cfg.QueryEvent {
		var resp R
		if m.cfg.Query != nil {
			resp = m.cfg.Query(from)
		}
		rec.Accepted = true
		m.notify(rec, start)
		req.future.Complete(resp, nil)
		return
	}

	tr, ok := m.cfg.Table.Lookup(from, req.event)
	if !ok || m.terminal[from] {
		rec.Err = m.transitionError(from, req.event, ErrIllegalTransition)
		m.notify(rec, start)
		var zero R
		req.future.Complete(zero, rec.Err)
		return
	}

	var p PayloadProcessor[R]
	if m.cfg.Processors != nil {
		p = m.cfg.Processors(req.event)
	}
	if p == nil {
		rec.Err = m.transitionError(from, req.event, &EngineError{
			Message: fmt.Sprintf("no payload processor bound to %v", req.event),
			Code:    "NO_PROCESSOR",
		})
		m.notify(rec, start)
		var zero R
		req.future.Complete(zero, rec.Err)
		return
	}

	resp, err := m.runProcessor(p, req.payload)
	if err != nil {
		rec.Err = m.transitionError(from, req.event, err)
		if tr.FailTo != nil {
			m.setState(*tr.FailTo)
			rec.To = *tr.FailTo
		}
		m.notify(rec, start)
		var zero R
		req.future.Complete(zero, rec.Err)
		return
	}

	m.setState(tr.To)
	rec.To = tr.To
	rec.Accepted = true
	m.notify(rec, start)
	req.future.Complete(resp, nil)
}

// runProcessor executes p, converting a panic into an error so that the
// control goroutine and the mailbox survive a faulty processor.
func (m *StateMachine[E, S, R]) runProcessor(p PayloadProcessor[R], payload any) (resp R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("payload processor panicked: %v", r)
		}
	}()
	return p.Process(m.cfg.Context, payload)
}

func (m *StateMachine[E, S, R]) setState(s S) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *StateMachine[E, S, R]) notify(rec TransitionRecord[E, S], start time.Time) {
	rec.Duration = time.Since(start)
	for _, obs := range m.cfg.Observers {
		m.observe(obs, rec)
	}
}

// observe isolates the machine from a panicking observer: reporting must
// never change a transition's outcome.
func (m *StateMachine[E, S, R]) observe(obs func(TransitionRecord[E, S]), rec TransitionRecord[E, S]) {
	defer func() { _ = recover() }()
	obs(rec)
}

func (m *StateMachine[E, S, R]) transitionError(from S, event E, cause error) error {
	return &TransitionError{
		ContainerID: m.cfg.ID,
		Container:   m.cfg.Name,
		From:        fmt.Sprint(from),
		Event:       fmt.Sprint(event),
		Err:         cause,
	}
}
