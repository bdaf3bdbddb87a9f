package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/dshills/dataflow-go/graph/emit"
	"github.com/dshills/dataflow-go/graph/store"
)

// storeTimeout bounds a transition history write. A slow store delays the
// container's next request, never its outcome.
const storeTimeout = 5 * time.Second

// Container is an addressable execution context owning exactly one state
// machine. The event, state and response types are chosen by the container
// kind; the lifecycle is given by the transition table of its config.
//
// Every processed request is reported to the node engine's emitter, store,
// metrics and logger. None of them can change a transition's outcome.
type Container[E comparable, S comparable, R any] struct {
	id      int64
	name    string
	kind    string
	app     *ApplicationContext
	engine  *NodeEngine
	logger  logr.Logger
	machine *StateMachine[E, S, R]
}

// NewContainer allocates a container id from app and builds the container's
// state machine from cfg. kind labels metrics ("vertex_runner"); an empty
// name falls back to the application name.
func NewContainer[E comparable, S comparable, R any](
	kind, name string,
	app *ApplicationContext,
	engine *NodeEngine,
	cfg StateMachineConfig[E, S, R],
) *Container[E, S, R] {
	if name == "" {
		name = app.Name()
	}
	c := &Container[E, S, R]{
		id:     app.AllocateContainerID(),
		name:   name,
		kind:   kind,
		app:    app,
		engine: engine,
	}
	c.logger = engine.Logger().WithName(kind).WithValues("application", app.Name(), "container", name, "containerID", c.id)

	cfg.ID = c.id
	cfg.Name = name
	cfg.Observers = append(cfg.Observers, c.observe)
	c.machine = NewStateMachine(cfg)
	return c
}

// HandleContainerRequest is the only external entry point into the
// container's lifecycle. It queues the request on the state machine and,
// whatever the outcome, wakes the executor so that newly runnable work is
// picked up.
func (c *Container[E, S, R]) HandleContainerRequest(event E, payload any) *Future[R] {
	defer c.wakeUpExecutor()
	return c.machine.Submit(event, payload)
}

func (c *Container[E, S, R]) wakeUpExecutor() {
	c.engine.Executor().Wake()
}

// ID returns the container id.
func (c *Container[E, S, R]) ID() int64 { return c.id }

// Name returns the container name.
func (c *Container[E, S, R]) Name() string { return c.name }

// Kind returns the container kind.
func (c *Container[E, S, R]) Kind() string { return c.kind }

// ApplicationContext returns the owning application context.
func (c *Container[E, S, R]) ApplicationContext() *ApplicationContext { return c.app }

// NodeEngine returns the node engine.
func (c *Container[E, S, R]) NodeEngine() *NodeEngine { return c.engine }

// Logger returns the container-scoped logger.
func (c *Container[E, S, R]) Logger() logr.Logger { return c.logger }

// StateMachine exposes the container's machine for observation.
func (c *Container[E, S, R]) StateMachine() *StateMachine[E, S, R] { return c.machine }

// State returns the current lifecycle state.
func (c *Container[E, S, R]) State() S { return c.machine.State() }

func (c *Container[E, S, R]) observe(rec TransitionRecord[E, S]) {
	event, from, to := fmt.Sprint(rec.Event), fmt.Sprint(rec.From), fmt.Sprint(rec.To)

	outcome, msg := "accepted", "transition"
	switch {
	case rec.Err == nil:
	case errors.Is(rec.Err, ErrIllegalTransition):
		outcome, msg = "illegal", "transition_rejected"
	default:
		outcome, msg = "failed", "transition_failed"
	}

	c.engine.Metrics().IncrementTransitions(c.kind, event, outcome)

	meta := map[string]interface{}{
		"event":       event,
		"from":        from,
		"to":          to,
		"duration_ms": rec.Duration.Milliseconds(),
	}
	if rec.Err != nil {
		meta["error"] = rec.Err.Error()
	}
	c.engine.Emitter().Emit(emit.Event{
		Application: c.app.Name(),
		ContainerID: c.id,
		Container:   c.name,
		Seq:         rec.Seq,
		Msg:         msg,
		Meta:        meta,
	})

	switch outcome {
	case "failed":
		c.logger.Error(rec.Err, "transition failed", "event", event, "from", from, "to", to)
	case "illegal":
		c.logger.V(1).Info("transition rejected", "event", event, "state", from)
	default:
		c.logger.V(1).Info("transition", "event", event, "from", from, "to", to, "duration", rec.Duration)
	}

	if s := c.engine.Store(); s != nil {
		r := store.Record{
			Application: c.app.Name(),
			ContainerID: c.id,
			Container:   c.name,
			Seq:         rec.Seq,
			Event:       event,
			From:        from,
			To:          to,
			Accepted:    rec.Err == nil,
			Duration:    rec.Duration,
			At:          time.Now(),
		}
		if rec.Err != nil {
			r.Error = rec.Err.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.SaveTransition(ctx, r); err != nil {
			c.logger.Error(err, "failed to record transition", "seq", rec.Seq)
		}
	}
}
