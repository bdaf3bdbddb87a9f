// Package graph provides the per-node execution core of the dataflow engine:
// lifecycle state machines for execution containers, the vertex runner built on
// them, and the bounded inbox/outbox plumbing processors use under the
// cooperative scheduler.
package graph

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition indicates that an event is not valid from the current
// state of a container. The state is left unchanged and the error is reported
// to the caller only.
var ErrIllegalTransition = errors.New("illegal transition")

// ErrInvalidOrdinal indicates an outbox write to a destination that does not
// exist. This is a programming error in the processor.
var ErrInvalidOrdinal = errors.New("invalid outbox ordinal")

// ErrCapacityExceeded names the backpressure condition of a full outbox queue.
// It is never returned to callers outside the scheduler: Offer reports it as
// false and the producer retries on its next pass.
var ErrCapacityExceeded = errors.New("outbox queue at capacity")

// ErrResourceUnavailable is returned when the resource provider has no
// resource for the requested id. It fails the requesting transition.
var ErrResourceUnavailable = errors.New("resource unavailable")

// ErrCancellationRequested is used to unwind a processing unit after an
// Interrupt, and to fail completion futures of interrupted runners.
var ErrCancellationRequested = errors.New("cancellation requested")

// ErrNoProgress classifies a scheduling round in which no unit made progress
// and none is done. Repeated stalls usually mean a deadlock between vertices.
var ErrNoProgress = errors.New("no progress: scheduling round stalled")

// ErrInterruptTimeout is returned by the Interrupted transition when in-flight
// passes do not drain within the configured interrupt timeout.
var ErrInterruptTimeout = errors.New("interrupt timeout: passes still in flight")

// ErrExecutorShutdown is returned when work is submitted to an executor that
// has been shut down.
var ErrExecutorShutdown = errors.New("executor shut down")

// TransitionError describes a rejected or failed lifecycle transition.
type TransitionError struct {
	// ContainerID identifies the container the request was submitted to.
	ContainerID int64

	// Container is the container name (vertex or application name).
	Container string

	// From is the state the container was in when the request was processed.
	From string

	// Event is the requested event.
	Event string

	// Err is the cause: ErrIllegalTransition or the processor's failure.
	Err error
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("container %s#%d: %s from %s: %v", e.Container, e.ContainerID, e.Event, e.From, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransitionError) Unwrap() error {
	return e.Err
}

// EngineError represents a configuration or wiring error in the node engine.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
