package emit

// Event describes one container lifecycle occurrence: an accepted, illegal or
// failed transition, a completed scheduling round, a stall.
//
// Events are emitted to an Emitter which can:
//   - Log to a writer or to a logr.Logger
//   - Record spans with OpenTelemetry
//   - Buffer in memory for inspection
type Event struct {
	// Application names the application the container belongs to.
	Application string

	// ContainerID is the container id allocated by the application context.
	// Zero for node-level events.
	ContainerID int64

	// Container is the container name (the vertex name for vertex runners).
	Container string

	// Seq is the per-container request sequence number (1-indexed).
	Seq int64

	// Msg is the event kind, e.g. "transition", "transition_rejected",
	// "round", "stall".
	Msg string

	// Meta contains additional structured data. Common keys:
	//   - "event": lifecycle event name
	//   - "from", "to": states
	//   - "duration_ms": transition duration in milliseconds
	//   - "error": error text
	Meta map[string]interface{}
}
