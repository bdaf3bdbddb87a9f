package emit

// Emitter receives lifecycle events from containers.
//
// Implementations should be:
//   - Non-blocking: Emit runs on a container's control goroutine
//   - Thread-safe: many containers emit concurrently
//   - Resilient: failures are handled internally and never reach the caller
type Emitter interface {
	// Emit sends an event to the configured backend. It must not panic.
	Emit(event Event)
}

// Multi fans every event out to all emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
