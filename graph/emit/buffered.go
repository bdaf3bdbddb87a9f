package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, grouped by
// application.
//
// Features:
//   - Thread-safe concurrent access
//   - Query by application with optional filtering
//   - Filter by container, message, sequence range
//   - Clear events by application or all events
//
// Warning: all events are kept in memory. Use it for tests, debugging and
// short-lived local pipelines.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	engine, _ := graph.NewNodeEngine(graph.WithEmitter(emitter))
//
//	// ... run vertex runners of application "wordcount" ...
//
//	all := emitter.GetHistory("wordcount")
//	rejected := emitter.GetHistoryWithFilter("wordcount", emit.HistoryFilter{Msg: "transition_rejected"})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // application -> events
}

// HistoryFilter specifies criteria for filtering event history.
//
// All filter fields are optional. When several are set they are combined
// with AND logic.
type HistoryFilter struct {
	Container   string // Filter by container name (empty = no filter)
	ContainerID int64  // Filter by container id (0 = no filter)
	Msg         string // Filter by message (empty = no filter)
	MinSeq      *int64 // Minimum sequence number (nil = no filter)
	MaxSeq      *int64 // Maximum sequence number (nil = no filter)
}

func (f HistoryFilter) empty() bool {
	return f.Container == "" && f.ContainerID == 0 && f.Msg == "" && f.MinSeq == nil && f.MaxSeq == nil
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.Application] = append(b.events[event.Application], event)
}

// GetHistory returns a copy of all events of an application in emission
// order. It never returns nil.
func (b *BufferedEmitter) GetHistory(application string) []Event {
	return b.GetHistoryWithFilter(application, HistoryFilter{})
}

// GetHistoryWithFilter returns a copy of the events of an application that
// match filter, in emission order. It never returns nil.
func (b *BufferedEmitter) GetHistoryWithFilter(application string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[application]
	if filter.empty() {
		result := make([]Event, len(events))
		copy(result, events)
		return result
	}

	result := []Event{}
	for _, event := range events {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.Container != "" && event.Container != filter.Container {
		return false
	}
	if filter.ContainerID != 0 && event.ContainerID != filter.ContainerID {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinSeq != nil && event.Seq < *filter.MinSeq {
		return false
	}
	if filter.MaxSeq != nil && event.Seq > *filter.MaxSeq {
		return false
	}
	return true
}

// Clear removes stored events of one application, or of all applications
// when application is empty.
func (b *BufferedEmitter) Clear(application string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if application == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, application)
}
