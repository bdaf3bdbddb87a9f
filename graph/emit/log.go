package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter implements Emitter by writing structured log output to a writer.
//
// Supports two output modes:
//   - Text mode (default): Human-readable format with key=value pairs
//   - JSON mode: Machine-readable JSON format, one event per line
//
// Example text output:
//
//	[transition] app=wordcount container=tokenize#3 seq=1
//
// Example JSON output:
//
//	{"application":"wordcount","containerID":3,"container":"tokenize","seq":1,"msg":"transition","meta":{"event":"Start"}}
//
// Usage:
//
//	// Text output to stdout
//	emitter := emit.NewLogEmitter(os.Stdout, false)
//
//	// JSON output to file
//	f, _ := os.Create("events.jsonl")
//	defer f.Close()
//	emitter := emit.NewLogEmitter(f, true)
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter.
//
// Parameters:
//   - writer: Where to write the log output (e.g., os.Stdout, file)
//   - jsonMode: If true, emit JSON format; if false, emit text format
//
// Returns a LogEmitter that writes structured event data to the provided writer.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes an event to the configured writer.
//
// Format depends on jsonMode:
//   - JSON mode: Writes event as single-line JSON object
//   - Text mode: Writes human-readable format with [msg] prefix
//
// Example text output:
//
//	[transition] app=wordcount container=tokenize#3 seq=1 meta={"event":"Start","from":"Ready","to":"Running"}
//	[transition_rejected] app=wordcount container=tokenize#3 seq=2 meta={"error":"illegal transition"}
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

// emitJSON writes event as one JSON line.
func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		Application string                 `json:"application"`
		ContainerID int64                  `json:"containerID"`
		Container   string                 `json:"container"`
		Seq         int64                  `json:"seq"`
		Msg         string                 `json:"msg"`
		Meta        map[string]interface{} `json:"meta"`
	}{
		Application: event.Application,
		ContainerID: event.ContainerID,
		Container:   event.Container,
		Seq:         event.Seq,
		Msg:         event.Msg,
		Meta:        event.Meta,
	})
	if err != nil {
		// Fallback to error message if marshal fails
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}

	// Write JSON followed by newline (JSONL format)
	fmt.Fprintf(l.writer, "%s\n", data)
}

// emitText writes event as human-readable text to the writer.
func (l *LogEmitter) emitText(event Event) {
	// Format: [msg] app=xxx container=name#id seq=N [meta=...]
	fmt.Fprintf(l.writer, "[%s] app=%s container=%s#%d seq=%d",
		event.Msg, event.Application, event.Container, event.ContainerID, event.Seq)

	// Add meta if present
	if len(event.Meta) > 0 {
		// Try to marshal meta as JSON for readability
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	fmt.Fprint(l.writer, "\n")
}
