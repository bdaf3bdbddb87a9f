package emit

import (
	"errors"

	"github.com/go-logr/logr"
)

// LogrEmitter implements Emitter by writing events to a logr.Logger.
//
// Events carrying an "error" meta value are logged with logger.Error; the
// others at verbosity level V, so that routine transitions can be hidden in
// production and surfaced with a more verbose sink.
type LogrEmitter struct {
	logger logr.Logger
	level  int
}

// NewLogrEmitter creates an emitter writing non-error events at verbosity
// level.
func NewLogrEmitter(logger logr.Logger, level int) *LogrEmitter {
	return &LogrEmitter{logger: logger.WithName("events"), level: level}
}

// Emit implements Emitter.
func (l *LogrEmitter) Emit(event Event) {
	kv := make([]interface{}, 0, 8+2*len(event.Meta))
	kv = append(kv,
		"application", event.Application,
		"container", event.Container,
		"containerID", event.ContainerID,
		"seq", event.Seq,
	)
	var errText string
	for k, v := range event.Meta {
		if k == "error" {
			errText, _ = v.(string)
			continue
		}
		kv = append(kv, k, v)
	}
	if errText != "" {
		l.logger.Error(errors.New(errText), event.Msg, kv...)
		return
	}
	l.logger.V(l.level).Info(event.Msg, kv...)
}
