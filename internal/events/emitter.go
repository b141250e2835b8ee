package events

import (
	"log/slog"

	"github.com/goccy/go-json"
)

// LogEmitter writes events as structured log lines.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a log-backed sink.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter.
func (e *LogEmitter) Emit(event Event) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	e.logger.Info("event",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"correlation_id", event.CorrelationID,
		"payload", string(payload))
}

// Close implements Emitter.
func (e *LogEmitter) Close() error { return nil }

// ChannelEmitter delivers events over a bounded channel to an external
// consumer. A full channel drops the event with a warning; the request
// path never blocks on the sink.
type ChannelEmitter struct {
	ch     chan Event
	logger *slog.Logger
}

// NewChannelEmitter creates a channel sink with the given capacity.
func NewChannelEmitter(capacity int, logger *slog.Logger) *ChannelEmitter {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelEmitter{ch: make(chan Event, capacity), logger: logger}
}

// Events exposes the consumer side.
func (e *ChannelEmitter) Events() <-chan Event { return e.ch }

// Emit implements Emitter.
func (e *ChannelEmitter) Emit(event Event) {
	select {
	case e.ch <- event:
	default:
		e.logger.Warn("event channel full, dropping event",
			"event_type", event.EventType, "correlation_id", event.CorrelationID)
	}
}

// Close implements Emitter.
func (e *ChannelEmitter) Close() error {
	close(e.ch)
	return nil
}

// MultiEmitter fans out to several sinks.
type MultiEmitter struct {
	sinks []Emitter
}

// NewMultiEmitter combines sinks; a nil sink is skipped.
func NewMultiEmitter(sinks ...Emitter) *MultiEmitter {
	out := &MultiEmitter{}
	for _, s := range sinks {
		if s != nil {
			out.sinks = append(out.sinks, s)
		}
	}
	return out
}

// Emit implements Emitter.
func (e *MultiEmitter) Emit(event Event) {
	for _, s := range e.sinks {
		s.Emit(event)
	}
}

// Close implements Emitter.
func (e *MultiEmitter) Close() error {
	var firstErr error
	for _, s := range e.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
