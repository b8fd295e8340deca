// Package events provides sinks for marketplace events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	marketplace "github.com/givabit/marketplace"
)

// Envelope is the serialized form of an event
type Envelope struct {
	Name      string          `json:"name"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode wraps event in an envelope
func Encode(event marketplace.Event, at time.Time) (Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Name: event.EventName(), Timestamp: at.UTC(), Payload: payload}, nil
}

// Recorder keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []marketplace.Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, event marketplace.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []marketplace.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]marketplace.Event(nil), r.events...)
}

// Named returns the recorded events with the given name
func (r *Recorder) Named(name string) []marketplace.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []marketplace.Event
	for _, e := range r.events {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}

// LogSink writes each event as a structured log line
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Emit(_ context.Context, event marketplace.Event) error {
	s.logger.Info(event.EventName(), zap.Any("event", event))
	return nil
}

// Multi fans an event out to every sink. All sinks are called even when
// some fail; the errors are joined.
type Multi []marketplace.EventSink

func (m Multi) Emit(ctx context.Context, event marketplace.Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
