// Package events carries notifications from the core to the front-end.
//
// The desktop GUI is an external collaborator; the core only knows it as a
// Sink that accepts named events with JSON-serialisable payloads.
package events

import (
	"encoding/json"
	"sync"
)

// Event names emitted by the core.
const (
	IPCMessage   = "ipc_message"
	IPCClosed    = "ipc_closed"
	TaskCreated  = "task_created"
	TaskProgress = "task_progress"
	TaskDropped  = "task_dropped"
)

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(name string, payload any) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(name string, payload any) error

// Emit calls f.
func (f SinkFunc) Emit(name string, payload any) error { return f(name, payload) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(string, any) error { return nil })

// Event is one recorded emission.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Recorder is an in-memory Sink. It stores the JSON form of each payload so
// tests observe exactly what would cross the process boundary.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Emit implements Sink.
func (r *Recorder) Emit(name string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, Event{Name: name, Payload: b})
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Changed is signalled (coalesced) after every Emit.
func (r *Recorder) Changed() <-chan struct{} { return r.notify }
