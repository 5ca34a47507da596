package events

import (
	"sync"

	"omnilend/core/types"
)

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(*types.Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while
// discarding all events. It is useful when a component wants to optionally
// expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(*types.Event) {}

// Recorder buffers emitted events in memory so that pollers (status queries,
// tests) can observe the stream without a broker.
type Recorder struct {
	mu     sync.RWMutex
	events []*types.Event
}

// NewRecorder constructs an empty event recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit appends the event to the buffer. Nil events are ignored.
func (r *Recorder) Emit(evt *types.Event) {
	if r == nil || evt == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []*types.Event {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*types.Event(nil), r.events...)
}

// ByType filters the recorded events down to a single event type.
func (r *Recorder) ByType(eventType string) []*types.Event {
	var matched []*types.Event
	for _, evt := range r.Events() {
		if evt.Type == eventType {
			matched = append(matched, evt)
		}
	}
	return matched
}
