package events

import (
	"sync"

	"stablecore/core/types"
)

// Event represents a structured state change emitted by the settlement core.
type Event interface {
	EventType() string
}

// Renderer is implemented by events that expose a structured representation
// for downstream consumers.
type Renderer interface {
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. the daemon's
// event feed, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder keeps the most recent events in memory. A zero limit keeps every
// event.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewRecorder returns a recorder retaining at most limit events.
func NewRecorder(limit int) *Recorder {
	if limit < 0 {
		limit = 0
	}
	return &Recorder{limit: limit}
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append([]Event(nil), r.events[len(r.events)-r.limit:]...)
	}
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events whose type matches.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, evt := range r.Events() {
		if evt.EventType() == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// Rendered returns the structured form of every recorded event that supports it.
func (r *Recorder) Rendered() []*types.Event {
	var out []*types.Event
	for _, evt := range r.Events() {
		if renderer, ok := evt.(Renderer); ok {
			if rendered := renderer.Event(); rendered != nil {
				out = append(out, rendered)
			}
		}
	}
	return out
}

// Multi fans an event out to several emitters.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
