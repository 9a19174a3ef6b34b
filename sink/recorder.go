package sink

import (
	"context"
	"sync"
)

// Recorder keeps published events in memory, in order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

var _ Publisher = (*Recorder)(nil)

// NewRecorder creates a recorder keeping at most limit events. Older events are
// discarded first. A non-positive limit keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Publish appends evt, dropping the oldest events beyond the limit.
func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, evt)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append([]Event(nil), r.events[len(r.events)-r.limit:]...)
	}

	return nil
}

// Events returns a copy of all recorded events in order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}

// EventsOfType returns the recorded events of the given type in order.
func (r *Recorder) EventsOfType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event
	for _, e := range r.events {
		if e.Type == typ {
			events = append(events, e)
		}
	}

	return events
}

// FieldChanges returns the values of all recorded topology_change events.
func (r *Recorder) FieldChanges() []FieldChange {
	var changes []FieldChange
	for _, e := range r.EventsOfType(EventTopologyChange) {
		changes = append(changes, e.Value.(FieldChange))
	}

	return changes
}

// Reset discards all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = nil
}
