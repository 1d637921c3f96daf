package metrics

import "time"

// Event is a single metrics sample emitted by the pipeline.
type Event struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Observer receives pipeline metrics events.
type Observer interface {
	RecordEvent(ev Event)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}

// SessionEvent builds an event tagged with a session id.
func SessionEvent(name, sessionID string, value float64) Event {
	return Event{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  map[string]string{"session_id": sessionID},
	}
}
