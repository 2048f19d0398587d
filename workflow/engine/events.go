package engine

import "time"

// EventType names a lifecycle event.
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventRunSucceeded EventType = "run_succeeded"
	EventRunFailed    EventType = "run_failed"
	EventRunCanceled  EventType = "run_canceled"
	EventAdvanced     EventType = "advanced"
	EventRetreated    EventType = "retreated"
	EventReset        EventType = "reset"
	EventFragment     EventType = "fragment"
)

// Event describes one engine transition.
type Event struct {
	RunID string    `json:"run_id"`
	Type  EventType `json:"type"`
	Step  int       `json:"step"`
	Label string    `json:"label"`
	Time  time.Time `json:"time"`

	// Error is the user-facing message of a failed run.
	Error string `json:"error,omitempty"`
	// Duration is set on run completion events.
	Duration time.Duration `json:"duration,omitempty"`
	// Bytes is the size of a streamed fragment.
	Bytes int `json:"bytes,omitempty"`
}

// Listener observes engine events. OnEvent is called synchronously, outside
// the engine lock, in the order events occur.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// OnEvent calls f(ev).
func (f ListenerFunc) OnEvent(ev Event) {
	f(ev)
}
