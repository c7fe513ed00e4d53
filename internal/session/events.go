package session

import (
	"fmt"
	"time"
)

// EventKind identifies a session notification
type EventKind string

const (
	EventStateChanged     EventKind = "state_changed"
	EventTaskAccepted     EventKind = "task_accepted"
	EventInterruptSkipped EventKind = "interrupt_skipped"
	EventError            EventKind = "error"
)

// Event is published to subscribers, in the order it happened
type Event struct {
	Kind     EventKind
	State    State
	Previous State
	TaskID   string
	Err      error
	At       time.Time
}

func (e Event) String() string {
	switch e.Kind {
	case EventStateChanged:
		return fmt.Sprintf("%s: %s -> %s", e.Kind, e.Previous, e.State)
	case EventError:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s (%s)", e.Kind, e.State)
	}
}

// OverlapPolicy decides what a speak request does while the avatar is speaking
type OverlapPolicy string

const (
	// PolicyForward passes the task to the service, which decides whether it queues
	PolicyForward OverlapPolicy = "forward"
	// PolicyInterrupt stops the current utterance before submitting
	PolicyInterrupt OverlapPolicy = "interrupt"
	// PolicyReject refuses the task with ErrSessionBusy
	PolicyReject OverlapPolicy = "reject"
)

// ParseOverlapPolicy validates a policy name
func ParseOverlapPolicy(name string) (OverlapPolicy, error) {
	switch p := OverlapPolicy(name); p {
	case PolicyForward, PolicyInterrupt, PolicyReject:
		return p, nil
	case "":
		return PolicyForward, nil
	default:
		return "", fmt.Errorf("unknown overlap policy %q", name)
	}
}
