// Package avatar talks to the remote streaming avatar service: it opens a
// session, submits speak tasks, interrupts speech and relays the service's
// talking events.
package avatar

import "context"

// TaskType selects how the avatar treats submitted text
type TaskType string

const (
	// TaskTypeRepeat makes the avatar speak the text verbatim
	TaskTypeRepeat TaskType = "repeat"
	// TaskTypeChat sends the text to the service's conversational model
	TaskTypeChat TaskType = "chat"
)

// TaskMode selects whether the service answers before or after the utterance
type TaskMode string

const (
	// TaskModeAsync acknowledges the task as soon as it is queued
	TaskModeAsync TaskMode = "async"
	// TaskModeSync acknowledges the task once the avatar has finished speaking
	TaskModeSync TaskMode = "sync"
)

// SpeakRequest is a single speak task
type SpeakRequest struct {
	Text     string
	TaskType TaskType
	TaskMode TaskMode
}

// SpeakResult is the service's acknowledgement of a speak task
type SpeakResult struct {
	TaskID     string
	DurationMs float64
}

// EventType identifies a notification from the avatar service
type EventType string

const (
	EventStartTalking EventType = "avatar_start_talking"
	EventStopTalking  EventType = "avatar_stop_talking"
	EventDisconnected EventType = "stream_disconnected"
)

// Event is a notification from the avatar service
type Event struct {
	Type   EventType
	TaskID string // Empty when the service does not say which task it refers to
	Err    error  // Set for EventDisconnected
}

// Client defines the interface for a remote avatar session
type Client interface {
	// Connect creates and starts a streaming session
	Connect(ctx context.Context) error

	// Speak submits a speak task without waiting for the utterance to end
	Speak(ctx context.Context, req SpeakRequest) (*SpeakResult, error)

	// Interrupt stops the current utterance; calling it while idle is harmless
	Interrupt(ctx context.Context) error

	// Events returns the channel of talking/disconnect notifications.
	// It is closed by Close.
	Events() <-chan Event

	// SessionID returns the remote session ID, empty before Connect
	SessionID() string

	// Close stops the remote session and releases resources
	Close() error
}
