package avatar

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockCall records a single call to the mock
type MockCall struct {
	Method string
	Text   string
	Time   time.Time
}

// Mock is a Client for tests and dry runs. Each func field overrides the
// default behaviour of its method.
type Mock struct {
	ConnectFunc   func(ctx context.Context) error
	SpeakFunc     func(ctx context.Context, req SpeakRequest) (*SpeakResult, error)
	InterruptFunc func(ctx context.Context) error
	CloseFunc     func() error

	// PerCharacter enables auto-talk: a successful Speak emits
	// avatar_start_talking, then avatar_stop_talking after len(text)*PerCharacter
	// unless interrupted first. Zero disables it.
	PerCharacter time.Duration

	mu        sync.Mutex
	calls     []MockCall
	events    chan Event
	closed    bool
	sessionID string
	talking   string
	timer     *time.Timer
}

// NewMock creates a mock with default behaviour
func NewMock() *Mock {
	return &Mock{events: make(chan Event, 64)}
}

// NewDryRun creates a mock that behaves like a live avatar, talking for
// perCharacter per character of text
func NewDryRun(perCharacter time.Duration) *Mock {
	m := NewMock()
	m.PerCharacter = perCharacter
	return m
}

func (m *Mock) record(method, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Text: text, Time: time.Now()})
}

func (m *Mock) Connect(ctx context.Context) error {
	m.record("Connect", "")

	if m.ConnectFunc != nil {
		if err := m.ConnectFunc(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.sessionID == "" {
		m.sessionID = "mock-" + uuid.New().String()
	}
	return nil
}

func (m *Mock) Speak(ctx context.Context, req SpeakRequest) (*SpeakResult, error) {
	m.record("Speak", req.Text)

	var result *SpeakResult
	if m.SpeakFunc != nil {
		res, err := m.SpeakFunc(ctx, req)
		if err != nil {
			return nil, err
		}
		result = res
	}
	if result == nil {
		result = &SpeakResult{
			TaskID:     uuid.New().String(),
			DurationMs: float64(len(req.Text)) * float64(m.PerCharacter.Milliseconds()),
		}
	}

	if m.PerCharacter > 0 {
		m.startTalking(result.TaskID, time.Duration(len(req.Text))*m.PerCharacter)
	}
	return result, nil
}

func (m *Mock) startTalking(taskID string, d time.Duration) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.talking = taskID
	m.mu.Unlock()

	m.Emit(Event{Type: EventStartTalking, TaskID: taskID})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.talking != taskID || m.closed {
		return
	}
	m.timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		if m.talking != taskID {
			m.mu.Unlock()
			return
		}
		m.talking = ""
		m.mu.Unlock()
		m.Emit(Event{Type: EventStopTalking, TaskID: taskID})
	})
}

func (m *Mock) Interrupt(ctx context.Context) error {
	m.record("Interrupt", "")

	if m.InterruptFunc != nil {
		if err := m.InterruptFunc(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	taskID := m.talking
	m.talking = ""
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	if taskID != "" {
		m.Emit(Event{Type: EventStopTalking, TaskID: taskID})
	}
	return nil
}

func (m *Mock) Events() <-chan Event {
	return m.events
}

func (m *Mock) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Close closes the event channel; later calls are no-ops
func (m *Mock) Close() error {
	m.record("Close", "")

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	close(m.events)
	m.mu.Unlock()

	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// Emit delivers an event as if it came from the avatar service.
// It is dropped after Close.
func (m *Mock) Emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}

// Calls returns all recorded calls
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times method was called
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Texts returns the text of every Speak call in order
func (m *Mock) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if c.Method == "Speak" {
			out = append(out, c.Text)
		}
	}
	return out
}

// LastCall returns the most recent call
func (m *Mock) LastCall() (MockCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return MockCall{}, false
	}
	return m.calls[len(m.calls)-1], true
}

// Reset clears recorded calls
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

var _ Client = (*Mock)(nil)
