// Package session owns the single live connection to the avatar service. It
// tracks what the avatar is doing, decides when speaking and interrupting are
// legal, and forwards commands to the service strictly in the order they were
// issued.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-console/internal/avatar"
	"github.com/lexiqai/avatar-console/internal/observability"
)

const recentTaskLimit = 16

type commandKind int

const (
	cmdSpeak commandKind = iota
	cmdInterrupt
	cmdFlush
)

type command struct {
	kind commandKind
	task SpeakTask
	done chan struct{}
}

// Snapshot is a read-only view of the session
type Snapshot struct {
	State       State  `json:"state"`
	SessionID   string `json:"session_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	CanDispatch bool   `json:"can_dispatch"`
}

type subscriber struct {
	id int
	fn func(Event)
}

// Handle is the session with the avatar service
type Handle struct {
	client      avatar.Client
	policy      OverlapPolicy
	callTimeout time.Duration
	logger      zerolog.Logger
	metrics     *observability.SessionMetrics

	mu        sync.Mutex
	wake      *sync.Cond
	state     State
	sessionID string
	taskID    string
	lastErr   string
	stopped   []string // tasks the service no longer speaks
	queue     []command
	inFlight  int // speak tasks accepted but not yet answered by the service
	closing   bool
	pending   []Event
	subs      []subscriber
	nextSub   int

	deliverMu  sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	workerDone chan struct{}
	closeOnce  sync.Once
}

// Option configures a Handle
type Option func(*Handle)

// WithPolicy sets the overlap policy
func WithPolicy(p OverlapPolicy) Option {
	return func(h *Handle) { h.policy = p }
}

// WithCallTimeout bounds each remote call made by the worker
func WithCallTimeout(d time.Duration) Option {
	return func(h *Handle) { h.callTimeout = d }
}

// WithLogger replaces the component logger
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handle) { h.logger = l }
}

// New creates an unconnected session around client
func New(client avatar.Client, opts ...Option) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	correlationID := observability.NewCorrelationID()

	h := &Handle{
		client:      client,
		policy:      PolicyForward,
		callTimeout: 30 * time.Second,
		logger:      observability.WithCorrelationID(correlationID).With().Str("component", "session").Logger(),
		metrics:     observability.NewSessionMetrics(correlationID),
		state:       StateUninitialized,
		ctx:         ctx,
		cancel:      cancel,
		workerDone:  make(chan struct{}),
	}
	h.wake = sync.NewCond(&h.mu)
	for _, opt := range opts {
		opt(h)
	}

	go h.run()
	return h
}

// Connect opens the remote session
func (h *Handle) Connect(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case StateClosed:
		h.mu.Unlock()
		return ErrSessionClosed
	case StateConnecting:
		h.mu.Unlock()
		return ErrSessionNotReady
	case StateReady, StateSpeaking:
		h.mu.Unlock()
		return nil
	}
	h.setStateLocked(StateConnecting, "")
	h.mu.Unlock()
	h.deliver()

	start := time.Now()
	err := h.client.Connect(ctx)
	h.metrics.ObserveRemote("connect", start)

	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return ErrSessionClosed
	}
	if err != nil {
		serr := &SessionError{Op: "connect", Cause: err}
		h.failLocked(serr)
		h.setStateLocked(StateUninitialized, "")
		h.mu.Unlock()
		h.deliver()
		h.logger.Error().Err(err).Msg("Failed to connect avatar session")
		return serr
	}
	h.sessionID = h.client.SessionID()
	h.lastErr = ""
	h.setStateLocked(StateReady, "")
	h.mu.Unlock()
	h.deliver()

	h.metrics.RecordSessionStart()
	h.logger.Info().Str("session_id", h.client.SessionID()).Msg("Avatar session ready")

	go h.watch(h.client.Events())
	return nil
}

// SubmitSpeak validates task and queues it for the avatar. It returns before
// the service has answered; the outcome is published to subscribers.
func (h *Handle) SubmitSpeak(task SpeakTask) error {
	if strings.TrimSpace(task.Text) == "" {
		return ErrEmptyText
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateUninitialized, StateConnecting:
		h.metrics.RecordSpeak("rejected")
		return ErrSessionNotReady
	case StateClosed:
		h.metrics.RecordSpeak("rejected")
		return ErrSessionClosed
	}
	if h.closing {
		return ErrSessionClosed
	}
	if h.policy == PolicyReject && h.busyLocked() {
		h.metrics.RecordSpeak("rejected")
		return ErrSessionBusy
	}

	h.inFlight++
	h.enqueueLocked(command{kind: cmdSpeak, task: task})
	h.metrics.RecordSpeak("accepted")
	return nil
}

// Interrupt queues a request to stop the current utterance. It never fails;
// when the avatar is not speaking by the time it runs, it does nothing.
func (h *Handle) Interrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return
	}
	h.enqueueLocked(command{kind: cmdInterrupt})
}

// Flush waits until every command queued before the call has run
func (h *Handle) Flush(ctx context.Context) error {
	done := make(chan struct{})

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return nil
	}
	h.enqueueLocked(command{kind: cmdFlush, done: done})
	h.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session. Queued commands are dropped. Later calls do nothing.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		wasConnected := h.state.Connected()
		dropped := 0
		for _, cmd := range h.queue {
			if cmd.done != nil {
				close(cmd.done)
			}
			if cmd.kind == cmdSpeak {
				dropped++
			}
		}
		h.queue = nil
		h.inFlight = 0
		h.closing = true
		h.taskID = ""
		h.setStateLocked(StateClosed, "")
		h.wake.Broadcast()
		h.mu.Unlock()
		h.deliver()

		h.cancel()
		<-h.workerDone

		if wasConnected {
			h.metrics.RecordSessionEnd()
		}
		if cerr := h.client.Close(); cerr != nil {
			err = &SessionError{Op: "close", Cause: cerr}
			h.logger.Warn().Err(cerr).Msg("Avatar session did not close cleanly")
		}

		h.logger.Info().Int("dropped_tasks", dropped).Msg("Avatar session closed")
	})
	return err
}

// State returns the current state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Snapshot returns the current state with the details a surface displays
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		State:       h.state,
		SessionID:   h.sessionID,
		TaskID:      h.taskID,
		LastError:   h.lastErr,
		CanDispatch: h.state.Connected() && !(h.policy == PolicyReject && h.busyLocked()),
	}
}

// busyLocked reports whether the avatar is speaking or about to
func (h *Handle) busyLocked() bool {
	return h.state == StateSpeaking || h.inFlight > 0
}

// Subscribe registers fn for every later event. fn runs on a session
// goroutine and must not call Close.
func (h *Handle) Subscribe(fn func(Event)) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	h.subs = append(h.subs, subscriber{id: id, fn: fn})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.subs {
			if s.id == id {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

func (h *Handle) enqueueLocked(cmd command) {
	h.queue = append(h.queue, cmd)
	h.wake.Signal()
}

// run executes queued commands one at a time in submission order
func (h *Handle) run() {
	defer close(h.workerDone)

	for {
		h.mu.Lock()
		for len(h.queue) == 0 && !h.closing {
			h.wake.Wait()
		}
		if h.closing {
			h.mu.Unlock()
			return
		}
		cmd := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()

		switch cmd.kind {
		case cmdSpeak:
			h.speak(cmd.task)
		case cmdInterrupt:
			h.interrupt()
		case cmdFlush:
			close(cmd.done)
		}
	}
}

func (h *Handle) speak(task SpeakTask) {
	if h.policy == PolicyInterrupt && h.State() == StateSpeaking {
		h.interrupt()
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.callTimeout)
	defer cancel()

	start := time.Now()
	res, err := h.client.Speak(ctx, task.request())
	h.metrics.ObserveRemote("speak", start)

	h.mu.Lock()
	if h.inFlight > 0 {
		h.inFlight--
	}
	if h.state == StateClosed {
		h.mu.Unlock()
		return
	}
	if err != nil {
		h.failLocked(&SessionError{Op: "speak", Cause: err})
		h.mu.Unlock()
		h.deliver()
		h.metrics.RecordSpeak("failed")
		h.logger.Error().Err(err).Str("text", task.Text).Msg("Speak task failed")
		return
	}

	h.lastErr = ""
	if h.wasStoppedLocked(res.TaskID) {
		// The service finished (or was told to drop) the task before it acknowledged it
		h.publishLocked(Event{Kind: EventTaskAccepted, State: h.state, TaskID: res.TaskID})
	} else {
		h.taskID = res.TaskID
		if h.state == StateSpeaking {
			h.publishLocked(Event{Kind: EventTaskAccepted, State: h.state, TaskID: res.TaskID})
		} else {
			h.setStateLocked(StateSpeaking, res.TaskID)
		}
	}
	h.mu.Unlock()
	h.deliver()

	h.metrics.RecordSpeak("sent")
	h.logger.Debug().Str("task_id", res.TaskID).Str("text", task.Text).Msg("Speak task sent")
}

func (h *Handle) interrupt() {
	h.mu.Lock()
	if h.state != StateSpeaking {
		h.publishLocked(Event{Kind: EventInterruptSkipped, State: h.state})
		h.mu.Unlock()
		h.deliver()
		h.metrics.RecordInterrupt("noop")
		h.logger.Debug().Msg("Interrupt ignored, avatar is not speaking")
		return
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.callTimeout)
	defer cancel()

	start := time.Now()
	err := h.client.Interrupt(ctx)
	h.metrics.ObserveRemote("interrupt", start)

	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return
	}
	if err != nil {
		h.failLocked(&SessionError{Op: "interrupt", Cause: err})
		h.mu.Unlock()
		h.deliver()
		h.metrics.RecordInterrupt("error")
		h.logger.Error().Err(err).Msg("Interrupt failed")
		return
	}
	if h.state == StateSpeaking {
		h.markStoppedLocked(h.taskID)
		h.taskID = ""
		h.setStateLocked(StateReady, "")
	}
	h.mu.Unlock()
	h.deliver()

	h.metrics.RecordInterrupt("forwarded")
	h.logger.Debug().Msg("Avatar interrupted")
}

// watch applies the service's talking events until the client closes them
func (h *Handle) watch(events <-chan avatar.Event) {
	for ev := range events {
		if ev.Type == avatar.EventDisconnected {
			h.mu.Lock()
			if h.state != StateClosed {
				h.failLocked(&SessionError{Op: "stream", Cause: ev.Err})
			}
			h.mu.Unlock()
			h.deliver()
			h.logger.Error().Err(ev.Err).Msg("Avatar stream disconnected")
			go h.Close()
			return
		}
		h.apply(ev)
	}
}

func (h *Handle) apply(ev avatar.Event) {
	h.mu.Lock()
	switch ev.Type {
	case avatar.EventStartTalking:
		if h.wasStoppedLocked(ev.TaskID) {
			break
		}
		// Without an id the event can only belong to a task we still track
		if ev.TaskID == "" && h.taskID == "" && h.inFlight == 0 {
			break
		}
		if ev.TaskID != "" {
			h.taskID = ev.TaskID
		}
		if h.state == StateReady {
			h.setStateLocked(StateSpeaking, h.taskID)
		}

	case avatar.EventStopTalking:
		if ev.TaskID != "" && h.taskID != "" && ev.TaskID != h.taskID {
			// Superseded utterance
			h.markStoppedLocked(ev.TaskID)
			break
		}
		h.markStoppedLocked(ev.TaskID)
		if h.state == StateSpeaking {
			h.taskID = ""
			h.setStateLocked(StateReady, "")
		}
	}
	h.mu.Unlock()
	h.deliver()
}

func (h *Handle) markStoppedLocked(taskID string) {
	if taskID == "" {
		return
	}
	h.stopped = append(h.stopped, taskID)
	if len(h.stopped) > recentTaskLimit {
		h.stopped = h.stopped[len(h.stopped)-recentTaskLimit:]
	}
}

func (h *Handle) wasStoppedLocked(taskID string) bool {
	if taskID == "" {
		return false
	}
	for _, id := range h.stopped {
		if id == taskID {
			return true
		}
	}
	return false
}

func (h *Handle) failLocked(err *SessionError) {
	h.lastErr = err.Error()
	h.metrics.RecordError(err.Op, "session")
	h.publishLocked(Event{Kind: EventError, State: h.state, Err: err})
}

func (h *Handle) setStateLocked(next State, taskID string) {
	if h.state == next {
		return
	}
	prev := h.state
	h.state = next
	h.metrics.RecordState(int(next))
	h.publishLocked(Event{Kind: EventStateChanged, State: next, Previous: prev, TaskID: taskID})

	h.logger.Debug().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("Session state changed")
}

func (h *Handle) publishLocked(ev Event) {
	ev.At = time.Now()
	h.pending = append(h.pending, ev)
}

// deliver hands pending events to subscribers outside mu, preserving order
func (h *Handle) deliver() {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	for {
		h.mu.Lock()
		if len(h.pending) == 0 {
			h.mu.Unlock()
			return
		}
		ev := h.pending[0]
		h.pending = h.pending[1:]
		subs := make([]subscriber, len(h.subs))
		copy(subs, h.subs)
		h.mu.Unlock()

		for _, s := range subs {
			s.fn(ev)
		}
	}
}
