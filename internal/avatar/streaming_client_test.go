package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/avatar-console/internal/config"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		AvatarAPIURL:               url,
		AvatarAPIKey:               "test-key",
		AvatarID:                   "test-avatar",
		AvatarQuality:              "medium",
		AvatarLanguage:             "en",
		AvatarRequestTimeout:       5,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           3,
		RetryInitialBackoff:        1,
		ReconnectMaxAttempts:       1,
		ReconnectBackoff:           1,
	}
}

// fakeService is a minimal stand-in for the streaming avatar API
type fakeService struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	requests map[string][]map[string]any
	status   map[string]int
	failOnce map[string]int
	realtime bool
	rejectWS bool
	conns    chan *websocket.Conn
}

func newFakeService(t *testing.T, realtime bool) *fakeService {
	f := &fakeService{
		t:        t,
		requests: make(map[string][]map[string]any),
		status:   make(map[string]int),
		failOnce: make(map[string]int),
		realtime: realtime,
		conns:    make(chan *websocket.Conn, 4),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeService) failWith(op string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[op] = status
}

// failNext fails only the next call to op
func (f *fakeService) failNext(op string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOnce[op] = status
}

func (f *fakeService) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests[op])
}

func (f *fakeService) last(op string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs := f.requests[op]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func (f *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/realtime" {
		f.mu.Lock()
		reject := f.rejectWS
		f.mu.Unlock()
		if reject {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		return
	}

	if r.Header.Get("x-api-key") != "test-key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	op := strings.TrimPrefix(r.URL.Path, "/v1/")
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.requests[op] = append(f.requests[op], body)
	status := f.status[op]
	if once, ok := f.failOnce[op]; ok {
		status = once
		delete(f.failOnce, op)
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{"code": 10001, "message": "failure from " + op})
		return
	}

	var data any
	switch op {
	case "streaming.new":
		info := map[string]any{"session_id": "sess-1", "url": "wss://media.example", "access_token": "tok"}
		if f.realtime {
			info["realtime_endpoint"] = "ws" + strings.TrimPrefix(f.server.URL, "http") + "/realtime"
		}
		data = info
	case "streaming.task":
		data = map[string]any{"task_id": "task-1", "duration_ms": 1200.5}
	}
	json.NewEncoder(w).Encode(map[string]any{"code": 100, "message": "success", "data": data})
}

func TestStreamingClient_Lifecycle(t *testing.T) {
	svc := newFakeService(t, true)
	client := NewStreamingClient(testConfig(svc.server.URL))

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))
	assert.Equal(t, "sess-1", client.SessionID())

	newReq := svc.last("streaming.new")
	assert.Equal(t, "medium", newReq["quality"])
	assert.Equal(t, "test-avatar", newReq["avatar_id"])
	assert.Equal(t, "v2", newReq["version"])
	assert.Equal(t, "sess-1", svc.last("streaming.start")["session_id"])

	res, err := client.Speak(ctx, SpeakRequest{Text: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "task-1", res.TaskID)
	assert.InDelta(t, 1200.5, res.DurationMs, 0.001)

	task := svc.last("streaming.task")
	assert.Equal(t, "Hello", task["text"])
	assert.Equal(t, "repeat", task["task_type"])
	assert.Equal(t, "async", task["task_mode"])
	assert.Equal(t, "sess-1", task["session_id"])

	var conn *websocket.Conn
	select {
	case conn = <-svc.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never opened the realtime socket")
	}
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "avatar_start_talking", "task_id": "task-1"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "something_else"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"event_type": "avatar_stop_talking", "task_id": "task-1"}))

	assert.Equal(t, Event{Type: EventStartTalking, TaskID: "task-1"}, nextEvent(t, client.Events()))
	assert.Equal(t, Event{Type: EventStopTalking, TaskID: "task-1"}, nextEvent(t, client.Events()))

	require.NoError(t, client.Interrupt(ctx))
	assert.Equal(t, 1, svc.count("streaming.interrupt"))

	require.NoError(t, client.Close())
	assert.Equal(t, 1, svc.count("streaming.stop"))

	_, open := <-client.Events()
	assert.False(t, open, "events channel should be closed")

	// Idempotent
	require.NoError(t, client.Close())
	assert.Equal(t, 1, svc.count("streaming.stop"))

	_, err = client.Speak(ctx, SpeakRequest{Text: "Hello"})
	assert.ErrorIs(t, err, ErrClosed)
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestStreamingClient_SpeakNotRetried(t *testing.T) {
	svc := newFakeService(t, true)
	client := NewStreamingClient(testConfig(svc.server.URL))
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Connect(context.Background()))

	svc.failWith("streaming.task", http.StatusServiceUnavailable)
	_, err := client.Speak(context.Background(), SpeakRequest{Text: "Hello"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, 10001, apiErr.Code)
	assert.Equal(t, "streaming.task", apiErr.Operation)
	assert.Contains(t, apiErr.Message, "failure from streaming.task")
	assert.Equal(t, 1, svc.count("streaming.task"))
}

func TestStreamingClient_InterruptRetried(t *testing.T) {
	svc := newFakeService(t, true)
	client := NewStreamingClient(testConfig(svc.server.URL))
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Connect(context.Background()))

	svc.failWith("streaming.interrupt", http.StatusBadGateway)
	err := client.Interrupt(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryableError(err))
	assert.Equal(t, 3, svc.count("streaming.interrupt"))
}

func TestStreamingClient_ConnectRetriesServerErrors(t *testing.T) {
	svc := newFakeService(t, true)
	svc.failNext("streaming.new", http.StatusServiceUnavailable)

	client := NewStreamingClient(testConfig(svc.server.URL))
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, "sess-1", client.SessionID())
	assert.Equal(t, 2, svc.count("streaming.new"))
}

func TestStreamingClient_ConnectRequiresEventStream(t *testing.T) {
	svc := newFakeService(t, false)
	client := NewStreamingClient(testConfig(svc.server.URL))
	defer client.Close()

	err := client.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoEventStream)
	assert.True(t, IsPermanent(err))
	assert.Empty(t, client.SessionID())

	// The half-open remote session is released
	assert.Equal(t, 1, svc.count("streaming.stop"))
	assert.Equal(t, "sess-1", svc.last("streaming.stop")["session_id"])

	_, err = client.Speak(context.Background(), SpeakRequest{Text: "Hello"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestStreamingClient_ConnectUnauthorized(t *testing.T) {
	svc := newFakeService(t, false)
	cfg := testConfig(svc.server.URL)
	cfg.AvatarAPIKey = "wrong"
	client := NewStreamingClient(cfg)
	defer client.Close()

	err := client.Connect(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.IsUnauthorized())
	assert.False(t, apiErr.IsRetryable())
	assert.Empty(t, client.SessionID())
}

func TestStreamingClient_RequiresConnect(t *testing.T) {
	client := NewStreamingClient(testConfig("http://127.0.0.1:1"))
	defer client.Close()

	_, err := client.Speak(context.Background(), SpeakRequest{Text: "Hello"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, client.Interrupt(context.Background()), ErrNotConnected)
}

func TestStreamingClient_NoAPIKey(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.AvatarAPIKey = ""
	client := NewStreamingClient(cfg)
	defer client.Close()

	assert.ErrorIs(t, client.Connect(context.Background()), ErrNoAPIKey)
}

func TestStreamingClient_DisconnectAfterReconnectFails(t *testing.T) {
	svc := newFakeService(t, true)
	client := NewStreamingClient(testConfig(svc.server.URL))
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))

	conn := <-svc.conns
	// Stop accepting new sockets, then drop the live one
	svc.mu.Lock()
	svc.rejectWS = true
	svc.mu.Unlock()
	conn.Close()

	ev := nextEvent(t, client.Events())
	assert.Equal(t, EventDisconnected, ev.Type)
	assert.Error(t, ev.Err)
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		status       int
		retryable    bool
		unauthorized bool
	}{
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusBadRequest, false, false},
		{http.StatusUnauthorized, false, true},
		{http.StatusForbidden, false, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := &APIError{StatusCode: tt.status, Message: "x", Operation: "streaming.task"}
			assert.Equal(t, tt.retryable, err.IsRetryable())
			assert.Equal(t, tt.unauthorized, err.IsUnauthorized())
			assert.Contains(t, err.Error(), "streaming.task")
		})
	}

	assert.False(t, IsRetryableError(errors.New("plain")))
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no api key", ErrNoAPIKey, true},
		{"closed", ErrClosed, true},
		{"no event stream", ErrNoEventStream, true},
		{"unauthorized", &APIError{StatusCode: http.StatusUnauthorized}, true},
		{"bad request", &APIError{StatusCode: http.StatusBadRequest}, true},
		{"wrapped forbidden", fmt.Errorf("connect: %w", &APIError{StatusCode: http.StatusForbidden}), true},
		{"rate limited", &APIError{StatusCode: http.StatusTooManyRequests}, false},
		{"request timeout", &APIError{StatusCode: http.StatusRequestTimeout}, false},
		{"server error", &APIError{StatusCode: http.StatusBadGateway}, false},
		{"network", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermanent(tt.err))
		})
	}
}
