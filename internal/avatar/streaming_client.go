package avatar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-console/internal/config"
	"github.com/lexiqai/avatar-console/internal/observability"
	"github.com/lexiqai/avatar-console/internal/resilience"
)

const breakerName = "avatar"

// envelope is the common response wrapper of the streaming API
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type voiceSettings struct {
	VoiceID string `json:"voice_id,omitempty"`
}

type newSessionRequest struct {
	Quality  string         `json:"quality"`
	AvatarID string         `json:"avatar_id,omitempty"`
	Voice    *voiceSettings `json:"voice,omitempty"`
	Language string         `json:"language,omitempty"`
	Version  string         `json:"version"`
}

type sessionInfo struct {
	SessionID        string `json:"session_id"`
	URL              string `json:"url"`
	AccessToken      string `json:"access_token"`
	RealtimeEndpoint string `json:"realtime_endpoint"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type taskRequest struct {
	SessionID string   `json:"session_id"`
	Text      string   `json:"text"`
	TaskType  TaskType `json:"task_type"`
	TaskMode  TaskMode `json:"task_mode"`
}

type taskResponse struct {
	TaskID     string  `json:"task_id"`
	DurationMs float64 `json:"duration_ms"`
}

// realtimeMessage is a notification read from the realtime websocket
type realtimeMessage struct {
	Type      string `json:"type"`
	EventType string `json:"event_type"`
	TaskID    string `json:"task_id"`
}

// StreamingClient implements Client against the avatar streaming REST API,
// with talking events read from the session's realtime websocket
type StreamingClient struct {
	config    *config.Config
	http      *resty.Client
	dialer    *websocket.Dialer
	breaker   *resilience.CircuitBreaker
	retry     *resilience.RetryConfig
	reconnect *resilience.ReconnectConfig
	timeout   time.Duration
	logger    zerolog.Logger

	mu          sync.Mutex
	sessionID   string
	realtimeURL string
	conn        *websocket.Conn
	closed      bool

	events    chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewStreamingClient creates a client for the configured avatar service
func NewStreamingClient(cfg *config.Config) *StreamingClient {
	ctx, cancel := context.WithCancel(context.Background())
	timeout := time.Duration(cfg.AvatarRequestTimeout) * time.Second

	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.AvatarAPIURL, "/")).
		SetHeader("x-api-key", cfg.AvatarAPIKey).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)

	logger := observability.Component("avatar-client")

	return &StreamingClient{
		config:  cfg,
		http:    httpClient,
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
		breaker: resilience.NewCircuitBreaker(breakerName, cfg.CircuitBreakerMaxFailures, time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second),
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
			Logger:      &logger,
		},
		timeout: timeout,
		logger:  logger,
		events:  make(chan Event, 32),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func isRetryable(err error) bool {
	return IsRetryableError(err) || resilience.IsRetryableNetworkError(err)
}

// post calls one streaming endpoint and decodes the envelope's data into out
func (c *StreamingClient) post(ctx context.Context, op string, body, out any) error {
	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&env).
		SetError(&env).
		Post("/v1/" + op)
	if err != nil {
		return fmt.Errorf("avatar [%s]: %w", op, err)
	}

	if resp.IsError() {
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return &APIError{
			StatusCode: resp.StatusCode(),
			Code:       env.Code,
			Message:    msg,
			Operation:  op,
		}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("avatar [%s]: failed to decode response: %w", op, err)
		}
	}
	return nil
}

// Connect creates and starts a streaming session, then subscribes to its events
func (c *StreamingClient) Connect(ctx context.Context) error {
	if c.config.AvatarAPIKey == "" {
		return ErrNoAPIKey
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sessionID != "" {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	req := newSessionRequest{
		Quality:  c.config.AvatarQuality,
		AvatarID: c.config.AvatarID,
		Language: c.config.AvatarLanguage,
		Version:  "v2",
	}
	if c.config.AvatarVoiceID != "" {
		req.Voice = &voiceSettings{VoiceID: c.config.AvatarVoiceID}
	}

	var info sessionInfo
	err := resilience.RetryContext(ctx, func() error {
		return c.post(ctx, "streaming.new", req, &info)
	}, c.retry, isRetryable)
	if err != nil {
		return err
	}
	if info.SessionID == "" {
		return fmt.Errorf("avatar [streaming.new]: response carried no session_id")
	}

	err = resilience.RetryContext(ctx, func() error {
		return c.post(ctx, "streaming.start", sessionRequest{SessionID: info.SessionID}, nil)
	}, c.retry, isRetryable)
	if err != nil {
		c.stopRemote(info.SessionID)
		return err
	}

	// Without talking events the session could never leave speaking
	if info.RealtimeEndpoint == "" {
		c.logger.Error().
			Str("session_id", info.SessionID).
			Msg("Avatar service returned no realtime endpoint")
		c.stopRemote(info.SessionID)
		return ErrNoEventStream
	}

	c.mu.Lock()
	c.sessionID = info.SessionID
	c.realtimeURL = info.RealtimeEndpoint
	c.mu.Unlock()

	conn, err := c.dialEvents(ctx)
	if err != nil {
		c.stopRemote(info.SessionID)
		c.mu.Lock()
		c.sessionID = ""
		c.mu.Unlock()
		return fmt.Errorf("avatar: failed to open event stream: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go c.readEvents(conn)

	c.logger.Info().
		Str("session_id", info.SessionID).
		Msg("Avatar streaming session started")
	return nil
}

// dialEvents opens the realtime websocket and stores it as the current connection
func (c *StreamingClient) dialEvents(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	url := c.realtimeURL
	c.mu.Unlock()

	header := http.Header{}
	header.Set("x-api-key", c.config.AvatarAPIKey)

	conn, _, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	return conn, nil
}

// readEvents relays realtime notifications until the client is closed or the
// stream cannot be re-established
func (c *StreamingClient) readEvents(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		var msg realtimeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("Avatar event stream read error")
			}

			var next *websocket.Conn
			rerr := resilience.Reconnect(c.ctx, func() error {
				var dialErr error
				next, dialErr = c.dialEvents(c.ctx)
				return dialErr
			}, c.reconnect)
			if rerr != nil {
				if c.ctx.Err() == nil {
					c.emit(Event{Type: EventDisconnected, Err: rerr})
				}
				return
			}
			conn = next
			continue
		}

		eventType := msg.Type
		if eventType == "" {
			eventType = msg.EventType
		}

		switch EventType(eventType) {
		case EventStartTalking, EventStopTalking:
			c.emit(Event{Type: EventType(eventType), TaskID: msg.TaskID})
		default:
			c.logger.Debug().Str("type", eventType).Msg("Ignoring avatar event")
		}
	}
}

func (c *StreamingClient) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *StreamingClient) activeSession() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	if c.sessionID == "" {
		return "", ErrNotConnected
	}
	return c.sessionID, nil
}

// Speak submits a speak task. It is never retried: a retry after a lost
// response could make the avatar say the line twice.
func (c *StreamingClient) Speak(ctx context.Context, req SpeakRequest) (*SpeakResult, error) {
	sessionID, err := c.activeSession()
	if err != nil {
		return nil, err
	}

	if req.TaskType == "" {
		req.TaskType = TaskTypeRepeat
	}
	if req.TaskMode == "" {
		req.TaskMode = TaskModeAsync
	}

	var out taskResponse
	err = c.breaker.Call(func() error {
		return c.post(ctx, "streaming.task", taskRequest{
			SessionID: sessionID,
			Text:      req.Text,
			TaskType:  req.TaskType,
			TaskMode:  req.TaskMode,
		}, &out)
	})
	c.reportBreaker(err)
	if err != nil {
		return nil, err
	}

	return &SpeakResult{TaskID: out.TaskID, DurationMs: out.DurationMs}, nil
}

// Interrupt asks the service to stop the current utterance
func (c *StreamingClient) Interrupt(ctx context.Context) error {
	sessionID, err := c.activeSession()
	if err != nil {
		return err
	}

	err = c.breaker.Call(func() error {
		return resilience.RetryContext(ctx, func() error {
			return c.post(ctx, "streaming.interrupt", sessionRequest{SessionID: sessionID}, nil)
		}, c.retry, isRetryable)
	})
	c.reportBreaker(err)
	return err
}

func (c *StreamingClient) reportBreaker(err error) {
	observability.UpdateCircuitBreakerState(breakerName, int(c.breaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures(breakerName)
	}
}

// Events returns the channel of talking notifications
func (c *StreamingClient) Events() <-chan Event {
	return c.events
}

// SessionID returns the remote session ID
func (c *StreamingClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// stopRemote ends a remote session, logging rather than returning failures
func (c *StreamingClient) stopRemote(sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	err := c.post(ctx, "streaming.stop", sessionRequest{SessionID: sessionID}, nil)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to stop avatar session")
	}
	return err
}

// Close stops the remote session and the event stream. Safe to call more than once.
func (c *StreamingClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		sessionID := c.sessionID
		conn := c.conn
		c.mu.Unlock()

		if sessionID != "" {
			err = c.stopRemote(sessionID)
		}

		c.cancel()
		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}

		c.wg.Wait()
		close(c.events)

		c.logger.Info().Str("session_id", sessionID).Msg("Avatar streaming session closed")
	})
	return err
}

var _ Client = (*StreamingClient)(nil)
