// Package surface is the operator's control surface: an HTML page with one
// button per catalog entry and an always-available Interrupt button, backed by
// a small JSON API and a websocket that mirrors the session state.
package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-console/internal/catalog"
	"github.com/lexiqai/avatar-console/internal/dispatch"
	"github.com/lexiqai/avatar-console/internal/observability"
	"github.com/lexiqai/avatar-console/internal/session"
)

// Session is the part of the session handle the surface observes
type Session interface {
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Event)) (unsubscribe func())
	Close() error
}

// Dispatcher sends a catalog entry to the avatar
type Dispatcher interface {
	DispatchEntry(cat *catalog.Catalog, index int) error
}

// Interrupter stops the avatar
type Interrupter interface {
	RequestInterrupt()
}

// Binding is one session together with the components acting on it
type Binding struct {
	Session     Session
	Dispatcher  Dispatcher
	Interrupter Interrupter

	// Start runs once the binding is current, e.g. to connect in the background
	Start func()
}

// Options wires the surface to the rest of the console
type Options struct {
	Catalog *catalog.Catalog

	// NewSession builds a fresh session. It is called once by New and again
	// whenever the operator asks for a session after the last one closed.
	NewSession     func() Binding
	MetricsEnabled bool
}

// Server serves the control surface
type Server struct {
	catalog    *catalog.Catalog
	newSession func() Binding
	metrics    bool

	mu          sync.RWMutex
	cur         Binding
	unsubscribe func()
	closed      bool

	hub    *hub
	logger zerolog.Logger
}

type wsMessage struct {
	Type    string            `json:"type"` // state or error
	Session *session.Snapshot `json:"session,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type dispatchResponse struct {
	Index   int              `json:"index"`
	Label   string           `json:"label"`
	Session session.Snapshot `json:"session"`
}

func stateMessage(snap session.Snapshot) wsMessage {
	return wsMessage{Type: "state", Session: &snap}
}

func encodeMessage(msg wsMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// New creates the surface with its first session and starts pushing session
// events to browsers
func New(opts Options) *Server {
	s := &Server{
		catalog:    opts.Catalog,
		newSession: opts.NewSession,
		metrics:    opts.MetricsEnabled,
		logger:     observability.Component("surface"),
	}
	s.hub = newHub(s.greeting)

	s.mu.Lock()
	b := s.bindLocked()
	s.mu.Unlock()

	go s.hub.run()
	if b.Start != nil {
		b.Start()
	}
	return s
}

// current returns the binding requests act on
func (s *Server) current() Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// bindLocked builds a new session and makes it current
func (s *Server) bindLocked() Binding {
	b := s.newSession()
	s.cur = b
	s.unsubscribe = b.Session.Subscribe(func(ev session.Event) {
		s.onSessionEvent(b.Session, ev)
	})
	return b
}

// renew replaces a closed session with a fresh one. It reports false and
// leaves things alone while the current session is still usable.
func (s *Server) renew() (Binding, bool) {
	s.mu.Lock()
	if s.closed || s.cur.Session.Snapshot().State != session.StateClosed {
		b := s.cur
		s.mu.Unlock()
		return b, false
	}
	old := s.unsubscribe
	b := s.bindLocked()
	s.mu.Unlock()

	old()
	s.hub.broadcastJSON(stateMessage(b.Session.Snapshot()))
	if b.Start != nil {
		b.Start()
	}

	observability.RecordSessionRenewal()
	s.logger.Info().Msg("Replaced closed avatar session")
	return b, true
}

func (s *Server) onSessionEvent(from Session, ev session.Event) {
	// A replaced session may still report its teardown
	if s.current().Session != from {
		return
	}

	switch ev.Kind {
	case session.EventStateChanged, session.EventTaskAccepted:
		s.hub.broadcastJSON(stateMessage(from.Snapshot()))
	case session.EventError:
		s.hub.broadcastJSON(wsMessage{Type: "error", Error: ev.Err.Error()})
		s.hub.broadcastJSON(stateMessage(from.Snapshot()))
	}
}

// greeting is the first message every new tab receives
func (s *Server) greeting() []byte {
	data, err := encodeMessage(stateMessage(s.current().Session.Snapshot()))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode session state")
		return nil
	}
	return data
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(s.logger))

	r.Get("/", s.handleIndex)

	r.Route("/api", func(r chi.Router) {
		r.Get("/catalog", s.handleCatalog)
		r.Post("/catalog/{index}/dispatch", s.handleDispatch)
		r.Post("/interrupt", s.handleInterrupt)
		r.Get("/session", s.handleSession)
		r.Post("/session", s.handleSessionRenew)
		r.Post("/session/close", s.handleSessionClose)
	})

	r.Get("/ws/session", s.handleSessionWS)

	r.Get("/health", observability.HealthCheckHandler())
	r.Get("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"avatar_session": s.checkSession,
	}))

	if s.metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// Close stops the websocket hub and closes the current session
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	b := s.cur
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	unsubscribe()
	s.hub.shutdown()
	if err := b.Session.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Avatar session did not close cleanly")
	}
}

func (s *Server) checkSession(ctx context.Context) (bool, error) {
	snap := s.current().Session.Snapshot()
	if !snap.State.Connected() {
		return false, fmt.Errorf("session is %s", snap.State)
	}
	return true, nil
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Entries())
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_index", err)
		return
	}

	b := s.current()
	err = b.Dispatcher.DispatchEntry(s.catalog, index)
	switch {
	case err == nil:
		entry, _ := s.catalog.At(index)
		writeJSON(w, http.StatusAccepted, dispatchResponse{
			Index:   entry.Index,
			Label:   entry.Label,
			Session: b.Session.Snapshot(),
		})
	case errors.Is(err, dispatch.ErrUnknownEntry):
		writeError(w, http.StatusNotFound, "unknown_entry", err)
	case errors.Is(err, session.ErrSessionNotReady):
		writeError(w, http.StatusConflict, "session_not_ready", err)
	case errors.Is(err, session.ErrSessionBusy):
		writeError(w, http.StatusConflict, "session_busy", err)
	case errors.Is(err, session.ErrSessionClosed):
		writeError(w, http.StatusGone, "session_closed", err)
	default:
		observability.RecordError("dispatch", "surface")
		s.logger.Error().Err(err).Int("index", index).Msg("Dispatch failed")
		writeError(w, http.StatusBadGateway, "session_error", err)
	}
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	b := s.current()
	b.Interrupter.RequestInterrupt()
	writeJSON(w, http.StatusAccepted, b.Session.Snapshot())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.current().Session.Snapshot())
}

func (s *Server) handleSessionRenew(w http.ResponseWriter, r *http.Request) {
	b, renewed := s.renew()
	if !renewed {
		snap := b.Session.Snapshot()
		writeError(w, http.StatusConflict, "session_active", fmt.Errorf("session is %s", snap.State))
		return
	}
	writeJSON(w, http.StatusCreated, b.Session.Snapshot())
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	sess := s.current().Session
	if err := sess.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Session close reported an error")
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorResponse{Error: code, Message: err.Error()})
}

// accessLog logs one line per request through zerolog
func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("HTTP request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
