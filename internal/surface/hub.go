package surface

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-console/internal/observability"
)

// hub fans session updates out to every connected browser tab
type hub struct {
	logger   zerolog.Logger
	greeting func() []byte // first message for a new client

	mu      sync.RWMutex
	clients map[*client]bool

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

func newHub(greeting func() []byte) *hub {
	return &hub{
		logger:     observability.Component("surface-hub"),
		greeting:   greeting,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// run owns the client set until shutdown is called
func (h *hub) run() {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			// Taken after registration, so every later broadcast follows it
			if h.greeting != nil {
				if msg := h.greeting(); msg != nil {
					select {
					case c.send <- msg:
					default:
					}
				}
			}
			observability.SetSurfaceClients(count)
			h.logger.Debug().Int("clients", count).Msg("Surface client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			observability.SetSurfaceClients(count)
			h.logger.Debug().Int("clients", count).Msg("Surface client disconnected")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
					h.logger.Warn().Msg("Dropped slow surface client")
				}
			}
			count := len(h.clients)
			h.mu.Unlock()
			observability.SetSurfaceClients(count)

		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			observability.SetSurfaceClients(0)
			return
		}
	}
}

// join registers c unless the hub has stopped
func (h *hub) join(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *hub) broadcastJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode surface message")
		return
	}

	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.logger.Warn().Msg("Surface broadcast queue full, dropping message")
	}
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}
