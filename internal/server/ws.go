package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ayusman/watchpost/internal/app"
	"github.com/ayusman/watchpost/internal/incident"
)

// Event types pushed to websocket clients.
const (
	EventIncident   = "incident"
	EventThresholds = "thresholds"
	EventFrame      = "frame"
	EventStatus     = "status"
)

const (
	clientBuffer = 16
	writeWait    = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// Event is one message on the events socket.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to connected websocket clients. Slow clients miss
// events rather than blocking the broadcaster.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "events").Logger(),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	if !h.add(c) {
		return
	}
	defer h.remove(c)
	go c.writeLoop()

	// Keep connection alive by reading messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.conn.Close()
			return
		}
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug().Int("clients", len(h.clients)).Msg("client connected")
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug().Int("clients", len(h.clients)).Msg("client disconnected")
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every client.
func (h *Hub) Broadcast(eventType string, data any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	msg, err := json.Marshal(Event{Type: eventType, Time: time.Now(), Data: data})
	if err != nil {
		h.logger.Error().Err(err).Str("type", eventType).Msg("failed to encode event")
		return
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Debug().Str("type", eventType).Msg("slow client, event dropped")
		}
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
}

// IncidentListener broadcasts every persisted incident record.
func (h *Hub) IncidentListener() incident.Listener {
	return func(rec incident.Record) {
		h.Broadcast(EventIncident, rec)
	}
}

// ThresholdListener broadcasts threshold changes.
func (h *Hub) ThresholdListener() func(incident.Thresholds) {
	return func(th incident.Thresholds) {
		h.Broadcast(EventThresholds, th)
	}
}

// FrameObserver broadcasts the cascade outcome of every inspected frame.
func (h *Hub) FrameObserver() func(app.FrameResult) {
	return func(res app.FrameResult) {
		h.Broadcast(EventFrame, res)
	}
}
