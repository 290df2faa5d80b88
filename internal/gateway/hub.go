// Package gateway bridges browser clients onto session broadcast topics: a
// WebSocket hub keyed by session, fed from NATS in one direction and feeding
// client-published events back into NATS in the other.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/duetlabs/duet/internal/realtime"
)

// InboundFunc receives events published by a connected client.
type InboundFunc func(sessionID uuid.UUID, ev realtime.Event)

// HubConfig holds WebSocket connection tuning.
type HubConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultHubConfig returns sane defaults for browser clients.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Origin checking is left to deployments; CORS on the HTTP side is
		// configured separately.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}

// Hub manages WebSocket connections grouped by session.
type Hub struct {
	mu          sync.RWMutex
	sessions    map[uuid.UUID]map[*conn]bool
	upgrader    websocket.Upgrader
	config      HubConfig
	onInbound   InboundFunc
	broadcastCh chan broadcast
}

type broadcast struct {
	sessionID uuid.UUID
	data      []byte
}

type conn struct {
	id            string
	participantID string
	sessionID     uuid.UUID
	ws            *websocket.Conn
	send          chan []byte
	hub           *Hub
}

// NewHub creates the hub. onInbound receives events clients publish over
// their socket; pass nil to drop them.
func NewHub(config HubConfig, onInbound InboundFunc) *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]map[*conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		onInbound:   onInbound,
		broadcastCh: make(chan broadcast, 1000),
	}
}

// Run processes queued broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	log.Info().Msg("gateway hub started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gateway hub shutting down")
			return
		case b := <-h.broadcastCh:
			h.deliver(b)
		}
	}
}

// Broadcast queues raw event bytes for every connection on the session.
// Queue overflow drops the message: the channel is best-effort and clients
// reconcile from snapshots.
func (h *Hub) Broadcast(sessionID uuid.UUID, data []byte) {
	select {
	case h.broadcastCh <- broadcast{sessionID: sessionID, data: data}:
	default:
		log.Warn().Str("session_id", sessionID.String()).Msg("broadcast queue full, dropping message")
	}
}

// Upgrade promotes the HTTP request to a WebSocket connection bound to one
// session.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, participantID string, sessionID uuid.UUID) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &conn{
		id:            uuid.New().String(),
		participantID: participantID,
		sessionID:     sessionID,
		ws:            ws,
		send:          make(chan []byte, 256),
		hub:           h,
	}
	h.register(c)

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.id).
		Str("participant_id", participantID).
		Str("session_id", sessionID.String()).
		Msg("WebSocket connection established")
	return nil
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[c.sessionID] == nil {
		h.sessions[c.sessionID] = make(map[*conn]bool)
	}
	h.sessions[c.sessionID][c] = true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.sessions[c.sessionID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	close(c.send)
	if len(conns) == 0 {
		delete(h.sessions, c.sessionID)
	}
	log.Info().
		Str("connection_id", c.id).
		Str("participant_id", c.participantID).
		Msg("connection unregistered")
}

func (h *Hub) deliver(b broadcast) {
	h.mu.RLock()
	conns, ok := h.sessions[b.sessionID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*conn, 0, len(conns))
	for c := range conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- b.data:
		default:
			// Slow consumer; cut it loose rather than back up everyone else.
			log.Warn().
				Str("connection_id", c.id).
				Str("participant_id", c.participantID).
				Msg("connection send buffer full, closing connection")
			h.unregister(c)
			c.ws.Close()
		}
	}
}

// Stats reports active connection counts per session.
func (h *Hub) Stats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.sessions))
	for id, conns := range h.sessions {
		out[id.String()] = len(conns)
	}
	return out
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("write failed, dropping connection")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("unexpected WebSocket close")
			}
			break
		}
		c.handleInbound(message)
		c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}

// handleInbound validates a client-published event before it reaches the
// broker: only the closed event set crosses, anything else is dropped.
func (c *conn) handleInbound(message []byte) {
	if c.hub.onInbound == nil {
		return
	}
	ev, err := realtime.Unmarshal(message)
	if err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", c.id).
			Str("participant_id", c.participantID).
			Msg("dropping undecodable client event")
		return
	}
	c.hub.onInbound(c.sessionID, ev)
}
