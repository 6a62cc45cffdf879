package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // same-origin UI and local tools
	},
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// WSMessage is a message sent over WebSocket connections.
//
// Server to client types are "status", "message", "subscribed" and "pong".
// Clients send "subscribe" with a run_id to only receive that run's events,
// and "ping".
type WSMessage struct {
	Type  string `json:"type"`
	RunID string `json:"run_id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// WSHub manages WebSocket connections and message broadcasting.
type WSHub struct {
	mu        sync.RWMutex
	clients   map[*WSClient]bool
	broadcast chan WSMessage
	logger    *zap.Logger
}

// WSClient represents a single WebSocket connection.
type WSClient struct {
	hub  *WSHub
	send chan WSMessage

	mu    sync.Mutex
	runID string // empty receives every run
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *zap.Logger) *WSHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHub{
		clients:   make(map[*WSClient]bool),
		broadcast: make(chan WSMessage, 256),
		logger:    logger,
	}
}

// NewClient creates a client with a buffered send queue.
func (h *WSHub) NewClient() *WSClient {
	return &WSClient{hub: h, send: make(chan WSMessage, 256)}
}

// Run delivers broadcasts until ctx is done, then disconnects every client.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *WSHub) deliver(msg WSMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(msg) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			// Slow client; disconnect
			h.logger.Debug("dropping slow websocket client")
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// Broadcast queues a message for all interested clients. Messages are
// dropped when the queue is full.
func (h *WSHub) Broadcast(msg WSMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("websocket broadcast queue full", zap.String("type", msg.Type))
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register adds a client to the hub.
func (h *WSHub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its queue.
func (h *WSHub) Unregister(client *WSClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

// sendTo replies to a single client if it is still registered.
func (h *WSHub) sendTo(client *WSClient, msg WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return
	}
	select {
	case client.send <- msg:
	default:
	}
}

func (c *WSClient) subscribe(runID string) {
	c.mu.Lock()
	c.runID = runID
	c.mu.Unlock()
}

func (c *WSClient) wants(msg WSMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID == "" || msg.RunID == "" || msg.RunID == c.runID
}

// handleWebSocket upgrades the connection and streams run progress. A
// run_id query parameter subscribes the client to that run only.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	client := s.wsHub.NewClient()
	client.subscribe(r.URL.Query().Get("run_id"))
	s.wsHub.Register(client)
	s.logger.Debug("websocket connected", zap.String("remote", r.RemoteAddr))

	go client.writePump(conn)
	go client.readPump(conn)
}

// readPump handles client commands until the connection fails.
func (c *WSClient) readPump(conn *websocket.Conn) {
	defer func() {
		c.hub.Unregister(c)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	extend := func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend("")
	conn.SetPongHandler(extend)

	for {
		var cmd WSMessage
		err := conn.ReadJSON(&cmd)
		var (
			syntaxErr *json.SyntaxError
			typeErr   *json.UnmarshalTypeError
		)
		switch {
		case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
			continue
		case err != nil:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}
		if reply, ok := c.handle(cmd); ok {
			c.hub.sendTo(c, reply)
		}
	}
}

// handle applies a client command and returns the reply to send, if any.
func (c *WSClient) handle(cmd WSMessage) (WSMessage, bool) {
	switch cmd.Type {
	case "subscribe":
		c.subscribe(cmd.RunID)
		return WSMessage{Type: "subscribed", RunID: cmd.RunID}, true
	case "ping":
		return WSMessage{Type: "pong"}, true
	}
	return WSMessage{}, false
}

// writePump drains the send queue to the connection and keeps it alive
// with pings. It exits when the hub closes the queue.
func (c *WSClient) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
