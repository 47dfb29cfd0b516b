package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/galaxy/internal/runner"
)

const writeWait = 5 * time.Second

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type     string `json:"type"`
	RunID    string `json:"run_id,omitempty"`
	Content  string `json:"content,omitempty"`
	Status   string `json:"status,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// client is one websocket connection. gorilla allows a single concurrent
// writer, so every write goes through mu.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks connected websocket clients and broadcasts run events to all of
// them. It implements runner.Sink.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

var _ runner.Sink = (*Hub)(nil)

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger.With(zap.String("component", "hub")),
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.Int("clients", n))
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
		h.logger.Debug("client disconnected", zap.Int("clients", n))
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Output(runID, text string) {
	h.broadcast(wsOutgoing{Type: "output", RunID: runID, Content: text})
}

func (h *Hub) Status(runID string, status runner.Status) {
	h.broadcast(wsOutgoing{
		Type:     "status",
		RunID:    runID,
		Status:   string(status.State),
		ExitCode: status.ExitCode,
	})
}

// broadcast sends msg to every client. A client that can't keep up is dropped
// rather than allowed to stall the run.
func (h *Hub) broadcast(msg wsOutgoing) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encoding event", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			h.logger.Debug("dropping client", zap.Error(err))
			h.remove(c)
		}
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.mu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.mu.Unlock()
		c.conn.Close()
	}
}
