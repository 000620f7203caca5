// Package hub fans out per-user events to live websocket connections.
package hub

import (
	"encoding/json"
	"sync"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	UserID string
	Writer Writer
}

// Event is the envelope of every pushed message.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{connections: make(map[string]map[*Connection]struct{})}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.UserID] == nil {
		h.connections[conn.UserID] = make(map[*Connection]struct{})
	}
	h.connections[conn.UserID][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.UserID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.UserID)
	}
}

func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}

// Publish sends ev to every connection of userID.
func (h *Hub) Publish(userID string, ev Event) error {
	message, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.Broadcast(userID, message)
	return nil
}

func (h *Hub) Broadcast(userID string, message []byte) {
	h.mu.RLock()
	set := h.connections[userID]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
}
