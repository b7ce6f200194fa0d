// Package chat serves the funnel over a WebSocket, one connection per tab
// session.
package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/leadfunnel/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const notifyTimeout = 5 * time.Second

// Registry tracks the live WebSocket of each tab session.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the live connection for key, or nil.
func (m *Registry) GetActive(key session.Key) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[key.UserID]; ok {
		return sessions[key.SessionID]
	}
	return nil
}

// Register adds conn for key, closing any connection it replaces.
func (m *Registry) Register(key session.Key, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[key.UserID]; !exists {
		m.active[key.UserID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[key.UserID][key.SessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}

	m.active[key.UserID][key.SessionID] = conn
	slog.Info("Chat connection registered", "user_id", key.UserID, "session_id", key.SessionID)
}

// Unregister removes conn if it is still the one registered for key.
func (m *Registry) Unregister(key session.Key, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[key.UserID]; ok {
		if current, exists := sessions[key.SessionID]; exists && current == conn {
			delete(sessions, key.SessionID)
			if len(sessions) == 0 {
				delete(m.active, key.UserID)
			}
			slog.Info("Chat connection unregistered", "user_id", key.UserID, "session_id", key.SessionID)
		}
	}
}

// Count returns the number of live connections.
func (m *Registry) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

// SessionReset tells the tab's live connection, if any, that its
// conversation was cleared elsewhere.
func (m *Registry) SessionReset(key session.Key) {
	conn := m.GetActive(key)
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, serverMessage{Type: typeReset}); err != nil {
		slog.Debug("Failed to notify chat connection of reset",
			"user_id", key.UserID, "session_id", key.SessionID, "error", err)
	}
}

// CloseAll closes every live connection. Used on shutdown.
func (m *Registry) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, sessions := range m.active {
		for sid, conn := range sessions {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			slog.Info("Chat connection closed", "user_id", userID, "session_id", sid)
		}
	}
	m.active = make(map[string]map[string]*websocket.Conn)
}
