package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/leadfunnel/internal/funnel"
	"github.com/ashureev/leadfunnel/internal/identity"
	"github.com/ashureev/leadfunnel/internal/ratelimit"
	"github.com/ashureev/leadfunnel/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const maxMessageBytes = 16 << 10

// Message types exchanged over the socket.
const (
	typeStart      = "start"
	typeMessage    = "message"
	typeReset      = "reset"
	typePing       = "ping"
	typePong       = "pong"
	typeTurn       = "turn"
	typeTranscript = "transcript"
	typeError      = "error"
)

type clientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type serverMessage struct {
	Type       string            `json:"type"`
	Turn       *session.Turn     `json:"turn,omitempty"`
	Transcript *session.Snapshot `json:"transcript,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Handler upgrades requests to WebSocket chat sessions.
type Handler struct {
	sessions      *session.Manager
	registry      *Registry
	flood         *ratelimit.Window
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a WebSocket chat handler. flood may be nil.
func NewHandler(sessions *session.Manager, registry *Registry, flood *ratelimit.Window, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		sessions:      sessions,
		registry:      registry,
		flood:         flood,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := session.Key{
		UserID:    identity.UserIDFromContext(r.Context()),
		SessionID: identity.SessionIDFromContext(r.Context()),
	}
	slog.Info("WebSocket connection request", "user_id", key.UserID, "session_id", key.SessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", key.UserID)
		return
	}
	ws.SetReadLimit(maxMessageBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", key.UserID)
		}
	}()

	h.registry.Register(key, ws)
	defer h.registry.Unregister(key, ws)
	slog.Debug("Chat connection registered", "user_id", key.UserID, "session_id", key.SessionID, "active", h.registry.Count())

	ctx := session.WithChannel(r.Context(), session.ChannelWebSocket)

	snap, err := h.sessions.Snapshot(ctx, key)
	if err != nil {
		h.writeError(ctx, ws, key, err)
	} else {
		snap.Record = nil
		h.write(ctx, ws, serverMessage{Type: typeTranscript, Transcript: &snap})
	}

	h.readLoop(ctx, ws, key)
	slog.Info("Chat connection ended", "user_id", key.UserID, "session_id", key.SessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, key session.Key) {
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "user_id", key.UserID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", key.UserID)
			}
			return
		}

		switch msg.Type {
		case typeStart, typeMessage:
			if h.flood != nil && !h.flood.Allow(key.UserID) {
				h.write(ctx, ws, serverMessage{Type: typeError, Error: "rate_limited"})
				continue
			}
			var (
				turn session.Turn
				err  error
			)
			if msg.Type == typeStart {
				turn, err = h.sessions.Start(ctx, key, msg.Content)
			} else if msg.Content == "" {
				h.write(ctx, ws, serverMessage{Type: typeError, Error: "message is required"})
				continue
			} else {
				turn, err = h.sessions.Handle(ctx, key, msg.Content)
			}
			if err != nil {
				h.writeError(ctx, ws, key, err)
				continue
			}
			h.write(ctx, ws, serverMessage{Type: typeTurn, Turn: &turn})
		case typeReset:
			if err := h.sessions.Reset(ctx, key); err != nil {
				slog.Error("Failed to reset chat session", "user_id", key.UserID, "session_id", key.SessionID, "error", err)
				h.write(ctx, ws, serverMessage{Type: typeError, Error: "failed to reset session"})
				continue
			}
			h.write(ctx, ws, serverMessage{Type: typeReset})
		case typePing:
			h.write(ctx, ws, serverMessage{Type: typePong})
		default:
			h.write(ctx, ws, serverMessage{Type: typeError, Error: "unknown message type"})
		}
	}
}

func (h *Handler) writeError(ctx context.Context, ws *websocket.Conn, key session.Key, err error) {
	if errors.Is(err, funnel.ErrMalformedState) {
		slog.Warn("Session state is malformed, reset required",
			"user_id", key.UserID, "session_id", key.SessionID, "error", err)
		h.write(ctx, ws, serverMessage{Type: typeError, Error: "session_reset_required"})
		return
	}
	slog.Error("Chat turn failed", "user_id", key.UserID, "session_id", key.SessionID, "error", err)
	h.write(ctx, ws, serverMessage{Type: typeError, Error: "internal_error"})
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, msg serverMessage) {
	if err := wsjson.Write(ctx, ws, msg); err != nil {
		slog.Debug("WebSocket write error", "error", err, "type", msg.Type)
	}
}
