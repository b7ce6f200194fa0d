// Package api provides HTTP handlers for the lead funnel API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/leadfunnel/internal/config"
	"github.com/ashureev/leadfunnel/internal/funnel"
	"github.com/ashureev/leadfunnel/internal/identity"
	"github.com/ashureev/leadfunnel/internal/ratelimit"
	"github.com/ashureev/leadfunnel/internal/session"
	"github.com/ashureev/leadfunnel/internal/store"
)

// ResetNotifier is told when a tab session is reset so live connections can
// drop their view of it.
type ResetNotifier interface {
	SessionReset(key session.Key)
}

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	sessions *session.Manager
	cfg      *config.Config
	flood    *ratelimit.Window
	resets   ResetNotifier
}

// NewHandler creates a new Handler with common dependencies. flood may be nil.
func NewHandler(repo store.Repository, sessions *session.Manager, cfg *config.Config, flood *ratelimit.Window) *Handler {
	return &Handler{
		repo:     repo,
		sessions: sessions,
		cfg:      cfg,
		flood:    flood,
	}
}

// SetResetNotifier registers the listener for session resets.
func (h *Handler) SetResetNotifier(n ResetNotifier) {
	h.resets = n
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// sessionKey builds the session key from the identity middleware values.
func sessionKey(r *http.Request) session.Key {
	return session.Key{
		UserID:    identity.UserIDFromContext(r.Context()),
		SessionID: identity.SessionIDFromContext(r.Context()),
	}
}

// allow applies the per-user flood guard.
func (h *Handler) allow(w http.ResponseWriter, userID string) bool {
	if h.flood == nil || h.flood.Allow(userID) {
		return true
	}
	slog.Warn("Request rate limit exceeded", "user_id", userID)
	Error(w, http.StatusTooManyRequests, "rate_limited")
	return false
}

// sessionError maps manager errors to responses.
func sessionError(w http.ResponseWriter, key session.Key, err error) {
	if errors.Is(err, funnel.ErrMalformedState) {
		slog.Warn("Session state is malformed, reset required",
			"user_id", key.UserID, "session_id", key.SessionID, "error", err)
		Error(w, http.StatusConflict, "session_reset_required")
		return
	}
	slog.Error("Chat turn failed", "user_id", key.UserID, "session_id", key.SessionID, "error", err)
	Error(w, http.StatusInternalServerError, "internal_error")
}
