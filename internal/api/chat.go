package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/leadfunnel/internal/domain"
	"github.com/ashureev/leadfunnel/internal/funnel"
	"github.com/ashureev/leadfunnel/internal/identity"
	"github.com/ashureev/leadfunnel/internal/session"
	"github.com/go-chi/chi/v5"
)

const maxMessageBytes = 16 << 10

// ChatHandler handles the chat funnel endpoints.
type ChatHandler struct {
	*Handler
}

// NewChatHandler creates a chat handler.
func NewChatHandler(base *Handler) *ChatHandler {
	return &ChatHandler{Handler: base}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Route("/chat", func(r chi.Router) {
			r.Post("/start", h.Start)
			r.Post("/message", h.Message)
			r.Post("/reset", h.Reset)
			r.Get("/transcript", h.Transcript)
		})
	})
}

type startRequest struct {
	Suggestion string `json:"suggestion"`
}

type messageRequest struct {
	Message string `json:"message"`
}

// GetMe returns the current visitor's anonymous identity and tab session.
func (h *ChatHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	resp := map[string]interface{}{
		"user_id":    userID,
		"username":   identity.UsernameFromContext(ctx),
		"session_id": identity.SessionIDFromContext(ctx),
	}
	if user, err := h.repo.GetUser(ctx, userID); err == nil && user != nil {
		resp["first_seen_at"] = user.CreatedAt.UTC().Format(time.RFC3339)
	}
	JSON(w, http.StatusOK, resp)
}

// GetConfig returns what the page needs to render the chat chrome.
func (h *ChatHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"suggestions": session.Suggestions(),
		"disclaimer":  session.Disclaimer,
		"total_steps": funnel.TotalFields(),
	}
	if h.cfg != nil {
		resp["company_name"] = h.cfg.Company.Name
		resp["company_blurb"] = h.cfg.Company.Blurb
		resp["ai_configured"] = h.cfg.Company.OpenAIKey != ""
		resp["leads_backend"] = h.cfg.Leads.Backend
		if h.cfg.Leads.Backend != "sqlite" {
			resp["leads_path"] = h.cfg.Leads.Path
		}
	}
	JSON(w, http.StatusOK, resp)
}

// Start opens the conversation, optionally with a quick suggestion.
func (h *ChatHandler) Start(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	if !h.allow(w, key.UserID) {
		return
	}

	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	turn, err := h.sessions.Start(r.Context(), key, req.Suggestion)
	if err != nil {
		sessionError(w, key, err)
		return
	}
	h.touch(key.UserID)
	JSON(w, http.StatusOK, turn)
}

// Message runs one chat turn.
func (h *ChatHandler) Message(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	if !h.allow(w, key.UserID) {
		return
	}

	var req messageRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	turn, err := h.sessions.Handle(r.Context(), key, req.Message)
	if err != nil {
		sessionError(w, key, err)
		return
	}
	h.touch(key.UserID)
	JSON(w, http.StatusOK, turn)
}

// Reset clears the tab session.
func (h *ChatHandler) Reset(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	if err := h.sessions.Reset(r.Context(), key); err != nil {
		slog.Error("Failed to reset chat session", "user_id", key.UserID, "session_id", key.SessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	if h.resets != nil {
		h.resets.SessionReset(key)
	}
	JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// Transcript returns the tab session's messages and progress.
func (h *ChatHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	snap, err := h.sessions.Snapshot(r.Context(), key)
	if err != nil {
		sessionError(w, key, err)
		return
	}
	if snap.Messages == nil {
		snap.Messages = []domain.Message{}
	}
	// The collected answers stay server-side.
	snap.Record = nil
	JSON(w, http.StatusOK, snap)
}

// touch records activity without holding up the response.
func (h *ChatHandler) touch(userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.repo.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
			slog.Debug("Failed to update last seen", "user_id", userID, "error", err)
		}
	}()
}

// decodeBody reads a small JSON body. An empty body decodes as the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxMessageBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
