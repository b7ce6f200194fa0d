// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/leadfunnel/internal/domain"
)

// Repository defines the interface for persisting users, chat sessions and
// leads.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetChatSession retrieves the snapshot of a tab session. Returns nil, nil if absent.
	GetChatSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error)

	// UpsertChatSession creates or updates a tab session snapshot.
	UpsertChatSession(ctx context.Context, session *domain.ChatSession) error

	// DeleteChatSession removes a tab session snapshot.
	DeleteChatSession(ctx context.Context, userID, sessionID string) error

	// InsertLead appends a completed lead.
	InsertLead(ctx context.Context, lead *domain.Lead) error

	// ListLeads returns stored leads, oldest first.
	ListLeads(ctx context.Context) ([]*domain.Lead, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
