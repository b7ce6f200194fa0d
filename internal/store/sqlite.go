package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/leadfunnel/internal/domain"
	"github.com/ashureev/leadfunnel/internal/shared"
	_ "modernc.org/sqlite"
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // Serializes chat session writes to prevent SQLITE_BUSY
	leadMu    sync.Mutex // Serializes lead appends
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency. The pragmas are
	// applied by the driver on every new connection.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		step_index INTEGER NOT NULL DEFAULT 0,
		record_json TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		last_input_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated ON chat_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS leads (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		lead_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		fields_json TEXT NOT NULL CHECK (json_valid(fields_json)),
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetChatSession retrieves the snapshot of a tab session.
func (s *SQLiteStore) GetChatSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	query := `
		SELECT user_id, session_id, step_index, record_json, messages_json,
		       last_input_at, created_at, updated_at
		FROM chat_sessions WHERE user_id = ? AND session_id = ?`

	var cs domain.ChatSession
	var lastInput, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID, sessionID).Scan(
		&cs.UserID, &cs.SessionID, &cs.StepIndex, &cs.RecordJSON, &cs.MessagesJSON,
		&lastInput, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session: %w", err)
	}

	cs.LastInputAt = time.UnixMilli(lastInput)
	cs.CreatedAt = time.Unix(createdAt, 0)
	cs.UpdatedAt = time.Unix(updatedAt, 0)
	return &cs, nil
}

// UpsertChatSession creates or updates a tab session snapshot.
func (s *SQLiteStore) UpsertChatSession(ctx context.Context, cs *domain.ChatSession) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	query := `
		INSERT INTO chat_sessions (
			user_id, session_id, step_index, record_json, messages_json,
			last_input_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, session_id) DO UPDATE SET
			step_index = excluded.step_index,
			record_json = excluded.record_json,
			messages_json = excluded.messages_json,
			last_input_at = excluded.last_input_at,
			updated_at = excluded.updated_at`

	createdAt := cs.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		cs.UserID, cs.SessionID, cs.StepIndex, cs.RecordJSON, cs.MessagesJSON,
		cs.LastInputAt.UnixMilli(), createdAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert chat session: %w", err)
	}
	return nil
}

// DeleteChatSession removes a tab session snapshot, retrying on SQLITE_BUSY.
func (s *SQLiteStore) DeleteChatSession(ctx context.Context, userID, sessionID string) error {
	return withRetry(ctx, "delete chat session", func() error {
		s.sessionMu.Lock()
		defer s.sessionMu.Unlock()

		_, err := s.db.ExecContext(ctx,
			`DELETE FROM chat_sessions WHERE user_id = ? AND session_id = ?`, userID, sessionID)
		return err
	})
}

// InsertLead appends a completed lead, retrying on SQLITE_BUSY.
func (s *SQLiteStore) InsertLead(ctx context.Context, lead *domain.Lead) error {
	fieldsJSON, err := json.Marshal(lead.Fields)
	if err != nil {
		return fmt.Errorf("marshal lead fields: %w", err)
	}

	return withRetry(ctx, "insert lead", func() error {
		s.leadMu.Lock()
		defer s.leadMu.Unlock()

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO leads (lead_id, user_id, session_id, fields_json, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			lead.ID, lead.UserID, lead.SessionID, string(fieldsJSON), lead.CreatedAt.Unix(),
		)
		return err
	})
}

// ListLeads returns stored leads, oldest first.
func (s *SQLiteStore) ListLeads(ctx context.Context) ([]*domain.Lead, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lead_id, user_id, session_id, fields_json, created_at
		FROM leads ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close lead rows", "error", closeErr)
		}
	}()

	var leads []*domain.Lead
	for rows.Next() {
		var lead domain.Lead
		var fieldsJSON string
		var createdAt int64
		if err := rows.Scan(&lead.ID, &lead.UserID, &lead.SessionID, &fieldsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan lead row: %w", err)
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &lead.Fields); err != nil {
			return nil, fmt.Errorf("decode lead %s fields: %w", lead.ID, err)
		}
		lead.CreatedAt = time.Unix(createdAt, 0)
		leads = append(leads, &lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return leads, nil
}

// withRetry runs op up to three times with exponential backoff when SQLite
// reports a lock conflict.
func withRetry(ctx context.Context, what string, op func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		if err = op(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms
		slog.Debug("SQLite busy, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
