// Package leads persists completed funnel records. A lead store only ever
// appends; it must tolerate concurrent appends from independent sessions.
package leads

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/leadfunnel/internal/domain"
)

// Backend names accepted by New.
const (
	BackendXLSX   = "xlsx"
	BackendSQLite = "sqlite"
	BackendBoth   = "both"
)

// Store durably appends completed leads.
type Store interface {
	Append(ctx context.Context, lead *domain.Lead) error
}

// LeadInserter is the subset of store.Repository used for SQLite leads.
type LeadInserter interface {
	InsertLead(ctx context.Context, lead *domain.Lead) error
}

// RepositoryStore appends leads to the application database.
type RepositoryStore struct {
	repo LeadInserter
}

// NewRepositoryStore wraps a repository as a lead store.
func NewRepositoryStore(repo LeadInserter) *RepositoryStore {
	return &RepositoryStore{repo: repo}
}

// Append inserts the lead row.
func (s *RepositoryStore) Append(ctx context.Context, lead *domain.Lead) error {
	if err := s.repo.InsertLead(ctx, lead); err != nil {
		return fmt.Errorf("append lead to database: %w", err)
	}
	return nil
}

// Multi fans an append out to several stores. Every store is attempted; the
// errors are joined.
type Multi []Store

// Append writes the lead to every store.
func (m Multi) Append(ctx context.Context, lead *domain.Lead) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, lead); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the store selected by backend.
func New(backend, xlsxPath string, columns []string, repo LeadInserter) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendXLSX, "":
		return NewXLSXStore(xlsxPath, columns), nil
	case BackendSQLite:
		return NewRepositoryStore(repo), nil
	case BackendBoth:
		return Multi{NewXLSXStore(xlsxPath, columns), NewRepositoryStore(repo)}, nil
	default:
		return nil, fmt.Errorf("unknown leads backend %q", backend)
	}
}
