package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ashureev/leadfunnel/internal/domain"
)

type leadLister interface {
	ListLeads(ctx context.Context) ([]*domain.Lead, error)
}

type rowReader interface {
	Rows(ctx context.Context) ([]map[string]string, error)
}

type leadJSON struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	SessionID string            `json:"session_id"`
	CreatedAt string            `json:"created_at"`
	Fields    map[string]string `json:"fields"`
}

func listLeads(ctx context.Context, repo leadLister, w io.Writer) error {
	all, err := repo.ListLeads(ctx)
	if err != nil {
		return fmt.Errorf("list leads: %w", err)
	}
	enc := json.NewEncoder(w)
	for _, l := range all {
		if err := enc.Encode(leadJSON{
			ID:        l.ID,
			UserID:    l.UserID,
			SessionID: l.SessionID,
			CreatedAt: l.CreatedAt.UTC().Format(time.RFC3339),
			Fields:    l.Fields,
		}); err != nil {
			return err
		}
	}
	return nil
}

// listRows prints spreadsheet rows as JSON objects keyed by column.
func listRows(ctx context.Context, src rowReader, w io.Writer) error {
	rows, err := src.Rows(ctx)
	if err != nil {
		return fmt.Errorf("read spreadsheet: %w", err)
	}
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

type leadReplacer interface {
	ReplaceAll(ctx context.Context, all []*domain.Lead) error
}

// exportLeads writes every stored lead to dst in one pass. Rerunning it
// rewrites the target instead of appending duplicates.
func exportLeads(ctx context.Context, repo leadLister, dst leadReplacer) (int, error) {
	all, err := repo.ListLeads(ctx)
	if err != nil {
		return 0, fmt.Errorf("list leads: %w", err)
	}
	if err := dst.ReplaceAll(ctx, all); err != nil {
		return 0, fmt.Errorf("export leads: %w", err)
	}
	return len(all), nil
}
