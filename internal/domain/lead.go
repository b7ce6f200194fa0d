package domain

import (
	"time"
)

// Lead column names appended after the funnel fields.
const (
	ColumnLeadID    = "id"
	ColumnCreatedAt = "criado_em"
)

// Lead is a completed funnel record handed to the lead store.
type Lead struct {
	ID        string
	UserID    string
	SessionID string
	Fields    map[string]string
	CreatedAt time.Time
}

// Row flattens the lead into column -> value, including its id and creation
// time.
func (l *Lead) Row() map[string]string {
	row := make(map[string]string, len(l.Fields)+2)
	for k, v := range l.Fields {
		row[k] = v
	}
	row[ColumnLeadID] = l.ID
	row[ColumnCreatedAt] = l.CreatedAt.UTC().Format(time.RFC3339)
	return row
}
