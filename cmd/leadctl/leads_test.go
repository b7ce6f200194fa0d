package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/leadfunnel/internal/domain"
	"github.com/ashureev/leadfunnel/internal/funnel"
	"github.com/ashureev/leadfunnel/internal/leads"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLeads struct {
	leads []*domain.Lead
	err   error
}

func (s staticLeads) ListLeads(context.Context) ([]*domain.Lead, error) {
	return s.leads, s.err
}

func sampleLeads() []*domain.Lead {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []*domain.Lead{
		{ID: "a", UserID: "u1", SessionID: "tab-1", CreatedAt: created, Fields: map[string]string{funnel.KeyName: "Ana Silva"}},
		{ID: "b", UserID: "u2", SessionID: "tab-1", CreatedAt: created, Fields: map[string]string{funnel.KeyName: "Bia Souza"}},
	}
}

func TestListLeads(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, listLeads(context.Background(), staticLeads{leads: sampleLeads()}, &buf))

	dec := json.NewDecoder(&buf)
	var first leadJSON
	require.NoError(t, dec.Decode(&first))
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "2024-05-01T12:00:00Z", first.CreatedAt)
	assert.Equal(t, "Ana Silva", first.Fields[funnel.KeyName])
}

func TestExportLeads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.xlsx")
	dst := leads.NewXLSXStore(path, funnel.Keys())
	src := staticLeads{leads: sampleLeads()}

	for range 2 {
		n, err := exportLeads(context.Background(), src, dst)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}

	rows, err := dst.Rows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2, "rerunning the export must not duplicate rows")
	assert.Equal(t, "Bia Souza", rows[1][funnel.KeyName])
}

func TestListRowsFromSpreadsheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leads.xlsx")
	src := leads.NewXLSXStore(path, funnel.Keys())
	for _, l := range sampleLeads() {
		require.NoError(t, src.Append(context.Background(), l))
	}

	var buf bytes.Buffer
	require.NoError(t, listRows(context.Background(), src, &buf))

	dec := json.NewDecoder(&buf)
	var first map[string]string
	require.NoError(t, dec.Decode(&first))
	assert.Equal(t, "Ana Silva", first[funnel.KeyName])
	assert.Equal(t, "a", first[domain.ColumnLeadID])
}

func TestExportLeadsListError(t *testing.T) {
	_, err := exportLeads(context.Background(), staticLeads{err: errors.New("db down")}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["export"])
	assert.NotNil(t, root.PersistentFlags().Lookup("db"))

	list, _, err := root.Find([]string{"list"})
	require.NoError(t, err)
	assert.NotNil(t, list.Flags().Lookup("xlsx"))
}
