package leads

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/ashureev/leadfunnel/internal/domain"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Leads"

// XLSXStore appends leads to a spreadsheet. The first row holds column names;
// existing rows and columns are preserved on every append. If the file cannot
// be read it is replaced by a sheet holding only the new lead.
type XLSXStore struct {
	path    string
	columns []string
	mu      sync.Mutex
}

// NewXLSXStore creates a spreadsheet store. columns fixes the order of the
// lead's own columns when they are first added to the sheet.
func NewXLSXStore(path string, columns []string) *XLSXStore {
	cols := slices.Clone(columns)
	cols = append(cols, domain.ColumnLeadID, domain.ColumnCreatedAt)
	return &XLSXStore{path: path, columns: cols}
}

// Path returns the spreadsheet location.
func (s *XLSXStore) Path() string {
	return s.path
}

// Append adds one row for lead.
func (s *XLSXStore) Append(ctx context.Context, lead *domain.Lead) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	header, rows, err := s.read()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		header, rows = nil, nil
	case err != nil:
		slog.Warn("Lead spreadsheet unreadable, overwriting with new lead", "path", s.path, "error", err)
		header, rows = nil, nil
	}

	row := lead.Row()
	header = mergeColumns(header, s.columns, row)
	rows = append(rows, row)

	if err := s.write(header, rows); err != nil {
		return fmt.Errorf("write lead spreadsheet: %w", err)
	}
	return nil
}

// ReplaceAll writes a spreadsheet holding exactly the given leads, replacing
// whatever the file held before, in a single write.
func (s *XLSXStore) ReplaceAll(ctx context.Context, all []*domain.Lead) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rows := make([]map[string]string, 0, len(all))
	var header []string
	for _, lead := range all {
		row := lead.Row()
		header = mergeColumns(header, s.columns, row)
		rows = append(rows, row)
	}
	if header == nil {
		header = mergeColumns(nil, s.columns, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(header, rows); err != nil {
		return fmt.Errorf("write lead spreadsheet: %w", err)
	}
	return nil
}

// Rows returns every stored lead as column -> value.
func (s *XLSXStore) Rows(ctx context.Context) ([]map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, rows, err := s.read()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return rows, err
}

func (s *XLSXStore) read() ([]string, []map[string]string, error) {
	if _, err := os.Stat(s.path); err != nil {
		return nil, nil, err
	}

	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			slog.Debug("Failed to close spreadsheet", "path", s.path, "error", closeErr)
		}
	}()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("spreadsheet has no sheets")
	}

	cells, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("read rows: %w", err)
	}
	if len(cells) == 0 {
		return nil, nil, nil
	}

	header := cells[0]
	rows := make([]map[string]string, 0, len(cells)-1)
	for _, line := range cells[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(line) {
				row[col] = line[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

// write replaces the spreadsheet atomically via a temp file and rename.
func (s *XLSXStore) write(header []string, rows []map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create spreadsheet directory: %w", err)
	}

	f := excelize.NewFile()
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			slog.Debug("Failed to close new spreadsheet", "error", closeErr)
		}
	}()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	if err := setRow(f, 1, header); err != nil {
		return err
	}
	for i, row := range rows {
		values := make([]string, len(header))
		for j, col := range header {
			values[j] = row[col]
		}
		if err := setRow(f, i+2, values); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".leads-*.xlsx")
	if err != nil {
		return fmt.Errorf("create temp spreadsheet: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := f.Write(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save spreadsheet: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp spreadsheet: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace spreadsheet: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, rowNum int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return fmt.Errorf("cell name for row %d: %w", rowNum, err)
	}
	line := make([]interface{}, len(values))
	for i, v := range values {
		line[i] = v
	}
	if err := f.SetSheetRow(sheetName, cell, &line); err != nil {
		return fmt.Errorf("set row %d: %w", rowNum, err)
	}
	return nil
}

// mergeColumns keeps the existing header order and appends any new column,
// first in the store's preferred order, then any remaining row keys sorted.
func mergeColumns(header, preferred []string, row map[string]string) []string {
	out := slices.Clone(header)
	for _, col := range preferred {
		if !slices.Contains(out, col) {
			out = append(out, col)
		}
	}
	var extra []string
	for col := range row {
		if !slices.Contains(out, col) {
			extra = append(extra, col)
		}
	}
	slices.Sort(extra)
	return append(out, extra...)
}
