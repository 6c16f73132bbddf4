package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"inspire-scraper/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// SheetName is the worksheet holding every contact row
const SheetName = "Contact Details"

// maxColumnWidth caps auto-sized columns
const maxColumnWidth = 50

// XLSXSink collects every batch into one workbook written on Close
type XLSXSink struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	file   *excelize.File
	row    int
	widths []int
	err    error
}

// NewXLSXSink creates a new XLSXSink instance writing to path
func NewXLSXSink(path string, logger zerolog.Logger) (*XLSXSink, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}

	s := &XLSXSink{
		path:   path,
		logger: logger.With().Str("component", "xlsx").Logger(),
		file:   f,
		row:    1,
		widths: make([]int, len(models.ContactHeader)),
	}
	if err := s.appendRow(models.ContactHeader); err != nil {
		return nil, err
	}
	return s, nil
}

// WriteSubregion appends the batch rows
func (s *XLSXSink) WriteSubregion(ctx context.Context, batch models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("workbook %s is already closed", s.path)
	}
	for _, r := range batch.Records {
		if err := s.appendRow(r.Row()); err != nil {
			return err
		}
	}
	return nil
}

func (s *XLSXSink) appendRow(values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, s.row)
	if err != nil {
		return err
	}

	row := make([]interface{}, len(values))
	for i, v := range values {
		row[i] = v
		if n := utf8.RuneCountInString(v); i < len(s.widths) && n > s.widths[i] {
			s.widths[i] = n
		}
	}
	if err := s.file.SetSheetRow(SheetName, cell, &row); err != nil {
		return fmt.Errorf("failed to write row %d: %w", s.row, err)
	}
	s.row++
	return nil
}

// Rows returns the number of data rows written so far
func (s *XLSXSink) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.row - 2
}

// Close sizes the columns and saves the workbook
func (s *XLSXSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return s.err
	}
	defer func() {
		s.file.Close()
		s.file = nil
	}()

	for i, w := range s.widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := s.file.SetColWidth(SheetName, col, col, float64(min(w+2, maxColumnWidth))); err != nil {
			return fmt.Errorf("failed to size column %s: %w", col, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.err = fmt.Errorf("failed to create output directory: %w", err)
		return s.err
	}
	if err := s.file.SaveAs(s.path); err != nil {
		s.err = fmt.Errorf("failed to save workbook: %w", err)
		return s.err
	}

	s.logger.Info().Str("file", s.path).Int("records", s.row-2).Msg("wrote workbook")
	return nil
}
