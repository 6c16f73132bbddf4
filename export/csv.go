package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"inspire-scraper/models"

	"github.com/kennygrant/sanitize"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// FileName turns a region or subregion label into a safe file name
func FileName(label string) string {
	name := strings.ReplaceAll(sanitize.BaseName(strings.TrimSpace(label)), "-", "_")
	if name == "" {
		return "unnamed"
	}
	return name
}

// CSVSink writes one CSV per subregion under <dir>/<Region>/ and, on Close,
// zips every region folder holding more than one file into <dir>/<Region>_Data.zip
type CSVSink struct {
	dir    string
	logger zerolog.Logger

	mu    sync.Mutex
	files map[string][]string
}

// NewCSVSink creates a new CSVSink instance
func NewCSVSink(dir string, logger zerolog.Logger) *CSVSink {
	return &CSVSink{
		dir:    dir,
		logger: logger.With().Str("component", "csv").Logger(),
		files:  map[string][]string{},
	}
}

// WriteSubregion writes the batch to <dir>/<Region>/<Subregion>.csv
func (s *CSVSink) WriteSubregion(ctx context.Context, batch models.Batch) error {
	if len(batch.Records) == 0 {
		return nil
	}

	region := FileName(batch.Region)
	regionDir := filepath.Join(s.dir, region)
	if err := os.MkdirAll(regionDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(regionDir, FileName(batch.Subregion)+".csv")
	if err := writeCSV(path, batch.Records); err != nil {
		return err
	}

	s.mu.Lock()
	if !slices.Contains(s.files[region], path) {
		s.files[region] = append(s.files[region], path)
	}
	s.mu.Unlock()

	s.logger.Info().Str("file", path).Int("records", len(batch.Records)).Msg("wrote district file")
	return nil
}

func writeCSV(path string, records []models.ContactRecord) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	// spreadsheet tools need the BOM to detect UTF-8
	bom := transform.NewWriter(f, unicode.UTF8BOM.NewEncoder())
	w := csv.NewWriter(bom)

	if err := w.Write(models.ContactHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range records {
		if err := w.Write(r.Row()); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return bom.Close()
}

// Files returns the written files grouped by region folder name
func (s *CSVSink) Files() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.files))
	for region, files := range s.files {
		out[region] = append([]string(nil), files...)
	}
	return out
}

// Close zips every region folder that holds more than one file
func (s *CSVSink) Close() error {
	var errs []error
	for region, files := range s.Files() {
		if len(files) <= 1 {
			continue
		}
		archive := filepath.Join(s.dir, region+"_Data.zip")
		if err := zipFiles(archive, files); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Info().Str("file", archive).Int("files", len(files)).Msg("wrote region archive")
	}
	return errors.Join(errs...)
}

func zipFiles(archive string, files []string) (err error) {
	out, err := os.Create(archive)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", archive, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	zw := zip.NewWriter(out)
	for _, path := range sorted {
		if err := addToZip(zw, path); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func addToZip(zw *zip.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer in.Close()

	w, err := zw.Create(filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", path, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("failed to compress %s: %w", path, err)
	}
	return nil
}
