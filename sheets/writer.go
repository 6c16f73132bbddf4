package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"inspire-scraper/models"

	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Writer appends contact batches to a spreadsheet, one tab per region
type Writer struct {
	service       *sheets.Service
	spreadsheetID string
	logger        zerolog.Logger

	mu     sync.Mutex
	tabs   map[string]int64
	loaded bool
}

// NewWriter creates a new Google Sheets writer. Credentials are read from
// credentialsPath, or from GOOGLE_SHEETS_CREDENTIALS when the path is empty.
func NewWriter(ctx context.Context, spreadsheetID string, credentialsPath string, logger zerolog.Logger) (*Writer, error) {
	credsJSON, err := readCredentials(credentialsPath)
	if err != nil {
		return nil, err
	}
	return newWriter(ctx, spreadsheetID, logger, option.WithCredentialsJSON(credsJSON))
}

func newWriter(ctx context.Context, spreadsheetID string, logger zerolog.Logger, opts ...option.ClientOption) (*Writer, error) {
	if spreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is empty")
	}

	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return &Writer{
		service:       service,
		spreadsheetID: spreadsheetID,
		logger:        logger.With().Str("component", "sheets").Logger(),
		tabs:          map[string]int64{},
	}, nil
}

func readCredentials(credentialsPath string) ([]byte, error) {
	var credsJSON []byte
	if credentialsPath != "" {
		data, err := os.ReadFile(credentialsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
		credsJSON = data
	} else {
		credsEnv := strings.TrimSpace(os.Getenv("GOOGLE_SHEETS_CREDENTIALS"))
		if credsEnv == "" {
			return nil, fmt.Errorf("credentials not found: GOOGLE_SHEETS_CREDENTIALS environment variable is empty or not set")
		}
		credsJSON = []byte(credsEnv)
	}

	var creds map[string]interface{}
	if err := json.Unmarshal(credsJSON, &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON (check if JSON is properly formatted): %w", err)
	}
	if creds["type"] != "service_account" {
		return nil, fmt.Errorf("credentials must be a service account JSON file (type: service_account), got type: %v", creds["type"])
	}
	return credsJSON, nil
}

// WriteSubregion appends the batch rows to the region's tab, creating the tab
// with a header row on first use
func (w *Writer) WriteSubregion(ctx context.Context, batch models.Batch) error {
	if len(batch.Records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	tab := sanitizeSheetName(batch.Region)
	created, err := w.ensureTab(ctx, tab)
	if err != nil {
		return err
	}

	var values [][]interface{}
	if created {
		values = append(values, toRow(models.ContactHeader))
	}
	for _, r := range batch.Records {
		values = append(values, toRow(r.Row()))
	}

	_, err = w.service.Spreadsheets.Values.Append(w.spreadsheetID, fmt.Sprintf("'%s'!A1", tab), &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to append to sheet '%s': %w", tab, err)
	}

	w.logger.Info().Str("sheet", tab).Str("district", batch.Subregion).Int("records", len(batch.Records)).Msg("appended rows")
	return nil
}

// ensureTab creates the tab when it does not exist yet and reports whether it did
func (w *Writer) ensureTab(ctx context.Context, tab string) (bool, error) {
	if !w.loaded {
		resp, err := w.service.Spreadsheets.Get(w.spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
		if err != nil {
			return false, fmt.Errorf("failed to read spreadsheet: %w", err)
		}
		for _, s := range resp.Sheets {
			if s.Properties != nil {
				w.tabs[s.Properties.Title] = s.Properties.SheetId
			}
		}
		w.loaded = true
	}

	if _, ok := w.tabs[tab]; ok {
		return false, nil
	}

	resp, err := w.service.Spreadsheets.BatchUpdate(w.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: tab}}},
		},
	}).Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("failed to create sheet '%s': %w", tab, err)
	}

	var sheetID int64
	if len(resp.Replies) > 0 && resp.Replies[0].AddSheet != nil {
		sheetID = resp.Replies[0].AddSheet.Properties.SheetId
	}
	w.tabs[tab] = sheetID
	w.logger.Info().Str("sheet", tab).Int64("sheet_id", sheetID).Msg("created sheet")
	return true, nil
}

// SheetURL links to the region's tab, or to the spreadsheet when the tab is unknown
func (w *Writer) SheetURL(region string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.tabs[sanitizeSheetName(region)]; ok {
		return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/edit#gid=%d", w.spreadsheetID, id)
	}
	return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/edit", w.spreadsheetID)
}

// Close is a no-op; rows are sent as they arrive
func (w *Writer) Close() error {
	return nil
}

func toRow(values []string) []interface{} {
	row := make([]interface{}, len(values))
	for i, v := range values {
		row[i] = v
	}
	return row
}

// sanitizeSheetName removes invalid characters from sheet name
func sanitizeSheetName(name string) string {
	// Google Sheets sheet names cannot contain: / \ ? * [ ]
	invalidChars := []string{"/", "\\", "?", "*", "[", "]", "'"}
	result := name
	for _, char := range invalidChars {
		result = strings.ReplaceAll(result, char, "_")
	}
	result = strings.TrimSpace(result)
	if result == "" {
		result = "Sheet1"
	}
	if len(result) > 100 {
		result = result[:100]
	}
	return result
}

// ExtractSpreadsheetID extracts the spreadsheet ID from a Google Sheets URL
func ExtractSpreadsheetID(url string) string {
	// https://docs.google.com/spreadsheets/d/SPREADSHEET_ID/edit?usp=sharing
	parts := strings.Split(url, "/d/")
	if len(parts) < 2 {
		return ""
	}

	idPart := parts[1]
	if idx := strings.Index(idPart, "/"); idx != -1 {
		idPart = idPart[:idx]
	}
	if idx := strings.Index(idPart, "?"); idx != -1 {
		idPart = idPart[:idx]
	}

	return strings.TrimSpace(idPart)
}
