package db

import (
	"context"
	"fmt"

	"inspire-scraper/models"

	"github.com/lib/pq"
)

// ContactSink persists contact batches into contact_records
type ContactSink struct {
	db        *DB
	batchSize int
}

// Contacts returns a sink that copies rows in chunks of batchSize
func (db *DB) Contacts(batchSize int) *ContactSink {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &ContactSink{db: db, batchSize: batchSize}
}

// WriteSubregion stores every record of the batch
func (s *ContactSink) WriteSubregion(ctx context.Context, batch models.Batch) error {
	for _, span := range chunks(len(batch.Records), s.batchSize) {
		if err := s.copyChunk(ctx, batch, batch.Records[span[0]:span[1]]); err != nil {
			return err
		}
	}

	s.db.logger.Debug().
		Str("run_id", batch.RunID).
		Str("district", batch.Subregion).
		Int("records", len(batch.Records)).
		Msg("stored contact batch")
	return nil
}

func (s *ContactSink) copyChunk(ctx context.Context, batch models.Batch, records []models.ContactRecord) error {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("contact_records",
		"run_id", "state_id", "state", "district_id", "district",
		"school", "name", "mobile", "email", "application_number"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}

	for _, r := range records {
		_, err := stmt.ExecContext(ctx, batch.RunID, batch.RegionID, r.Region, batch.SubregionID, r.Subregion,
			r.Entity, r.ContactName, r.Mobile, r.Email, r.ApplicationNumber)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy contact row: %w", err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close copy: %w", err)
	}
	return tx.Commit()
}

// Close is a no-op; the connection belongs to DB
func (s *ContactSink) Close() error {
	return nil
}

// CountContacts returns the number of stored rows for a run
func (db *DB) CountContacts(ctx context.Context, runID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM contact_records WHERE run_id = $1`, runID).Scan(&n)
	return n, err
}

// chunks splits [0,n) into half-open spans of at most size elements
func chunks(n, size int) [][2]int {
	var spans [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		spans = append(spans, [2]int{start, end})
	}
	return spans
}
