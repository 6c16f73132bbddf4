package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Job statuses
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusStopped = "stopped"
)

// ErrJobNotFound is returned when no job has the requested id
var ErrJobNotFound = errors.New("job not found")

// Job represents a queued scraping run
type Job struct {
	ID            int
	RunID         sql.NullString
	Regions       []string
	Subregions    []string
	Status        string // "queued", "running", "done", "failed", "stopped"
	StopRequested bool
	LeavesCount   int
	RecordsCount  int
	SkippedCount  int
	LastError     sql.NullString
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Finished reports whether the job reached a terminal status
func (j *Job) Finished() bool {
	switch j.Status {
	case StatusDone, StatusFailed, StatusStopped:
		return true
	}
	return false
}

const jobColumns = `id, run_id, regions, subregions, status, stop_requested,
	leaves_count, records_count, skipped_count, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	err := row.Scan(
		&job.ID, &job.RunID, pq.Array(&job.Regions), pq.Array(&job.Subregions),
		&job.Status, &job.StopRequested, &job.LeavesCount, &job.RecordsCount,
		&job.SkippedCount, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJob queues a run over the given region ids and subregion patterns
func (db *DB) CreateJob(ctx context.Context, regions, subregions []string) (*Job, error) {
	if regions == nil {
		regions = []string{}
	}
	if subregions == nil {
		subregions = []string{}
	}

	row := db.conn.QueryRowContext(ctx, `
		INSERT INTO jobs (regions, subregions, status)
		VALUES ($1, $2, 'queued')
		RETURNING `+jobColumns,
		pq.Array(regions), pq.Array(subregions))

	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// ClaimNextJob marks the oldest queued job as running under runID and
// returns it. It returns nil when the queue is empty.
func (db *DB) ClaimNextJob(ctx context.Context, runID string) (*Job, error) {
	row := db.conn.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'running', run_id = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' AND NOT stop_requested
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, runID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// GetJob loads one job
func (db *DB) GetJob(ctx context.Context, id int) (*Job, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %d: %w", id, err)
	}
	return job, nil
}

// ListJobs returns the most recent jobs first
func (db *DB) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus sets the status and, when non-empty, the last error
func (db *DB) UpdateJobStatus(ctx context.Context, id int, status string, lastError string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, last_error = NULLIF($2, ''), updated_at = CURRENT_TIMESTAMP
		WHERE id = $3
	`, status, lastError, id)
	return err
}

// UpdateJobProgress stores running totals for a job
func (db *DB) UpdateJobProgress(ctx context.Context, id int, leaves, records, skipped int) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE jobs
		SET leaves_count = $1, records_count = $2, skipped_count = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4
	`, leaves, records, skipped, id)
	return err
}

// RequestStop flags a job for cooperative cancellation. A queued job is
// marked stopped right away.
func (db *DB) RequestStop(ctx context.Context, id int) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE jobs
		SET stop_requested = TRUE,
			status = CASE WHEN status = 'queued' THEN 'stopped' ELSE status END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// StopRequested reports whether a stop was requested for the job
func (db *DB) StopRequested(ctx context.Context, id int) (bool, error) {
	var stop bool
	err := db.conn.QueryRowContext(ctx, `SELECT stop_requested FROM jobs WHERE id = $1`, id).Scan(&stop)
	if err == sql.ErrNoRows {
		return false, ErrJobNotFound
	}
	return stop, err
}
