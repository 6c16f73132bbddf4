package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// DB wraps the database connection
type DB struct {
	conn   *sql.DB
	logger zerolog.Logger
}

// NewDB creates a new database connection. An empty connStr is built from
// DATABASE_URL or the individual DB_* variables.
func NewDB(ctx context.Context, connStr string, logger zerolog.Logger) (*DB, error) {
	if connStr == "" {
		connStr = connStringFromEnv()
	}

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, logger: logger.With().Str("component", "db").Logger()}

	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func connStringFromEnv() string {
	if connStr := os.Getenv("DATABASE_URL"); connStr != "" {
		return connStr
	}

	host := getEnvOrDefault("DB_HOST", "localhost")
	port := getEnvOrDefault("DB_PORT", "5432")
	user := getEnvOrDefault("DB_USER", "inspire")
	password := getEnvOrDefault("DB_PASSWORD", "")
	dbname := getEnvOrDefault("DB_NAME", "inspire")
	sslmode := getEnvOrDefault("DB_SSLMODE", "disable")

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode)
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist
func (db *DB) initSchema(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id SERIAL PRIMARY KEY,
			run_id VARCHAR(36),
			regions TEXT[] NOT NULL DEFAULT '{}',
			subregions TEXT[] NOT NULL DEFAULT '{}',
			status VARCHAR(20) NOT NULL DEFAULT 'queued',
			stop_requested BOOLEAN NOT NULL DEFAULT FALSE,
			leaves_count INTEGER NOT NULL DEFAULT 0,
			records_count INTEGER NOT NULL DEFAULT 0,
			skipped_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT valid_job_status CHECK (status IN ('queued', 'running', 'done', 'failed', 'stopped'))
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS contact_records (
			id SERIAL PRIMARY KEY,
			run_id VARCHAR(36) NOT NULL,
			state_id TEXT NOT NULL,
			state TEXT NOT NULL,
			district_id TEXT NOT NULL,
			district TEXT NOT NULL,
			school TEXT,
			name TEXT,
			mobile TEXT,
			email TEXT,
			application_number TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create contact_records table: %w", err)
	}

	for name, stmt := range map[string]string{
		"jobs.status":             `CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		"contact_records.run_id":  `CREATE INDEX IF NOT EXISTS idx_contact_records_run_id ON contact_records(run_id)`,
		"contact_records.state":   `CREATE INDEX IF NOT EXISTS idx_contact_records_state_id ON contact_records(state_id)`,
	} {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			db.logger.Warn().Err(err).Str("index", name).Msg("failed to create index")
		}
	}

	db.logger.Debug().Msg("database schema initialized")
	return nil
}

// GetConn returns the underlying database connection
func (db *DB) GetConn() *sql.DB {
	return db.conn
}
