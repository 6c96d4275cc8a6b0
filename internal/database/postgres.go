package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/carevault/durability/internal/config"
)

// Open creates a PostgreSQL connection pool for the control-plane state.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// CreateSchema creates the control-plane tables. The live replica_status
// table holds one row of current truth per replica; history lives in
// audit_logs.
func CreateSchema(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS backup_jobs (
			id UUID PRIMARY KEY,
			kind VARCHAR(16) NOT NULL,
			target_path TEXT NOT NULL,
			status VARCHAR(16) NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			checksum VARCHAR(128) NOT NULL DEFAULT '',
			compression_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
			retention_until TIMESTAMPTZ,
			patient_count BIGINT NOT NULL DEFAULT 0,
			medical_record_count BIGINT NOT NULL DEFAULT 0,
			artifact_removed BOOLEAN NOT NULL DEFAULT FALSE,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backup_jobs_status
			ON backup_jobs (status, retention_until)`,
		`CREATE TABLE IF NOT EXISTS verification_results (
			id UUID PRIMARY KEY,
			backup_id UUID NOT NULL REFERENCES backup_jobs(id),
			status VARCHAR(16) NOT NULL,
			error_count INT NOT NULL DEFAULT 0,
			warning_count INT NOT NULL DEFAULT 0,
			table_count INT NOT NULL DEFAULT 0,
			record_count BIGINT NOT NULL DEFAULT 0,
			verified_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_verification_backup
			ON verification_results (backup_id, verified_at DESC)`,
		`CREATE TABLE IF NOT EXISTS replica_status (
			replica_name VARCHAR(255) PRIMARY KEY,
			primary_host VARCHAR(255) NOT NULL,
			replica_host VARCHAR(255) NOT NULL,
			lag_bytes BIGINT NOT NULL DEFAULT 0,
			lag_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_wal_received_lsn VARCHAR(64) NOT NULL DEFAULT '',
			last_wal_replayed_lsn VARCHAR(64) NOT NULL DEFAULT '',
			sync_state VARCHAR(16) NOT NULL,
			connection_state VARCHAR(16) NOT NULL,
			health_state VARCHAR(16) NOT NULL,
			last_checked_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS encryption_key_versions (
			version INT PRIMARY KEY,
			algorithm VARCHAR(32) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			retired_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id UUID PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			action VARCHAR(128) NOT NULL,
			resource_type VARCHAR(64) NOT NULL,
			resource_id VARCHAR(255),
			severity VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			details JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_time
			ON audit_logs (timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_severity
			ON audit_logs (severity, timestamp DESC)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	return nil
}
