package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL for concurrent readers; immediate transactions take the write lock
	// on BEGIN so a fold's read and write are never interleaved with another writer.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Wrap adapts an existing *sql.DB (e.g. a sqlmock connection)
func Wrap(db *sql.DB) *DB {
	return &DB{db}
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationDeployments,
		migrationUsageRecords,
		migrationBillingCycles,
		migrationCycleRecords,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	// Run index migrations that may fail if already exists
	indexMigrations := []string{
		migrationSingleActiveWindow,
	}

	for _, migration := range indexMigrations {
		_, _ = db.ExecContext(ctx, migration) // Ignore errors for idempotency
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// utc normalizes times before they are written so text comparisons in SQL
// order the same way the instants do.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

const migrationDeployments = `
CREATE TABLE IF NOT EXISTS deployments (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	cloudlets INTEGER NOT NULL DEFAULT 0,
	storage_gb INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationUsageRecords = `
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	deployment_id TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	quantity TEXT NOT NULL,
	rate TEXT NOT NULL,

	-- Window
	start_time DATETIME NOT NULL,
	end_time DATETIME,

	-- Zero while active; exact once billed
	cost TEXT NOT NULL DEFAULT '0',
	status TEXT NOT NULL DEFAULT 'active',
	error TEXT,

	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationBillingCycles = `
CREATE TABLE IF NOT EXISTS billing_cycles (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	period_start DATETIME NOT NULL,
	period_end DATETIME NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	amount TEXT NOT NULL DEFAULT '0',
	currency TEXT NOT NULL DEFAULT 'USD',
	payment_id TEXT,
	notified_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// record_id is unique: a usage record is folded into at most one cycle.
const migrationCycleRecords = `
CREATE TABLE IF NOT EXISTS cycle_records (
	cycle_id TEXT NOT NULL,
	record_id TEXT NOT NULL UNIQUE,
	position INTEGER NOT NULL,
	folded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

	PRIMARY KEY (cycle_id, record_id),
	FOREIGN KEY (cycle_id) REFERENCES billing_cycles(id)
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status);
CREATE INDEX IF NOT EXISTS idx_deployments_owner_id ON deployments(owner_id);
CREATE INDEX IF NOT EXISTS idx_usage_records_status ON usage_records(status);
CREATE INDEX IF NOT EXISTS idx_usage_records_owner_id ON usage_records(owner_id);
CREATE INDEX IF NOT EXISTS idx_usage_records_deployment_id ON usage_records(deployment_id);
CREATE INDEX IF NOT EXISTS idx_billing_cycles_owner_id ON billing_cycles(owner_id);
CREATE INDEX IF NOT EXISTS idx_billing_cycles_period_end ON billing_cycles(period_end);
CREATE INDEX IF NOT EXISTS idx_billing_cycles_created_at ON billing_cycles(created_at);
`

// migrationSingleActiveWindow prevents two open windows for the same
// deployment and resource type, whichever process opened them.
const migrationSingleActiveWindow = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_records_single_active
ON usage_records(deployment_id, resource_type)
WHERE status = 'active';
`
