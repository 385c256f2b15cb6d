package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

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

	// Open database with WAL mode so the API can read while a batch writes
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate creates the schema. Every statement checks for existence first,
// so running it again never touches stored rows.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationSystemSpecs,
		migrationBenchmarkResults,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationSystemSpecs = `
CREATE TABLE IF NOT EXISTS system_specs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	server_name TEXT NOT NULL,
	cpu_model TEXT NOT NULL,
	cpu_cores INTEGER NOT NULL,
	cpu_threads INTEGER NOT NULL,
	total_memory_gb REAL NOT NULL,
	os_type TEXT NOT NULL,
	os_version TEXT NOT NULL,
	motherboard TEXT,

	-- JSON-encoded []GPU and AcceleratorInfo
	gpus TEXT NOT NULL DEFAULT '[]',
	accelerator_info TEXT,

	timestamp DATETIME NOT NULL
);
`

const migrationBenchmarkResults = `
CREATE TABLE IF NOT EXISTS benchmark_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model TEXT NOT NULL,
	tokens_per_second REAL NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	timestamp DATETIME NOT NULL,
	success INTEGER NOT NULL,
	error TEXT,
	system_specs_id INTEGER,

	FOREIGN KEY (system_specs_id) REFERENCES system_specs(id)
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_benchmark_results_timestamp ON benchmark_results(timestamp);
CREATE INDEX IF NOT EXISTS idx_benchmark_results_model ON benchmark_results(model);
CREATE INDEX IF NOT EXISTS idx_system_specs_timestamp ON system_specs(timestamp);
`
