package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection. Methods run against the live
// connection by default; WithTx shadows the handle with a transaction so
// multi-row merges commit as one atomic unit of work.
type DB struct {
	conn *sql.DB
	h    handle
}

// handle is satisfied by both *sql.DB and *sql.Tx
type handle interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// New opens (creating if needed) the database at dbPath
func New(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent scan merges
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	db := &DB{conn: conn, h: conn}

	if err := db.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// NewMemory opens an in-memory database (tests)
func NewMemory() (*DB, error) {
	return New(":memory:")
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		target TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		exit_code INTEGER,
		pid INTEGER,
		result_count INTEGER DEFAULT 0,
		log_path TEXT,
		created_at INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_scans_status ON scans(status);
	CREATE INDEX IF NOT EXISTS idx_scans_kind ON scans(kind);
	CREATE INDEX IF NOT EXISTS idx_scans_start_time ON scans(start_time DESC);

	CREATE TABLE IF NOT EXISTS monitored_targets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target TEXT NOT NULL UNIQUE,
		last_scan_date INTEGER,
		total_count INTEGER DEFAULT 0,
		scheduler_enabled INTEGER DEFAULT 0,
		nuclei_enabled INTEGER DEFAULT 0,
		created_at INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE TABLE IF NOT EXISTS monitored_subdomains (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target_id INTEGER NOT NULL,
		subdomain TEXT NOT NULL,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		FOREIGN KEY (target_id) REFERENCES monitored_targets(id) ON DELETE CASCADE,
		UNIQUE (target_id, subdomain)
	);

	CREATE INDEX IF NOT EXISTS idx_monitored_subdomains_target ON monitored_subdomains(target_id);

	CREATE TABLE IF NOT EXISTS subfinder_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scan_id TEXT NOT NULL,
		subdomain TEXT NOT NULL,
		is_new INTEGER DEFAULT 0,
		FOREIGN KEY (scan_id) REFERENCES scans(id) ON DELETE CASCADE,
		UNIQUE (scan_id, subdomain)
	);

	CREATE INDEX IF NOT EXISTS idx_subfinder_results_scan ON subfinder_results(scan_id);

	CREATE TABLE IF NOT EXISTS httpx_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scan_id TEXT NOT NULL,
		url TEXT NOT NULL,
		status_code INTEGER,
		title TEXT,
		technologies TEXT,
		change_status TEXT,
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (scan_id) REFERENCES scans(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_httpx_results_scan ON httpx_results(scan_id);
	CREATE INDEX IF NOT EXISTS idx_httpx_results_url ON httpx_results(url, id DESC);

	CREATE TABLE IF NOT EXISTS findings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scan_id TEXT NOT NULL,
		template_id TEXT,
		name TEXT,
		severity TEXT,
		host TEXT,
		matched_at TEXT,
		matcher_name TEXT,
		status TEXT DEFAULT 'New',
		finding_hash TEXT NOT NULL UNIQUE,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		raw_json TEXT NOT NULL,
		FOREIGN KEY (scan_id) REFERENCES scans(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_findings_scan ON findings(scan_id);
	CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(severity);

	CREATE TABLE IF NOT EXISTS scheduler_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		status TEXT NOT NULL,
		subdomains_total INTEGER DEFAULT 0,
		subdomains_new INTEGER DEFAULT 0,
		live_hosts INTEGER DEFAULT 0,
		findings_count INTEGER DEFAULT 0,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_scheduler_logs_started ON scheduler_logs(started_at DESC);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// WithTx runs fn with a DB bound to a transaction. All multi-row merges go
// through here so readers never observe a half-applied merge.
func (db *DB) WithTx(fn func(tx *DB) error) error {
	if _, ok := db.h.(*sql.Tx); ok {
		// Already inside a transaction
		return fn(db)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&DB{conn: db.conn, h: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
// Upserts treat it as "the lookup should have found the row" and retry as
// an update.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
