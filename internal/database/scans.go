package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Scan kinds
const (
	KindEnumeration   = "enumeration"
	KindProbe         = "probe"
	KindVulnerability = "vulnerability"
)

// Scan statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// ErrScanNotFound is returned for lookups of unknown scan ids
var ErrScanNotFound = errors.New("scan not found")

// ScanRecord represents one invocation of any scanner kind
type ScanRecord struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Target      string `json:"target"`
	Status      string `json:"status"`
	StartTime   int64  `json:"start_time"`
	EndTime     *int64 `json:"end_time,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Pid         int    `json:"pid,omitempty"`
	ResultCount int    `json:"result_count"`
	LogPath     string `json:"-"`
}

// Terminal reports whether the scan has reached a terminal status
func (s *ScanRecord) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed || s.Status == StatusStopped
}

// CreateScan inserts a new scan row. The caller supplies the id (uuid) and
// initial status; spawn failures are recorded directly as failed without
// ever passing through running.
func (db *DB) CreateScan(id, kind, target, status, logPath string) error {
	_, err := db.h.Exec(`
		INSERT INTO scans (id, kind, target, status, start_time, log_path)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, kind, target, status, time.Now().Unix(), logPath)
	if err != nil {
		return fmt.Errorf("failed to create scan: %w", err)
	}
	return nil
}

// MarkScanRunning records the OS pid as soon as it is known so a stop
// request issued before exit can target it
func (db *DB) MarkScanRunning(id string, pid int) error {
	_, err := db.h.Exec(`UPDATE scans SET status = ?, pid = ? WHERE id = ?`,
		StatusRunning, pid, id)
	return err
}

// MarkScanTerminal transitions a scan to a terminal status. Records already
// terminal are left untouched (no transition out of a terminal state).
func (db *DB) MarkScanTerminal(id, status string, exitCode *int, resultCount int) error {
	res, err := db.h.Exec(`
		UPDATE scans
		SET status = ?, end_time = ?, exit_code = ?, result_count = ?
		WHERE id = ? AND status = ?`,
		status, time.Now().Unix(), exitCode, resultCount, id, StatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already terminal; last write loses by design
		return nil
	}
	return nil
}

// GetScan retrieves a scan by ID
func (db *DB) GetScan(id string) (*ScanRecord, error) {
	row := db.h.QueryRow(`
		SELECT id, kind, target, status, start_time, end_time, exit_code, pid, result_count, log_path
		FROM scans WHERE id = ?`, id)

	s, err := scanScanRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrScanNotFound, id)
	}
	return s, err
}

// ListScans retrieves scans newest first, optionally filtered by kind
func (db *DB) ListScans(kind string) ([]*ScanRecord, error) {
	query := `
		SELECT id, kind, target, status, start_time, end_time, exit_code, pid, result_count, log_path
		FROM scans`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY start_time DESC`

	rows, err := db.h.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scans []*ScanRecord
	for rows.Next() {
		s, err := scanScanRow(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, s)
	}
	return scans, rows.Err()
}

// DeleteScan removes a scan; result rows cascade
func (db *DB) DeleteScan(id string) error {
	_, err := db.h.Exec(`DELETE FROM scans WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScanRow(r rowScanner) (*ScanRecord, error) {
	var s ScanRecord
	var endTime sql.NullInt64
	var exitCode, pid sql.NullInt64
	var logPath sql.NullString

	err := r.Scan(&s.ID, &s.Kind, &s.Target, &s.Status, &s.StartTime,
		&endTime, &exitCode, &pid, &s.ResultCount, &logPath)
	if err != nil {
		return nil, err
	}

	if endTime.Valid {
		v := endTime.Int64
		s.EndTime = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		s.ExitCode = &v
	}
	if pid.Valid {
		s.Pid = int(pid.Int64)
	}
	if logPath.Valid {
		s.LogPath = logPath.String
	}
	return &s, nil
}
