package database

import (
	"database/sql"
	"time"
)

// Scheduler run outcomes
const (
	SchedRunRunning   = "running"
	SchedRunCompleted = "completed"
	SchedRunFailed    = "failed"
)

// SchedulerLog records one scheduled pass over a single target
type SchedulerLog struct {
	ID              int64  `json:"id"`
	Domain          string `json:"domain"`
	StartedAt       int64  `json:"started_at"`
	CompletedAt     int64  `json:"completed_at,omitempty"`
	Status          string `json:"status"`
	SubdomainsTotal int    `json:"subdomains_total"`
	SubdomainsNew   int    `json:"subdomains_new"`
	LiveHosts       int    `json:"live_hosts"`
	FindingsCount   int    `json:"findings_count"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// AppendSchedulerLog opens a run entry for a target and returns its id
func (db *DB) AppendSchedulerLog(domain string) (int64, error) {
	res, err := db.h.Exec(`
		INSERT INTO scheduler_logs (domain, started_at, status)
		VALUES (?, ?, ?)`, domain, time.Now().Unix(), SchedRunRunning)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CompleteSchedulerLog closes a run entry with its final counts
func (db *DB) CompleteSchedulerLog(id int64, status string, log *SchedulerLog) error {
	_, err := db.h.Exec(`
		UPDATE scheduler_logs
		SET completed_at = ?, status = ?, subdomains_total = ?, subdomains_new = ?,
			live_hosts = ?, findings_count = ?, error_message = ?
		WHERE id = ?`,
		time.Now().Unix(), status, log.SubdomainsTotal, log.SubdomainsNew,
		log.LiveHosts, log.FindingsCount, log.ErrorMessage, id)
	return err
}

// ListSchedulerLogs returns recent run entries, newest first
func (db *DB) ListSchedulerLogs(limit int) ([]*SchedulerLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.h.Query(`
		SELECT id, domain, started_at, completed_at, status,
			subdomains_total, subdomains_new, live_hosts, findings_count, error_message
		FROM scheduler_logs
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*SchedulerLog
	for rows.Next() {
		var l SchedulerLog
		var completedAt sql.NullInt64
		var errMsg sql.NullString
		if err := rows.Scan(&l.ID, &l.Domain, &l.StartedAt, &completedAt, &l.Status,
			&l.SubdomainsTotal, &l.SubdomainsNew, &l.LiveHosts, &l.FindingsCount, &errMsg); err != nil {
			return nil, err
		}
		l.CompletedAt = completedAt.Int64
		l.ErrorMessage = errMsg.String
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
