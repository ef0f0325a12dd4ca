package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Finding statuses
const (
	FindingNew           = "New"
	FindingConfirmed     = "Confirmed"
	FindingFalsePositive = "False Positive"
	FindingFixed         = "Fixed"
	FindingClosed        = "Closed"
	FindingRegression    = "Regression"
)

// FindingRecord is a vulnerability observation
type FindingRecord struct {
	ID          int64  `json:"id"`
	ScanID      string `json:"scan_id"`
	TemplateID  string `json:"template_id"`
	Name        string `json:"name"`
	Severity    string `json:"severity"`
	Host        string `json:"host"`
	MatchedAt   string `json:"matched_at"`
	MatcherName string `json:"matcher_name,omitempty"`
	Status      string `json:"status"`
	FindingHash string `json:"finding_hash"`
	FirstSeen   int64  `json:"first_seen"`
	LastSeen    int64  `json:"last_seen"`
	RawJSON     string `json:"-"`
}

// UpsertOutcome reports what a finding upsert did
type UpsertOutcome struct {
	IsNew        bool
	IsRegression bool
	PriorStatus  string
}

// UpsertFinding inserts a finding or, when a row with the same hash exists,
// refreshes last_seen/scan_id/raw payload and applies the status lifecycle:
// a finding previously marked Fixed or Closed that is observed again becomes
// Regression. first_seen is never touched on update. Safe to call
// concurrently for the same logical finding; an insert lost to a unique-hash
// race is retried as the update path.
func (db *DB) UpsertFinding(f *FindingRecord) (*UpsertOutcome, error) {
	now := time.Now().Unix()

	for attempt := 0; attempt < 2; attempt++ {
		var priorStatus string
		err := db.h.QueryRow(`SELECT status FROM findings WHERE finding_hash = ?`, f.FindingHash).Scan(&priorStatus)

		if err == sql.ErrNoRows {
			_, insErr := db.h.Exec(`
				INSERT INTO findings (scan_id, template_id, name, severity, host, matched_at,
					matcher_name, status, finding_hash, first_seen, last_seen, raw_json)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				f.ScanID, f.TemplateID, f.Name, f.Severity, f.Host, f.MatchedAt,
				f.MatcherName, FindingNew, f.FindingHash, now, now, f.RawJSON)
			if insErr == nil {
				return &UpsertOutcome{IsNew: true}, nil
			}
			if isUniqueViolation(insErr) {
				// Concurrent writer won the insert; retry as update
				continue
			}
			return nil, fmt.Errorf("failed to insert finding: %w", insErr)
		}
		if err != nil {
			return nil, err
		}

		newStatus := priorStatus
		isRegression := false
		if priorStatus == FindingFixed || priorStatus == FindingClosed {
			newStatus = FindingRegression
			isRegression = true
		}

		_, err = db.h.Exec(`
			UPDATE findings
			SET last_seen = ?, status = ?, scan_id = ?, raw_json = ?
			WHERE finding_hash = ?`,
			now, newStatus, f.ScanID, f.RawJSON, f.FindingHash)
		if err != nil {
			return nil, err
		}
		return &UpsertOutcome{IsRegression: isRegression, PriorStatus: priorStatus}, nil
	}

	return nil, fmt.Errorf("finding upsert did not converge for hash %s", f.FindingHash)
}

// UpdateFindingStatus sets an operator-assigned status on a finding
func (db *DB) UpdateFindingStatus(id int64, status string) error {
	switch status {
	case FindingNew, FindingConfirmed, FindingFalsePositive, FindingFixed, FindingClosed, FindingRegression:
	default:
		return fmt.Errorf("invalid finding status: %q", status)
	}
	res, err := db.h.Exec(`UPDATE findings SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finding not found: %d", id)
	}
	return nil
}

// FindingFilters narrow ListFindings
type FindingFilters struct {
	ScanID     string
	Severities []string
	Statuses   []string
	Host       string // partial match
}

// ListFindings returns findings ordered by severity then recency
func (db *DB) ListFindings(filters FindingFilters) ([]*FindingRecord, error) {
	query := `
		SELECT id, scan_id, template_id, name, severity, host, matched_at,
			matcher_name, status, finding_hash, first_seen, last_seen, raw_json
		FROM findings WHERE 1=1`
	var args []any

	if filters.ScanID != "" {
		query += ` AND scan_id = ?`
		args = append(args, filters.ScanID)
	}
	if len(filters.Severities) > 0 {
		query += fmt.Sprintf(` AND severity IN (%s)`, placeholders(len(filters.Severities)))
		for _, s := range filters.Severities {
			args = append(args, s)
		}
	}
	if len(filters.Statuses) > 0 {
		query += fmt.Sprintf(` AND status IN (%s)`, placeholders(len(filters.Statuses)))
		for _, s := range filters.Statuses {
			args = append(args, s)
		}
	}
	if filters.Host != "" {
		query += ` AND host LIKE ? ESCAPE '\'`
		escaped := strings.ReplaceAll(filters.Host, `%`, `\%`)
		escaped = strings.ReplaceAll(escaped, `_`, `\_`)
		args = append(args, "%"+escaped+"%")
	}

	query += ` ORDER BY CASE severity
		WHEN 'critical' THEN 1 WHEN 'high' THEN 2 WHEN 'medium' THEN 3
		WHEN 'low' THEN 4 ELSE 5 END, last_seen DESC`

	rows, err := db.h.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []*FindingRecord
	for rows.Next() {
		var f FindingRecord
		var templateID, name, severity, host, matchedAt, matcherName sql.NullString
		if err := rows.Scan(&f.ID, &f.ScanID, &templateID, &name, &severity, &host,
			&matchedAt, &matcherName, &f.Status, &f.FindingHash,
			&f.FirstSeen, &f.LastSeen, &f.RawJSON); err != nil {
			return nil, err
		}
		f.TemplateID = templateID.String
		f.Name = name.String
		f.Severity = severity.String
		f.Host = host.String
		f.MatchedAt = matchedAt.String
		f.MatcherName = matcherName.String
		findings = append(findings, &f)
	}
	return findings, rows.Err()
}

// CountFindingsBySeverity aggregates current findings per severity,
// excluding those marked false positive
func (db *DB) CountFindingsBySeverity() (map[string]int, error) {
	rows, err := db.h.Query(`
		SELECT LOWER(severity), COUNT(*)
		FROM findings
		WHERE status != ?
		GROUP BY LOWER(severity)`, FindingFalsePositive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		counts[sev] = n
	}
	return counts, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
