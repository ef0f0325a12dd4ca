package database

import (
	"database/sql"
	"fmt"
)

// MonitoredTarget is the inventory root, one per enumeration root domain
type MonitoredTarget struct {
	ID               int64  `json:"id"`
	Target           string `json:"target"`
	LastScanDate     *int64 `json:"last_scan_date,omitempty"`
	TotalCount       int    `json:"total_count"`
	SchedulerEnabled bool   `json:"scheduler_enabled"`
	NucleiEnabled    bool   `json:"nuclei_enabled"`
}

// MonitoredSubdomain is the inventory leaf
type MonitoredSubdomain struct {
	ID        int64  `json:"id"`
	TargetID  int64  `json:"target_id"`
	Subdomain string `json:"subdomain"`
	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `json:"last_seen"`
}

// UpsertTarget locates or creates the inventory root for rootDomain and
// returns its id. A lost insert race is recovered by re-reading the row.
func (db *DB) UpsertTarget(rootDomain string) (int64, error) {
	res, err := db.h.Exec(`INSERT INTO monitored_targets (target) VALUES (?)`, rootDomain)
	if err == nil {
		return res.LastInsertId()
	}
	if !isUniqueViolation(err) {
		return 0, fmt.Errorf("failed to upsert target: %w", err)
	}

	var id int64
	if err := db.h.QueryRow(`SELECT id FROM monitored_targets WHERE target = ?`, rootDomain).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// TouchTarget updates last_scan_date
func (db *DB) TouchTarget(targetID int64, timestamp int64) error {
	_, err := db.h.Exec(`UPDATE monitored_targets SET last_scan_date = ? WHERE id = ?`, timestamp, targetID)
	return err
}

// RecountTargetSubdomains recomputes total_count as an authoritative
// COUNT(*) over current child rows. Never an incrementing counter, so it
// stays correct under concurrent or repeated merges.
func (db *DB) RecountTargetSubdomains(targetID int64) (int, error) {
	var count int
	err := db.h.QueryRow(`SELECT COUNT(*) FROM monitored_subdomains WHERE target_id = ?`, targetID).Scan(&count)
	if err != nil {
		return 0, err
	}
	_, err = db.h.Exec(`UPDATE monitored_targets SET total_count = ? WHERE id = ?`, count, targetID)
	return count, err
}

// FindSubdomain looks up the (target_id, subdomain) pair
func (db *DB) FindSubdomain(targetID int64, name string) (*MonitoredSubdomain, error) {
	var s MonitoredSubdomain
	err := db.h.QueryRow(`
		SELECT id, target_id, subdomain, first_seen, last_seen
		FROM monitored_subdomains WHERE target_id = ? AND subdomain = ?`,
		targetID, name).Scan(&s.ID, &s.TargetID, &s.Subdomain, &s.FirstSeen, &s.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertSubdomain inserts a newly discovered subdomain. A concurrent insert
// of the same pair degrades to touching last_seen (benign race).
func (db *DB) InsertSubdomain(targetID int64, name string, firstSeen, lastSeen int64) (bool, error) {
	_, err := db.h.Exec(`
		INSERT INTO monitored_subdomains (target_id, subdomain, first_seen, last_seen)
		VALUES (?, ?, ?, ?)`,
		targetID, name, firstSeen, lastSeen)
	if err == nil {
		return true, nil
	}
	if !isUniqueViolation(err) {
		return false, fmt.Errorf("failed to insert subdomain: %w", err)
	}

	_, err = db.h.Exec(`
		UPDATE monitored_subdomains SET last_seen = ? WHERE target_id = ? AND subdomain = ?`,
		lastSeen, targetID, name)
	return false, err
}

// TouchSubdomain updates last_seen for a re-discovered subdomain
func (db *DB) TouchSubdomain(id int64, lastSeen int64) error {
	_, err := db.h.Exec(`UPDATE monitored_subdomains SET last_seen = ? WHERE id = ?`, lastSeen, id)
	return err
}

// GetTarget retrieves one inventory root
func (db *DB) GetTarget(targetID int64) (*MonitoredTarget, error) {
	row := db.h.QueryRow(`
		SELECT id, target, last_scan_date, total_count, scheduler_enabled, nuclei_enabled
		FROM monitored_targets WHERE id = ?`, targetID)
	t, err := scanTargetRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTargets retrieves all inventory roots, most recently scanned first
func (db *DB) ListTargets() ([]*MonitoredTarget, error) {
	rows, err := db.h.Query(`
		SELECT id, target, last_scan_date, total_count, scheduler_enabled, nuclei_enabled
		FROM monitored_targets ORDER BY COALESCE(last_scan_date, 0) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []*MonitoredTarget
	for rows.Next() {
		t, err := scanTargetRow(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// ListEnabledTargets returns scheduler-enabled targets, oldest scan first,
// never-scanned targets leading
func (db *DB) ListEnabledTargets() ([]*MonitoredTarget, error) {
	rows, err := db.h.Query(`
		SELECT id, target, last_scan_date, total_count, scheduler_enabled, nuclei_enabled
		FROM monitored_targets
		WHERE scheduler_enabled = 1
		ORDER BY COALESCE(last_scan_date, 0) ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []*MonitoredTarget
	for rows.Next() {
		t, err := scanTargetRow(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// ListSubdomains returns a target's subdomains, most recently seen first
func (db *DB) ListSubdomains(targetID int64) ([]*MonitoredSubdomain, error) {
	rows, err := db.h.Query(`
		SELECT id, target_id, subdomain, first_seen, last_seen
		FROM monitored_subdomains
		WHERE target_id = ?
		ORDER BY last_seen DESC, first_seen DESC`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*MonitoredSubdomain
	for rows.Next() {
		var s MonitoredSubdomain
		if err := rows.Scan(&s.ID, &s.TargetID, &s.Subdomain, &s.FirstSeen, &s.LastSeen); err != nil {
			return nil, err
		}
		subs = append(subs, &s)
	}
	return subs, rows.Err()
}

// SetTargetSchedulerEnabled toggles scheduled scanning for one target
func (db *DB) SetTargetSchedulerEnabled(targetID int64, enabled bool) error {
	_, err := db.h.Exec(`UPDATE monitored_targets SET scheduler_enabled = ? WHERE id = ?`,
		boolToInt(enabled), targetID)
	return err
}

// SetTargetNucleiEnabled toggles chained vulnerability scanning for one target
func (db *DB) SetTargetNucleiEnabled(targetID int64, enabled bool) error {
	_, err := db.h.Exec(`UPDATE monitored_targets SET nuclei_enabled = ? WHERE id = ?`,
		boolToInt(enabled), targetID)
	return err
}

// DeleteTarget removes an inventory root; children cascade
func (db *DB) DeleteTarget(targetID int64) error {
	_, err := db.h.Exec(`DELETE FROM monitored_targets WHERE id = ?`, targetID)
	return err
}

// InsertEnumResult records a per-scan enumeration result row. Duplicate
// subdomains within one scan are ignored.
func (db *DB) InsertEnumResult(scanID, subdomain string, isNew bool) error {
	_, err := db.h.Exec(`
		INSERT OR IGNORE INTO subfinder_results (scan_id, subdomain, is_new)
		VALUES (?, ?, ?)`,
		scanID, subdomain, boolToInt(isNew))
	return err
}

// EnumResult is one subdomain observed by one enumeration scan
type EnumResult struct {
	Subdomain string `json:"subdomain"`
	IsNew     bool   `json:"is_new"`
}

// ListEnumResults returns the per-scan enumeration rows
func (db *DB) ListEnumResults(scanID string) ([]EnumResult, error) {
	rows, err := db.h.Query(`
		SELECT subdomain, is_new FROM subfinder_results WHERE scan_id = ? ORDER BY id`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []EnumResult
	for rows.Next() {
		var r EnumResult
		var isNew int
		if err := rows.Scan(&r.Subdomain, &isNew); err != nil {
			return nil, err
		}
		r.IsNew = isNew == 1
		results = append(results, r)
	}
	return results, rows.Err()
}

// RecentSubdomain is a feed entry across all targets
type RecentSubdomain struct {
	Subdomain string `json:"subdomain"`
	Target    string `json:"target"`
	LastSeen  int64  `json:"last_seen"`
}

// RecentSubdomains returns the most recently seen subdomains across all targets
func (db *DB) RecentSubdomains(limit int) ([]RecentSubdomain, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.h.Query(`
		SELECT s.subdomain, t.target, s.last_seen
		FROM monitored_subdomains s
		JOIN monitored_targets t ON s.target_id = t.id
		ORDER BY s.last_seen DESC, s.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecentSubdomain
	for rows.Next() {
		var r RecentSubdomain
		if err := rows.Scan(&r.Subdomain, &r.Target, &r.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanTargetRow(r rowScanner) (*MonitoredTarget, error) {
	var t MonitoredTarget
	var lastScan sql.NullInt64
	var schedEnabled, nucleiEnabled int

	err := r.Scan(&t.ID, &t.Target, &lastScan, &t.TotalCount, &schedEnabled, &nucleiEnabled)
	if err != nil {
		return nil, err
	}
	if lastScan.Valid {
		v := lastScan.Int64
		t.LastScanDate = &v
	}
	t.SchedulerEnabled = schedEnabled == 1
	t.NucleiEnabled = nucleiEnabled == 1
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
