package database

import (
	"database/sql"
	"time"
)

// ProbeRow is a stored httpx observation
type ProbeRow struct {
	ID           int64  `json:"id"`
	ScanID       string `json:"scan_id"`
	URL          string `json:"url"`
	StatusCode   int    `json:"status_code"`
	Title        string `json:"title,omitempty"`
	Technologies string `json:"technologies,omitempty"`
	ChangeStatus string `json:"change_status"`
	Timestamp    int64  `json:"timestamp"`
}

// InsertProbeResult records one live-host observation
func (db *DB) InsertProbeResult(p *ProbeRow) error {
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().Unix()
	}
	res, err := db.h.Exec(`
		INSERT INTO httpx_results (scan_id, url, status_code, title, technologies, change_status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ScanID, p.URL, p.StatusCode, p.Title, p.Technologies, p.ChangeStatus, p.Timestamp)
	if err != nil {
		return err
	}
	p.ID, _ = res.LastInsertId()
	return nil
}

// FindLatestProbeResult returns the most recent observation of a URL across
// all scans, or nil when the URL has never been seen
func (db *DB) FindLatestProbeResult(url string) (*ProbeRow, error) {
	row := db.h.QueryRow(`
		SELECT id, scan_id, url, status_code, title, technologies, change_status, timestamp
		FROM httpx_results
		WHERE url = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, url)

	p, err := scanProbeRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListProbeResults returns the observations made by one scan
func (db *DB) ListProbeResults(scanID string) ([]*ProbeRow, error) {
	rows, err := db.h.Query(`
		SELECT id, scan_id, url, status_code, title, technologies, change_status, timestamp
		FROM httpx_results
		WHERE scan_id = ?
		ORDER BY url`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProbeRows(rows)
}

// ListLiveHosts returns the latest observation per URL across all scans,
// newest first
func (db *DB) ListLiveHosts(limit int) ([]*ProbeRow, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.h.Query(`
		SELECT h.id, h.scan_id, h.url, h.status_code, h.title, h.technologies, h.change_status, h.timestamp
		FROM httpx_results h
		JOIN (
			SELECT url, MAX(id) AS max_id FROM httpx_results GROUP BY url
		) latest ON latest.max_id = h.id
		ORDER BY h.timestamp DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProbeRows(rows)
}

func collectProbeRows(rows *sql.Rows) ([]*ProbeRow, error) {
	var out []*ProbeRow
	for rows.Next() {
		p, err := scanProbeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProbeRow(row rowScanner) (*ProbeRow, error) {
	var p ProbeRow
	var title, tech, change sql.NullString
	if err := row.Scan(&p.ID, &p.ScanID, &p.URL, &p.StatusCode, &title, &tech, &change, &p.Timestamp); err != nil {
		return nil, err
	}
	p.Title = title.String
	p.Technologies = tech.String
	p.ChangeStatus = change.String
	return &p, nil
}
