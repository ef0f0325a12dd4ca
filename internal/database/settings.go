package database

import "database/sql"

// GetSetting returns the stored value for a key, or "" when unset
func (db *DB) GetSetting(key string) string {
	var value string
	err := db.h.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows || err != nil {
		return ""
	}
	return value
}

// SetSetting stores a key/value pair, replacing any previous value
func (db *DB) SetSetting(key, value string) error {
	_, err := db.h.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// ListSettings returns all stored settings
func (db *DB) ListSettings() (map[string]string, error) {
	rows, err := db.h.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
