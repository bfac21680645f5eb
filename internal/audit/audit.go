// Package audit records operator and executor actions in a local
// SQLite log. The log is append-only and never replicated; each node
// keeps its own view of who did what through it.
package audit

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/amaydixit11/meshd/internal/core"
)

// Log is the audit trail backed by SQLite
type Log struct {
	db *sql.DB
}

// Entry is one recorded action
type Entry struct {
	ID        int64   `json:"id"`
	Timestamp float64 `json:"timestamp"`
	Actor     string  `json:"actor"`
	Action    string  `json:"action"`
	Target    string  `json:"target"`
	Detail    string  `json:"detail"`
}

// Open creates or opens the audit database at the given path
// If path is ":memory:", creates an in-memory database
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	log := &Log{db: db}
	if err := log.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	return log, nil
}

// initSchema creates the audit table if it doesn't exist
func (l *Log) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record appends one action to the log
func (l *Log) Record(actor, action, target, detail string) error {
	_, err := l.db.Exec(`
		INSERT INTO audit_log (ts, actor, action, target, detail)
		VALUES (?, ?, ?, ?, ?)
	`, core.Now(), actor, action, target, detail)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first
func (l *Log) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Query(`
		SELECT id, ts, actor, action, target, detail
		FROM audit_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.Target, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database connection
func (l *Log) Close() error {
	return l.db.Close()
}
