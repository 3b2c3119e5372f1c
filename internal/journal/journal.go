// Package journal persists a log of host lifecycle events — server
// registrations, failures, and calls — to SQLite, for operator
// observability. It records what happened; it is never consulted on the
// call path.
package journal

import (
	"database/sql"
	"fmt"
	"time"
)

// Event names recorded by the host.
const (
	EventRegistered     = "registered"
	EventRegisterFailed = "register_failed"
	EventUnregistered   = "unregistered"
	EventFailed         = "failed"
	EventCall           = "call"
	EventCallFailed     = "call_failed"
)

// Entry is one recorded event.
type Entry struct {
	At     time.Time
	Server string
	Event  string
	Detail string
}

// Journal is an append-only event log backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Journal struct {
	db *sql.DB
}

// New creates a journal on the given database, running migrations on
// first use. The caller owns the *sql.DB.
func New(db *sql.DB) (*Journal, error) {
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS host_events (
		id     INTEGER PRIMARY KEY AUTOINCREMENT,
		at     TEXT NOT NULL,
		server TEXT NOT NULL,
		event  TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_host_events_server ON host_events(server, id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends one event.
func (j *Journal) Record(server, event, detail string) error {
	_, err := j.db.Exec(
		`INSERT INTO host_events (at, server, event, detail) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), server, event, detail,
	)
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", server, event, err)
	}
	return nil
}

// Recent returns the most recent events, newest first. If server is
// non-empty, only that server's events are returned.
func (j *Journal) Recent(server string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT at, server, event, detail FROM host_events`
	args := []any{}
	if server != "" {
		query += ` WHERE server = ?`
		args = append(args, server)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&at, &e.Server, &e.Event, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.At = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
