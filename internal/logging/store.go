package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// EventStore mirrors call events into sqlite so the MCP logs_query tool can
// filter history that has already left the in-memory ring.
type EventStore struct {
	db *sql.DB
}

// OpenEventStore opens (and migrates) the event database at path.
func OpenEventStore(path string) (*EventStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("logging: open event store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	ts             INTEGER NOT NULL,
	type           TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	function       TEXT,
	payload        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_function ON events(function);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("logging: migrate event store: %w", err)
	}
	return &EventStore{db: db}, nil
}

// Close releases the database handle.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// Append persists one event.
func (s *EventStore) Append(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("logging: encode event: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO events (ts, type, correlation_id, function, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.Timestamp.UnixNano(), string(ev.Type), ev.CorrelationID, ev.Function, string(payload),
	)
	if err != nil {
		return fmt.Errorf("logging: append event: %w", err)
	}
	return nil
}

// Query returns events, newest last, filtered by function identity and
// minimum timestamp. limit <= 0 means 100.
func (s *EventStore) Query(function string, since time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT payload FROM events WHERE 1=1`
	args := make([]interface{}, 0, 3)
	if function != "" {
		q += ` AND function = ?`
		args = append(args, function)
	}
	if !since.IsZero() {
		q += ` AND ts >= ?`
		args = append(args, since.UnixNano())
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("logging: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("logging: scan event: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue // skip rows written by a newer schema
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("logging: iterate events: %w", err)
	}
	// Reverse to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
