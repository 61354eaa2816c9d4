package state

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Archive persists exported timelines in sqlite so debugging sessions can be
// reloaded across process restarts.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (and migrates) the archive database at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("state: open archive: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS timelines (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	snapshots  INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_timelines_name ON timelines(name);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: migrate archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// SaveTimeline exports m under the given name and returns the archive row
// id.
func (a *Archive) SaveTimeline(name string, m *Manager) (string, error) {
	var buf bytes.Buffer
	if err := m.Export(&buf); err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err := a.db.Exec(
		`INSERT INTO timelines (id, name, created_at, snapshots, payload) VALUES (?, ?, ?, ?, ?)`,
		id, name, time.Now().UnixNano(), m.Len(), buf.String(),
	)
	if err != nil {
		return "", fmt.Errorf("state: save timeline: %w", err)
	}
	return id, nil
}

// LoadTimeline imports the archived timeline with the given id into m,
// replacing its contents.
func (a *Archive) LoadTimeline(id string, m *Manager) error {
	var payload string
	err := a.db.QueryRow(`SELECT payload FROM timelines WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return fmt.Errorf("state: timeline %q not archived", id)
	}
	if err != nil {
		return fmt.Errorf("state: load timeline: %w", err)
	}
	return m.Import(bytes.NewReader([]byte(payload)))
}

// TimelineInfo describes one archived timeline.
type TimelineInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Snapshots int       `json:"snapshots"`
}

// ListTimelines returns archived timelines, newest first.
func (a *Archive) ListTimelines() ([]TimelineInfo, error) {
	rows, err := a.db.Query(`SELECT id, name, created_at, snapshots FROM timelines ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("state: list timelines: %w", err)
	}
	defer rows.Close()

	var out []TimelineInfo
	for rows.Next() {
		var info TimelineInfo
		var createdAt int64
		if err := rows.Scan(&info.ID, &info.Name, &createdAt, &info.Snapshots); err != nil {
			return nil, fmt.Errorf("state: scan timeline: %w", err)
		}
		info.CreatedAt = time.Unix(0, createdAt)
		out = append(out, info)
	}
	return out, rows.Err()
}
