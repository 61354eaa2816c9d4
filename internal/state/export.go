package state

import (
	"encoding/json"
	"fmt"
	"io"
)

// exportVersion marks the timeline wire format.
const exportVersion = 1

// Timeline is the exported form of a manager's state.
type Timeline struct {
	Version   int               `json:"version"`
	Cursor    int               `json:"cursor"`
	Bookmarks map[string]string `json:"bookmarks"`
	Snapshots []Snapshot        `json:"snapshots"`
}

// Export writes the timeline as indented JSON.
func (m *Manager) Export(w io.Writer) error {
	m.mu.Lock()
	tl := Timeline{
		Version:   exportVersion,
		Cursor:    m.cursor,
		Bookmarks: make(map[string]string, len(m.bookmarks)),
		Snapshots: make([]Snapshot, len(m.snapshots)),
	}
	for k, v := range m.bookmarks {
		tl.Bookmarks[k] = v
	}
	copy(tl.Snapshots, m.snapshots)
	m.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tl); err != nil {
		return fmt.Errorf("state: export: %w", err)
	}
	return nil
}

// Import replaces the current timeline with the stream's contents. The
// cursor resets to the last snapshot regardless of the exported cursor being
// out of range.
func (m *Manager) Import(r io.Reader) error {
	var tl Timeline
	if err := json.NewDecoder(r).Decode(&tl); err != nil {
		return fmt.Errorf("state: import: %w", err)
	}
	if tl.Version != exportVersion {
		return fmt.Errorf("state: import: unsupported version %d", tl.Version)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = tl.Snapshots
	m.index = make(map[string]int, len(tl.Snapshots))
	m.reindexLocked()
	m.bookmarks = tl.Bookmarks
	if m.bookmarks == nil {
		m.bookmarks = make(map[string]string)
	}
	m.cursor = len(m.snapshots) - 1
	// Keep ids monotone after import: continue from the highest imported N.
	m.counter = 0
	for _, s := range m.snapshots {
		var n int
		if _, err := fmt.Sscanf(s.ID, "snapshot_%d", &n); err == nil && n > m.counter {
			m.counter = n
		}
	}
	return nil
}
