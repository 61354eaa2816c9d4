// Package state keeps an ordered timeline of captured snapshots with cursor
// navigation, diffing, bookmarks and JSON export/import. Snapshot data is
// coerced to a JSON-serializable form at capture time; navigation never
// mutates snapshots, only the cursor.
package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Kind classifies what a snapshot captured.
type Kind string

const (
	KindVariable  Kind = "variable"
	KindFnArgs    Kind = "fn_args"
	KindFnReturn  Kind = "fn_return"
	KindException Kind = "exception"
	KindGlobal    Kind = "global"
	KindLocal     Kind = "local"
)

// Snapshot is one captured state record. Data is always JSON-serializable.
type Snapshot struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	FunctionName string                 `json:"function_name,omitempty"`
	Line         int                    `json:"line,omitempty"`
	Kind         Kind                   `json:"kind"`
	Data         interface{}            `json:"data"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Watcher is invoked on every capture; panics are swallowed.
type Watcher func(Snapshot)

// BreakpointFunc fires when a capture matches a registered (function, line)
// pair.
type BreakpointFunc func(Snapshot)

type breakpointKey struct {
	function string
	line     int
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind         Kind
	FunctionName string
	Since        time.Time
	Until        time.Time
}

func (f Filter) matches(s Snapshot) bool {
	if f.Kind != "" && s.Kind != f.Kind {
		return false
	}
	if f.FunctionName != "" && s.FunctionName != f.FunctionName {
		return false
	}
	if !f.Since.IsZero() && s.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && s.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Manager owns one snapshot timeline.
type Manager struct {
	mu sync.Mutex

	maxSnapshots int
	snapshots    []Snapshot
	index        map[string]int // id -> position in snapshots
	counter      int

	cursor   int                    // timeline position; -1 when empty
	stateMap map[string]interface{} // live key/value state for UpdateState

	bookmarks   map[string]string // name -> snapshot id
	watchers    []Watcher
	breakpoints map[breakpointKey]BreakpointFunc
}

// NewManager creates a timeline bounded at maxSnapshots entries (oldest
// trimmed first). Bookmarks hold snapshot ids, so a bookmark can outlive the
// trim window and then fail navigation.
func NewManager(maxSnapshots int) *Manager {
	if maxSnapshots <= 0 {
		maxSnapshots = 1000
	}
	return &Manager{
		maxSnapshots: maxSnapshots,
		index:        make(map[string]int),
		cursor:       -1,
		stateMap:     make(map[string]interface{}),
		bookmarks:    make(map[string]string),
		breakpoints:  make(map[breakpointKey]BreakpointFunc),
	}
}

// Capture appends a snapshot and moves the cursor to it. Data is serialized
// immediately; later mutation of the passed value does not affect the
// snapshot. Returns the snapshot id.
func (m *Manager) Capture(kind Kind, data interface{}, function string, line int, metadata map[string]interface{}) (string, error) {
	// The JSON round trip normalizes numeric kinds so an exported timeline
	// imports back bit-identical.
	serialized := deepCopy(Serialize(data))

	m.mu.Lock()
	m.counter++
	id := fmt.Sprintf("snapshot_%d", m.counter)
	snap := Snapshot{
		ID:           id,
		Timestamp:    time.Now(),
		FunctionName: function,
		Line:         line,
		Kind:         kind,
		Data:         serialized,
		Metadata:     metadata,
	}
	m.snapshots = append(m.snapshots, snap)
	if len(m.snapshots) > m.maxSnapshots {
		drop := len(m.snapshots) - m.maxSnapshots
		for _, old := range m.snapshots[:drop] {
			delete(m.index, old.ID)
		}
		m.snapshots = m.snapshots[drop:]
	}
	m.reindexLocked()
	m.cursor = len(m.snapshots) - 1

	watchers := make([]Watcher, len(m.watchers))
	copy(watchers, m.watchers)
	var bp BreakpointFunc
	if fn, ok := m.breakpoints[breakpointKey{function, line}]; ok {
		bp = fn
		snap.Metadata = withBreakpointHit(snap.Metadata)
		m.snapshots[len(m.snapshots)-1] = snap
	}
	m.mu.Unlock()

	for _, w := range watchers {
		safeNotify(func() { w(snap) })
	}
	if bp != nil {
		safeNotify(func() { bp(snap) })
	}
	return id, nil
}

func withBreakpointHit(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["breakpoint_hit"] = true
	return out
}

func safeNotify(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

func (m *Manager) reindexLocked() {
	for i, s := range m.snapshots {
		m.index[s.ID] = i
	}
}

// Get returns a snapshot by id.
func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[id]
	if !ok {
		return Snapshot{}, false
	}
	return m.snapshots[i], true
}

// GetIndex returns the snapshot at a timeline position.
func (m *Manager) GetIndex(i int) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.snapshots) {
		return Snapshot{}, false
	}
	return m.snapshots[i], true
}

// List returns snapshots in capture order, filtered and paginated.
func (m *Manager) List(f Filter, limit, offset int) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		if f.matches(s) {
			out = append(out, s)
		}
	}
	if offset > 0 {
		if offset >= len(out) {
			return nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Len reports the timeline length.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

// Cursor reports the current timeline position (-1 when empty).
func (m *Manager) Cursor() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// Current returns a deep copy of the snapshot data at the cursor.
func (m *Manager) Current() interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return deepCopy(m.currentStateLocked())
}

func (m *Manager) currentStateLocked() interface{} {
	if m.cursor >= 0 && m.cursor < len(m.snapshots) {
		return m.snapshots[m.cursor].Data
	}
	return nil
}

// GotoIndex moves the cursor to position i; Current then reflects that
// snapshot. The snapshot itself is never mutated.
func (m *Manager) GotoIndex(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.snapshots) {
		return false
	}
	m.cursor = i
	return true
}

// Goto moves the cursor to the snapshot with the given id.
func (m *Manager) Goto(id string) bool {
	m.mu.Lock()
	i, ok := m.index[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.GotoIndex(i)
}

// Step moves the cursor by delta (negative = backward).
func (m *Manager) Step(delta int) bool {
	m.mu.Lock()
	target := m.cursor + delta
	m.mu.Unlock()
	return m.GotoIndex(target)
}

// Bookmark names the snapshot with the given id (or the cursor's snapshot
// when id is empty).
func (m *Manager) Bookmark(name, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		if m.cursor < 0 || m.cursor >= len(m.snapshots) {
			return fmt.Errorf("state: empty timeline, nothing to bookmark")
		}
		id = m.snapshots[m.cursor].ID
	}
	if _, ok := m.index[id]; !ok {
		return fmt.Errorf("state: unknown snapshot %q", id)
	}
	m.bookmarks[name] = id
	return nil
}

// GotoBookmark moves the cursor to a named bookmark.
func (m *Manager) GotoBookmark(name string) bool {
	m.mu.Lock()
	id, ok := m.bookmarks[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.Goto(id)
}

// Bookmarks returns a copy of the bookmark table.
func (m *Manager) Bookmarks() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.bookmarks))
	for k, v := range m.bookmarks {
		out[k] = v
	}
	return out
}

// Watch registers a capture watcher.
func (m *Manager) Watch(w Watcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, w)
}

// SetBreakpoint registers a callback fired when a capture matches
// (function, line).
func (m *Manager) SetBreakpoint(function string, line int, fn BreakpointFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakpoints[breakpointKey{function, line}] = fn
}

// ClearBreakpoint removes a breakpoint.
func (m *Manager) ClearBreakpoint(function string, line int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakpoints, breakpointKey{function, line})
}

// UpdateState sets a key in the live state map, notifies key watchers via
// the capture path, and snapshots the change when the value differs.
func (m *Manager) UpdateState(key string, value interface{}) (string, error) {
	m.mu.Lock()
	old, had := m.stateMap[key]
	serialized := Serialize(value)
	m.stateMap[key] = serialized
	changed := !had || !jsonEqual(old, serialized)
	m.mu.Unlock()

	if !changed {
		return "", nil
	}
	return m.Capture(KindVariable, map[string]interface{}{key: value}, "", 0,
		map[string]interface{}{"changed_key": key})
}

// StateMap returns a deep copy of the live key/value state.
func (m *Manager) StateMap() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]interface{}, len(m.stateMap))
	for k, v := range m.stateMap {
		out[k] = deepCopy(v)
	}
	return out
}

// Summary describes the timeline for the state_timeline tool.
type Summary struct {
	Count       int            `json:"count"`
	Cursor      int            `json:"cursor"`
	Bookmarks   []string       `json:"bookmarks"`
	KindCounts  map[Kind]int   `json:"kind_counts"`
	Breakpoints []string       `json:"breakpoints"`
	SizeEstimate int           `json:"size_estimate"`
}

// TimelineSummary summarizes the timeline.
func (m *Manager) TimelineSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := Summary{
		Count:      len(m.snapshots),
		Cursor:     m.cursor,
		KindCounts: make(map[Kind]int),
	}
	for name := range m.bookmarks {
		sum.Bookmarks = append(sum.Bookmarks, name)
	}
	for _, s := range m.snapshots {
		sum.KindCounts[s.Kind]++
		if data, err := json.Marshal(s.Data); err == nil {
			sum.SizeEstimate += len(data)
		}
	}
	for k := range m.breakpoints {
		sum.Breakpoints = append(sum.Breakpoints, fmt.Sprintf("%s:%d", k.function, k.line))
	}
	return sum
}

// Clear drops the timeline, bookmarks, counter and live state.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = nil
	m.index = make(map[string]int)
	m.cursor = -1
	m.counter = 0
	m.stateMap = make(map[string]interface{})
	m.bookmarks = make(map[string]string)
}

func jsonEqual(a, b interface{}) bool {
	da, err1 := json.Marshal(a)
	db, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(da) == string(db)
}
