package state

import (
	"fmt"
)

// Diff describes the difference between two snapshots. For mapping data the
// comparison is at the top level: Added holds keys only in b, Removed keys
// only in a, Changed maps keys to their [before, after] pair. For
// non-mapping data Before/After carry both values whole.
type Diff struct {
	Added   map[string]interface{}      `json:"added,omitempty"`
	Removed map[string]interface{}      `json:"removed,omitempty"`
	Changed map[string][2]interface{}   `json:"changed,omitempty"`

	Before interface{} `json:"before,omitempty"`
	After  interface{} `json:"after,omitempty"`

	IsMapping bool `json:"is_mapping"`
}

// DiffSnapshots compares two snapshots by id.
func (m *Manager) DiffSnapshots(idA, idB string) (Diff, error) {
	a, ok := m.Get(idA)
	if !ok {
		return Diff{}, fmt.Errorf("state: unknown snapshot %q", idA)
	}
	b, ok := m.Get(idB)
	if !ok {
		return Diff{}, fmt.Errorf("state: unknown snapshot %q", idB)
	}
	return DiffData(a.Data, b.Data), nil
}

// DiffData compares two serialized data values.
func DiffData(a, b interface{}) Diff {
	ma, aok := asMap(a)
	mb, bok := asMap(b)
	if !aok || !bok {
		return Diff{Before: a, After: b}
	}

	d := Diff{
		Added:     map[string]interface{}{},
		Removed:   map[string]interface{}{},
		Changed:   map[string][2]interface{}{},
		IsMapping: true,
	}
	for k, vb := range mb {
		if _, ok := ma[k]; !ok {
			d.Added[k] = vb
		}
	}
	for k, va := range ma {
		vb, ok := mb[k]
		if !ok {
			d.Removed[k] = va
			continue
		}
		if !jsonEqual(va, vb) {
			d.Changed[k] = [2]interface{}{va, vb}
		}
	}
	return d
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}
