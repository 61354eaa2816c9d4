// Package scripts makes functions available to the control plane at
// runtime: natively registered Go funcs and functions evaluated from Go
// source with the yaegi interpreter. The table holds the live binding for
// each function; hijacking swaps the binding for a wrapper and unhijacking
// restores the original.
package scripts

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"mystic/internal/hijack"
	"mystic/internal/identity"
)

// Function describes one discoverable function.
type Function struct {
	Identity  identity.Identity
	Signature string // rendered signature, e.g. "Add(a int, b int) int"
	Doc       string
	File      string
	Line      int
	Source    string // full source of the defining file, when known
	Scripted  bool   // true for interpreter-loaded functions
}

type binding struct {
	fn       Function
	original hijack.Callable
	current  hijack.Callable
	hijacked bool
}

// Table maps identities to live bindings.
type Table struct {
	mu       sync.RWMutex
	bindings map[string]*binding
}

// NewTable creates an empty function table.
func NewTable() *Table {
	return &Table{bindings: make(map[string]*binding)}
}

// RegisterNative adds a compiled func value under module/name. The func is
// adapted to the uniform callable shape; its file and line are resolved from
// the runtime symbol table.
func (t *Table) RegisterNative(module, name string, fn interface{}) (identity.Identity, error) {
	id := identity.New(module, name)
	file, line := identity.SourceLocation(fn)
	f := Function{
		Identity: id,
		File:     file,
		Line:     line,
	}
	return id, t.register(f, hijack.AsCallable(fn))
}

func (t *Table) register(f Function, call hijack.Callable) error {
	key := f.Identity.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.bindings[key]; ok {
		return fmt.Errorf("scripts: %s already registered", key)
	}
	t.bindings[key] = &binding{fn: f, original: call, current: call}
	return nil
}

// Lookup returns the function record for id.
func (t *Table) Lookup(id identity.Identity) (Function, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.bindings[id.String()]
	if !ok {
		return Function{}, false
	}
	return b.fn, true
}

// Original returns the unhijacked callable for id.
func (t *Table) Original(id identity.Identity) (hijack.Callable, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.bindings[id.String()]
	if !ok {
		return nil, false
	}
	return b.original, true
}

// Call dispatches through the current binding (wrapper when hijacked).
func (t *Table) Call(id identity.Identity, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	t.mu.RLock()
	b, ok := t.bindings[id.String()]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("scripts: unknown function %s", id)
	}
	return b.current(args, kwargs)
}

// Bind swaps the live binding for id (hijack installation).
func (t *Table) Bind(id identity.Identity, call hijack.Callable) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bindings[id.String()]
	if !ok {
		return fmt.Errorf("scripts: unknown function %s", id)
	}
	b.current = call
	b.hijacked = true
	return nil
}

// Restore reinstates the original binding (unhijack).
func (t *Table) Restore(id identity.Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bindings[id.String()]
	if !ok {
		return fmt.Errorf("scripts: unknown function %s", id)
	}
	b.current = b.original
	b.hijacked = false
	return nil
}

// Hijacked reports whether the binding currently routes through a wrapper.
func (t *Table) Hijacked(id identity.Identity) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.bindings[id.String()]
	return ok && b.hijacked
}

// DiscoverOptions filter Discover results.
type DiscoverOptions struct {
	ModuleFilter   string
	IncludePrivate bool
}

// Discover lists registered functions sorted by identity.
func (t *Table) Discover(opts DiscoverOptions) []Function {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Function, 0, len(t.bindings))
	for _, b := range t.bindings {
		f := b.fn
		if opts.ModuleFilter != "" && !strings.Contains(f.Identity.Module, opts.ModuleFilter) {
			continue
		}
		if !opts.IncludePrivate && !isExportedName(f.Identity.QualName) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.String() < out[j].Identity.String()
	})
	return out
}

func isExportedName(name string) bool {
	if name == "" {
		return false
	}
	c := name[0]
	return c >= 'A' && c <= 'Z'
}
