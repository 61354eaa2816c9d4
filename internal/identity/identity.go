// Package identity provides stable function identities used as keys in every
// registry across mystic. An identity is (module, qualified name); callers
// must never key by func value.
package identity

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// Identity is a stable key for a callable, valid for the lifetime of the
// wrapped target.
type Identity struct {
	Module   string `json:"module"`
	QualName string `json:"qual_name"`
}

// New builds an identity from explicit parts.
func New(module, qualName string) Identity {
	return Identity{Module: module, QualName: qualName}
}

// String renders the canonical "module.qualName" form.
func (id Identity) String() string {
	if id.Module == "" {
		return id.QualName
	}
	return id.Module + "." + id.QualName
}

// IsZero reports whether the identity is empty.
func (id Identity) IsZero() bool {
	return id.Module == "" && id.QualName == ""
}

// Parse splits a "module.qualName" string on its last dot.
func Parse(full string) (Identity, error) {
	idx := strings.LastIndex(full, ".")
	if idx <= 0 || idx == len(full)-1 {
		return Identity{}, fmt.Errorf("invalid function name %q: want module.name", full)
	}
	return Identity{Module: full[:idx], QualName: full[idx+1:]}, nil
}

// FromFunc derives an identity from a compiled func value using the runtime
// symbol table. Returns an error for non-func values and for func values the
// runtime cannot resolve (e.g. some reflect-made functions).
func FromFunc(fn interface{}) (Identity, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return Identity{}, fmt.Errorf("identity: %T is not a func", fn)
	}
	rf := runtime.FuncForPC(v.Pointer())
	if rf == nil {
		return Identity{}, fmt.Errorf("identity: cannot resolve func symbol")
	}
	full := rf.Name() // e.g. "mystic/internal/hijack.Wrap" or "main.login"
	idx := strings.LastIndex(full, ".")
	if idx < 0 {
		return Identity{QualName: full}, nil
	}
	mod := full[:idx]
	qual := strings.TrimSuffix(full[idx+1:], "-fm") // bound method thunks
	return Identity{Module: mod, QualName: qual}, nil
}

// SourceLocation resolves the defining file and line of a compiled func
// value. Returns empty values when the symbol cannot be resolved.
func SourceLocation(fn interface{}) (file string, line int) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return "", 0
	}
	rf := runtime.FuncForPC(v.Pointer())
	if rf == nil {
		return "", 0
	}
	return rf.FileLine(v.Pointer())
}
