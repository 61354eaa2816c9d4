package inspect

import (
	"os"
	"sync"

	"mystic/internal/identity"
)

var (
	defaultOnce sync.Once
	defaultIns  *Inspector
)

func defaultInspector() *Inspector {
	defaultOnce.Do(func() { defaultIns = New(nil) })
	return defaultIns
}

// TargetFor builds a Target from a compiled func value, resolving its
// identity from the runtime symbol table and its source from the defining
// file when it is readable (development checkouts; binaries deployed without
// sources degrade to signature-only analysis).
func TargetFor(fn interface{}) (Target, error) {
	id, err := identity.FromFunc(fn)
	if err != nil {
		return Target{}, err
	}
	t := Target{Identity: id, Fn: fn}
	if file, line := identity.SourceLocation(fn); file != "" {
		t.File = file
		t.Line = line
		if src, err := os.ReadFile(file); err == nil {
			t.Source = string(src)
		}
	}
	return t, nil
}

// Inspect analyzes a compiled func value through the shared inspector.
func Inspect(fn interface{}) (*Analysis, error) {
	t, err := TargetFor(fn)
	if err != nil {
		return nil, err
	}
	return defaultInspector().Inspect(t)
}

// SchemaFor returns the parameter object schema of a compiled func value.
func SchemaFor(fn interface{}) (*Schema, error) {
	a, err := Inspect(fn)
	if err != nil {
		return nil, err
	}
	return a.Schema, nil
}

// MCPToolFor returns the MCP tool definition of a compiled func value.
func MCPToolFor(fn interface{}) (MCPTool, error) {
	a, err := Inspect(fn)
	if err != nil {
		return MCPTool{}, err
	}
	return a.Tool, nil
}
