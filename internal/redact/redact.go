// Package redact masks sensitive substrings in arbitrary values before they
// reach logs, snapshots or MCP clients. Redaction is structural: maps and
// sequences come back with the same shape, only strings are rewritten.
//
// Redaction is idempotent: redact(redact(x)) == redact(x).
package redact

import (
	"fmt"
	"reflect"
	"regexp"
	"sync"

	"go.uber.org/zap"
)

const mask = "****"

// pattern pairs a compiled regexp with its replacement template.
type pattern struct {
	re   *regexp.Regexp
	repl string
}

// Built-in patterns. Key/value pairs keep the key prefix and mask the value;
// value matching stops at whitespace, comma or quote so surrounding text
// survives. Card and SSN shapes are masked whole.
var builtins = []pattern{
	{regexp.MustCompile(`(?i)\b(password\s*=\s*)[^\s,'"]+`), "${1}" + mask},
	{regexp.MustCompile(`(?i)\b(api[_-]?key\s*=\s*)[^\s,'"]+`), "${1}" + mask},
	{regexp.MustCompile(`(?i)\b(token\s*=\s*)[^\s,'"]+`), "${1}" + mask},
	{regexp.MustCompile(`(?i)\b(secret\s*=\s*)[^\s,'"]+`), "${1}" + mask},
	{regexp.MustCompile(`\b\d{16}\b`), mask},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), mask},
}

// Redactor applies user patterns first, then the built-ins.
type Redactor struct {
	mu    sync.RWMutex
	user  []pattern
	log   *zap.Logger
}

// New creates a Redactor. A nil logger disables diagnostics.
func New(log *zap.Logger) *Redactor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redactor{log: log}
}

// AddPattern registers a user pattern applied before the built-ins. The
// replacement may reference capture groups ("${1}").
func (r *Redactor) AddPattern(expr, repl string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("redact: compile %q: %w", expr, err)
	}
	r.mu.Lock()
	r.user = append(r.user, pattern{re: re, repl: repl})
	r.mu.Unlock()
	return nil
}

// Redact returns a structurally identical value with sensitive substrings
// masked. It never panics; on internal failure the original value is
// returned and a diagnostic is logged at debug level.
func (r *Redactor) Redact(v interface{}) (out interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Debug("redaction failed, returning original value", zap.Any("panic", rec))
			out = v
		}
	}()
	return r.redactValue(v)
}

// String redacts a single string.
func (r *Redactor) String(s string) string {
	r.mu.RLock()
	user := r.user
	r.mu.RUnlock()

	for _, p := range user {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	for _, p := range builtins {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

func (r *Redactor) redactValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case nil:
		return nil
	case string:
		return r.String(tv)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, val := range tv {
			// Keys are not rewritten.
			out[k] = r.redactValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, val := range tv {
			out[i] = r.redactValue(val)
		}
		return out
	case []string:
		out := make([]string, len(tv))
		for i, s := range tv {
			out[i] = r.String(s)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(tv))
		for k, s := range tv {
			out[k] = r.String(s)
		}
		return out
	}
	return r.redactReflect(reflect.ValueOf(v))
}

// redactReflect handles map and sequence kinds not covered by the fast
// paths, preserving the concrete type where possible.
func (r *Redactor) redactReflect(rv reflect.Value) interface{} {
	switch rv.Kind() {
	case reflect.Map:
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			val := iter.Value()
			red := r.redactValue(val.Interface())
			rred := reflect.ValueOf(red)
			if red == nil || !rred.Type().AssignableTo(rv.Type().Elem()) {
				out.SetMapIndex(iter.Key(), val)
				continue
			}
			out.SetMapIndex(iter.Key(), rred)
		}
		return out.Interface()
	case reflect.Slice, reflect.Array:
		var out reflect.Value
		if rv.Kind() == reflect.Array {
			out = reflect.New(rv.Type()).Elem()
		} else {
			out = reflect.MakeSlice(reflect.SliceOf(rv.Type().Elem()), rv.Len(), rv.Len())
		}
		for i := 0; i < rv.Len(); i++ {
			el := rv.Index(i)
			red := r.redactValue(el.Interface())
			rred := reflect.ValueOf(red)
			if red == nil || !rred.Type().AssignableTo(rv.Type().Elem()) {
				out.Index(i).Set(el)
				continue
			}
			out.Index(i).Set(rred)
		}
		return out.Interface()
	case reflect.Ptr:
		if rv.IsNil() {
			return rv.Interface()
		}
		return r.redactValue(rv.Elem().Interface())
	}
	// Numbers, bools, structs and everything else pass through untouched.
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}
