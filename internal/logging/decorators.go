package logging

import (
	"fmt"
	"reflect"
	"time"

	"mystic/internal/identity"
)

// The decorator helpers wrap arbitrary func values with call/return logging
// while preserving the original signature. They are independent of the
// hijack engine so plain functions can be instrumented without a wrapper
// object.

type decoratorMode int

const (
	logBoth decoratorMode = iota
	logCallsOnly
	logReturnsOnly
)

// ArgFilter rewrites stringified positional args before logging.
type ArgFilter func(args []string) []string

// ReturnFilter rewrites the stringified result before logging.
type ReturnFilter func(result string) string

// LogCallsAndReturns wraps fn so every invocation emits a call event and a
// matching return (or error) event through l. The returned value has fn's
// exact type.
func (l *Logger) LogCallsAndReturns(fn interface{}) interface{} {
	return l.decorate(fn, logBoth, nil, nil)
}

// LogCallsOnly wraps fn logging entries only.
func (l *Logger) LogCallsOnly(fn interface{}) interface{} {
	return l.decorate(fn, logCallsOnly, nil, nil)
}

// LogReturnsOnly wraps fn logging exits only.
func (l *Logger) LogReturnsOnly(fn interface{}) interface{} {
	return l.decorate(fn, logReturnsOnly, nil, nil)
}

// DetailedLog wraps fn with both events and a payload truncation limit
// applied to this wrapper only.
func DetailedLog(l *Logger, maxLen int, fn interface{}) interface{} {
	trunc := func(s string) string {
		if maxLen > 0 && len(s) > maxLen {
			return s[:maxLen] + "…"
		}
		return s
	}
	af := func(args []string) []string {
		for i, a := range args {
			args[i] = trunc(a)
		}
		return args
	}
	rf := func(result string) string { return trunc(result) }
	return l.decorate(fn, logBoth, af, rf)
}

// FilteredLog wraps fn applying custom filters to logged args and results.
func FilteredLog(l *Logger, argFilter ArgFilter, returnFilter ReturnFilter, fn interface{}) interface{} {
	return l.decorate(fn, logBoth, argFilter, returnFilter)
}

func (l *Logger) decorate(fn interface{}, mode decoratorMode, af ArgFilter, rf ReturnFilter) interface{} {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		panic(fmt.Sprintf("logging: cannot decorate %T", fn))
	}
	id, err := identity.FromFunc(fn)
	if err != nil {
		id = identity.New("unknown", v.Type().String())
	}

	wrapper := reflect.MakeFunc(v.Type(), func(in []reflect.Value) []reflect.Value {
		args := make([]interface{}, len(in))
		for i, a := range in {
			args[i] = a.Interface()
		}

		var corrID string
		if mode != logReturnsOnly {
			corrID = l.logCallFiltered(id, args, af)
		}

		start := time.Now()
		out := v.Call(in)
		d := time.Since(start)

		if mode != logCallsOnly {
			result, err := splitResults(v.Type(), out)
			l.logReturnFiltered(id, result, d, corrID, err, rf)
		}
		return out
	})
	return wrapper.Interface()
}

func (l *Logger) logCallFiltered(id identity.Identity, args []interface{}, af ArgFilter) string {
	if af == nil {
		return l.LogCall(id, args, nil)
	}
	strs := l.stringifyAll(args)
	strs = af(strs)
	filtered := make([]interface{}, len(strs))
	for i, s := range strs {
		filtered[i] = s
	}
	return l.LogCall(id, filtered, nil)
}

func (l *Logger) logReturnFiltered(id identity.Identity, result interface{}, d time.Duration, corrID string, err error, rf ReturnFilter) {
	if rf != nil && err == nil {
		result = rf(l.stringify(fmt.Sprintf("%v", result)))
	}
	l.LogReturn(id, result, d, corrID, err)
}

// splitResults separates a trailing error return from the logged result.
// Multiple non-error results are logged as a tuple-ish slice.
func splitResults(t reflect.Type, out []reflect.Value) (interface{}, error) {
	errType := reflect.TypeOf((*error)(nil)).Elem()
	n := t.NumOut()
	var err error
	if n > 0 && t.Out(n-1).Implements(errType) {
		if !out[n-1].IsNil() {
			err = out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, err
	case 1:
		return out[0].Interface(), err
	default:
		vals := make([]interface{}, len(out))
		for i, o := range out {
			vals[i] = o.Interface()
		}
		return vals, err
	}
}
