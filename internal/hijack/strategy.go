// Package hijack implements the call-interception engine: a wrapper object
// carrying an ordered strategy pipeline over an underlying callable, a
// process-wide registry of wrapped functions, and the built-in strategies
// (cache, mock, block, redirect, analysis, conditional).
package hijack

import (
	"errors"
	"fmt"
	"time"

	"mystic/internal/config"
	"mystic/internal/identity"
)

// Priority orders strategies within a wrapper's pipeline.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String renders the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// Callable is the uniform runtime shape of a wrapped function: positional
// args plus keyword args, one value out.
type Callable func(args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// Context is the immutable per-call record handed to every strategy.
type Context struct {
	Identity      identity.Identity
	Args          []interface{}
	Kwargs        map[string]interface{}
	CorrelationID string
	Start         time.Time
	Environment   config.Environment
	CallCount     int64
	Metadata      map[string]interface{}
}

// Result is a strategy outcome. Executed means the strategy owns the call's
// value (or error) and the chain stops; Executed=false is pass-through.
type Result struct {
	Executed bool
	Value    interface{}
	Err      error
	Metadata map[string]interface{}
}

// Strategy is the closed capability set shared by the built-in variants.
// The unexported marker keeps the sum closed: new behavior goes through
// Analysis callbacks or Conditional composition, not open inheritance.
type Strategy interface {
	Name() string
	Priority() Priority
	ShouldIntercept(*Context) bool
	Handle(*Context, Callable) (Result, error)

	isStrategy()
}

// BlockedError is raised by a Block strategy configured to fail the call.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked: %s", e.Reason)
}

// Caller-visible sentinel errors. Observational paths never return these;
// see the package tests for the full fault-policy matrix.
var (
	// ErrRegistryConflict reports an attempt to re-register a different
	// wrapper for an identity without replace=true.
	ErrRegistryConflict = errors.New("hijack: identity already registered")

	// ErrNotFound reports an unknown identity on lookup or unhijack.
	ErrNotFound = errors.New("hijack: function not registered")

	// ErrNotCacheable names a strict-mode refusal to cache arguments whose
	// canonical form contains an unstable token. CacheStrategy does not
	// return it: in strict mode such calls pass through with
	// Metadata["cacheable"] = false.
	ErrNotCacheable = errors.New("hijack: arguments are not cacheable")
)
