// Package correlation provides process-wide correlation IDs tying call,
// return and error events of one invocation together. The store keeps one
// stack of active IDs per goroutine; an inner call on the same goroutine
// inherits the outer frame's ID. Handler code that owns a context.Context
// should prefer the With/From helpers.
package correlation

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Generate returns a new process-unique correlation ID (uuid4, 128-bit
// random).
func Generate() string {
	return uuid.NewString()
}

type ctxKey struct{}

// With returns a context carrying the correlation ID.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// From extracts the correlation ID from a context.
func From(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Store holds per-goroutine correlation stacks plus a cross-goroutine
// activity map (id -> last seen) used for pruning.
type Store struct {
	mu       sync.Mutex
	frames   map[int64][]string
	activity map[string]time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		frames:   make(map[int64][]string),
		activity: make(map[string]time.Time),
	}
}

// defaultStore backs the package-level functions.
var defaultStore = NewStore()

// SetCurrent replaces the current ID for this goroutine, starting a stack if
// none exists.
func (s *Store) SetCurrent(id string) {
	g := goid()
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.frames[g]
	if len(stack) == 0 {
		s.frames[g] = []string{id}
	} else {
		stack[len(stack)-1] = id
	}
	s.activity[id] = time.Now()
}

// Current returns this goroutine's active correlation ID.
func (s *Store) Current() (string, bool) {
	g := goid()
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.frames[g]
	if len(stack) == 0 {
		return "", false
	}
	id := stack[len(stack)-1]
	s.activity[id] = time.Now()
	return id, true
}

// Enter pushes id as a new frame and returns a restore function popping it.
// Typical use:
//
//	defer store.Enter(id)()
func (s *Store) Enter(id string) func() {
	g := goid()
	s.mu.Lock()
	s.frames[g] = append(s.frames[g], id)
	s.activity[id] = time.Now()
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		stack := s.frames[g]
		if len(stack) > 0 {
			s.frames[g] = stack[:len(stack)-1]
		}
		if len(s.frames[g]) == 0 {
			delete(s.frames, g)
		}
	}
}

// Clear drops this goroutine's stack.
func (s *Store) Clear() {
	g := goid()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.frames, g)
}

// Prune removes activity entries older than maxAge and returns how many were
// dropped.
func (s *Store) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ts := range s.activity {
		if ts.Before(cutoff) {
			delete(s.activity, id)
			n++
		}
	}
	return n
}

// Package-level helpers over the default store.

// SetCurrent sets the calling goroutine's correlation ID in the default
// store.
func SetCurrent(id string) { defaultStore.SetCurrent(id) }

// Current reads the calling goroutine's correlation ID from the default
// store.
func Current() (string, bool) { return defaultStore.Current() }

// Enter pushes a frame on the default store.
func Enter(id string) func() { return defaultStore.Enter(id) }

// Clear drops the calling goroutine's stack in the default store.
func Clear() { defaultStore.Clear() }

// goid parses the current goroutine's numeric id out of the runtime stack
// header ("goroutine 18 [running]:"). There is no public API for this; the
// parse is the same trick used by request-scoped logging libraries.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
