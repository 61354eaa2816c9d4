package hijack

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mystic/internal/config"
	"mystic/internal/correlation"
	"mystic/internal/identity"
	"mystic/internal/logging"
	"mystic/internal/metrics"
	"mystic/internal/state"
)

// Notification is the best-effort event pushed to wrapper subscribers after
// each intercepted call.
type Notification struct {
	Type          string                 `json:"type"`
	Function      string                 `json:"function"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Environment   string                 `json:"environment"`
	CallCount     int64                  `json:"call_count"`
	Executed      bool                   `json:"executed"`
	Strategy      string                 `json:"strategy,omitempty"`
	DurationS     float64                `json:"duration_s"`
	Error         string                 `json:"error,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Notifier receives notifications; panics are swallowed.
type Notifier func(Notification)

// Hijacker wraps one callable with an ordered strategy pipeline. The
// original runs at most once per call; exactly one strategy (or the
// original) owns the produced value.
type Hijacker struct {
	mu sync.Mutex

	id         identity.Identity
	original   Callable
	strategies []Strategy
	insertion  map[Strategy]int
	nextInsert int

	env config.Environment

	callCount  int64
	lastArgs   []interface{}
	lastResult interface{}

	notifiers []Notifier

	logger  *logging.Logger
	tracker *metrics.Tracker
	states  *state.Manager
	zlog    *zap.Logger
}

// Option configures a Hijacker.
type Option func(*Hijacker)

// WithLogger emits call/return events through the given call logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Hijacker) { h.logger = l }
}

// WithTracker records per-call timings into the given tracker.
func WithTracker(t *metrics.Tracker) Option {
	return func(h *Hijacker) { h.tracker = t }
}

// WithStateCapture snapshots call arguments and returns into the given
// state manager.
func WithStateCapture(m *state.Manager) Option {
	return func(h *Hijacker) { h.states = m }
}

// WithEnvironment overrides the environment tag seen by strategies.
func WithEnvironment(env config.Environment) Option {
	return func(h *Hijacker) { h.env = env }
}

// WithNotifier registers a subscriber for call notifications.
func WithNotifier(n Notifier) Option {
	return func(h *Hijacker) { h.notifiers = append(h.notifiers, n) }
}

// WithDiagnostics sets the internal diagnostic logger.
func WithDiagnostics(z *zap.Logger) Option {
	return func(h *Hijacker) { h.zlog = z }
}

// NewHijacker wraps a callable under the given identity. The returned
// wrapper is not yet registered; see Registry.Register or the Hijack
// convenience helpers.
func NewHijacker(id identity.Identity, original Callable, strategies []Strategy, opts ...Option) *Hijacker {
	h := &Hijacker{
		id:        id,
		original:  original,
		env:       config.Global().Environment,
		insertion: make(map[Strategy]int),
		zlog:      zap.NewNop(),
	}
	for _, s := range strategies {
		h.insertion[s] = h.nextInsert
		h.nextInsert++
		h.strategies = append(h.strategies, s)
	}
	h.sortLocked()
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Identity returns the wrapper's stable key.
func (h *Hijacker) Identity() identity.Identity { return h.id }

// Original returns the underlying callable.
func (h *Hijacker) Original() Callable { return h.original }

// CallCount reports how many calls the wrapper has served.
func (h *Hijacker) CallCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.callCount
}

// LastCall returns the most recent arguments and result.
func (h *Hijacker) LastCall() (args []interface{}, result interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastArgs, h.lastResult
}

// Strategies returns the pipeline in execution order.
func (h *Hijacker) Strategies() []Strategy {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Strategy, len(h.strategies))
	copy(out, h.strategies)
	return out
}

// AddStrategy appends a strategy, re-sorting by priority (descending) with
// insertion order as the tiebreak.
func (h *Hijacker) AddStrategy(s Strategy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.insertion[s] = h.nextInsert
	h.nextInsert++
	h.strategies = append(h.strategies, s)
	h.sortLocked()
}

// RemoveStrategy drops all strategies with the given name ("cache", "mock",
// ...). Returns how many were removed.
func (h *Hijacker) RemoveStrategy(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.strategies[:0]
	removed := 0
	for _, s := range h.strategies {
		if s.Name() == name {
			delete(h.insertion, s)
			removed++
			continue
		}
		kept = append(kept, s)
	}
	h.strategies = kept
	return removed
}

// AddNotifier registers a notification subscriber at runtime.
func (h *Hijacker) AddNotifier(n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifiers = append(h.notifiers, n)
}

func (h *Hijacker) sortLocked() {
	sort.SliceStable(h.strategies, func(i, j int) bool {
		pi, pj := h.strategies[i].Priority(), h.strategies[j].Priority()
		if pi != pj {
			return pi > pj
		}
		return h.insertion[h.strategies[i]] < h.insertion[h.strategies[j]]
	})
}

// Call runs the interception pipeline for one invocation.
func (h *Hijacker) Call(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	h.mu.Lock()
	h.callCount++
	count := h.callCount
	h.lastArgs = args
	pipeline := make([]Strategy, len(h.strategies))
	copy(pipeline, h.strategies)
	notifiers := make([]Notifier, len(h.notifiers))
	copy(notifiers, h.notifiers)
	env := h.env
	h.mu.Unlock()

	corrID, ok := correlation.Current()
	if !ok {
		corrID = correlation.Generate()
	}
	exit := correlation.Enter(corrID)
	defer exit()

	ctx := &Context{
		Identity:      h.id,
		Args:          args,
		Kwargs:        kwargs,
		CorrelationID: corrID,
		Start:         time.Now(),
		Environment:   env,
		CallCount:     count,
		Metadata:      map[string]interface{}{},
	}

	var sample func() *int64
	if h.tracker != nil {
		sample = h.tracker.BeginSample()
	}

	if h.logger != nil {
		h.logger.LogCall(h.id, args, kwargs)
	}
	if h.states != nil {
		data := map[string]interface{}{"args": args, "kwargs": kwargs}
		_, _ = h.states.Capture(state.KindFnArgs, data, h.id.String(), 0, nil)
	}
	h.notify(notifiers, Notification{
		Type:          "call",
		Function:      h.id.String(),
		Timestamp:     ctx.Start,
		CorrelationID: corrID,
		Environment:   string(env),
		CallCount:     count,
	})

	value, err, owner, meta := h.runChain(ctx, pipeline)

	d := time.Since(ctx.Start)
	if h.tracker != nil {
		h.tracker.TrackOutcome(h.id, d, sample(), err != nil)
	}
	if h.logger != nil {
		h.logger.LogReturn(h.id, value, d, corrID, err)
	}
	if h.states != nil && err == nil {
		_, _ = h.states.Capture(state.KindFnReturn, map[string]interface{}{"result": value}, h.id.String(), 0, nil)
	}

	n := Notification{
		Type:          "return",
		Function:      h.id.String(),
		Timestamp:     time.Now(),
		CorrelationID: corrID,
		Environment:   string(env),
		CallCount:     count,
		Executed:      true,
		Strategy:      owner,
		DurationS:     d.Seconds(),
		Metadata:      meta,
	}
	if err != nil {
		n.Type = "error"
		n.Error = err.Error()
	}
	h.notify(notifiers, n)

	h.mu.Lock()
	h.lastResult = value
	h.mu.Unlock()

	return value, err
}

// runChain walks the pipeline until a strategy owns the call, falling back
// to the original. Strategy faults are logged and skipped; the chain
// continues as if the strategy had passed through.
func (h *Hijacker) runChain(ctx *Context, pipeline []Strategy) (value interface{}, err error, owner string, meta map[string]interface{}) {
	for _, s := range pipeline {
		if !h.shouldIntercept(s, ctx) {
			continue
		}
		res, herr := h.handle(s, ctx)
		if herr != nil {
			h.zlog.Warn("strategy fault, continuing chain",
				zap.String("function", h.id.String()),
				zap.String("strategy", s.Name()),
				zap.Error(herr))
			if h.logger != nil {
				h.logger.LogReturn(h.id, nil, time.Since(ctx.Start), ctx.CorrelationID,
					fmt.Errorf("strategy %s fault: %w", s.Name(), herr))
			}
			continue
		}
		if res.Executed {
			return res.Value, res.Err, s.Name(), res.Metadata
		}
	}
	value, err = h.original(ctx.Args, ctx.Kwargs)
	return value, err, "", nil
}

// shouldIntercept guards predicate panics the same way handle guards
// strategy panics.
func (h *Hijacker) shouldIntercept(s Strategy, ctx *Context) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			h.zlog.Warn("strategy predicate panicked",
				zap.String("strategy", s.Name()), zap.Any("panic", rec))
			ok = false
		}
	}()
	return s.ShouldIntercept(ctx)
}

func (h *Hijacker) handle(s Strategy, ctx *Context) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{}
			err = fmt.Errorf("strategy %s panicked: %v", s.Name(), rec)
		}
	}()
	return s.Handle(ctx, h.original)
}

func (h *Hijacker) notify(notifiers []Notifier, n Notification) {
	for _, fn := range notifiers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					h.zlog.Debug("notifier panicked", zap.Any("panic", rec))
				}
			}()
			fn(n)
		}()
	}
}

// Metrics summarizes the wrapper for list_hijacked and unhijack responses.
func (h *Hijacker) Metrics() map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	strategies := make([]string, len(h.strategies))
	for i, s := range h.strategies {
		strategies[i] = fmt.Sprintf("%s(priority=%s)", s.Name(), s.Priority())
	}
	return map[string]interface{}{
		"function":   h.id.String(),
		"call_count": h.callCount,
		"environment": string(h.env),
		"strategies": strategies,
	}
}

// Wrap intercepts an arbitrary compiled func value, returning the wrapper
// and a func with fn's exact static type that routes through it. A final
// error return of fn is mapped onto the Callable error channel; other
// results are passed through as values.
func Wrap(fn interface{}, strategies []Strategy, opts ...Option) (*Hijacker, interface{}, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, nil, fmt.Errorf("hijack: cannot wrap %T", fn)
	}
	id, err := identity.FromFunc(fn)
	if err != nil {
		return nil, nil, fmt.Errorf("hijack: %w", err)
	}

	original := AsCallable(fn)
	h := NewHijacker(id, original, strategies, opts...)
	proxy := makeProxy(v.Type(), h)
	return h, proxy, nil
}

// wrapProxyOnly builds a typed proxy for an existing wrapper without
// creating a new one (idempotent re-decoration).
func wrapProxyOnly(h *Hijacker, fn interface{}) (*Hijacker, interface{}, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, nil, fmt.Errorf("hijack: cannot wrap %T", fn)
	}
	return h, makeProxy(v.Type(), h), nil
}

func makeProxy(t reflect.Type, h *Hijacker) interface{} {
	errType := reflect.TypeOf((*error)(nil)).Elem()
	hasErr := t.NumOut() > 0 && t.Out(t.NumOut()-1).Implements(errType)

	proxy := reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		args := make([]interface{}, len(in))
		for i, a := range in {
			args[i] = a.Interface()
		}
		value, callErr := h.Call(args, nil)
		return packResults(t, hasErr, value, callErr)
	})
	return proxy.Interface()
}

// AsCallable adapts a compiled func value to the uniform Callable shape.
func AsCallable(fn interface{}) Callable {
	v := reflect.ValueOf(fn)
	t := v.Type()
	errType := reflect.TypeOf((*error)(nil)).Elem()
	hasErr := t.NumOut() > 0 && t.Out(t.NumOut()-1).Implements(errType)

	return func(args []interface{}, _ map[string]interface{}) (out interface{}, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("call panicked: %v", rec)
			}
		}()
		in, aerr := buildArgs(t, args)
		if aerr != nil {
			return nil, aerr
		}
		results := v.Call(in)
		if hasErr {
			last := results[len(results)-1]
			if !last.IsNil() {
				err = last.Interface().(error)
			}
			results = results[:len(results)-1]
		}
		switch len(results) {
		case 0:
			return nil, err
		case 1:
			return results[0].Interface(), err
		default:
			vals := make([]interface{}, len(results))
			for i, r := range results {
				vals[i] = r.Interface()
			}
			return vals, err
		}
	}
}

func buildArgs(t reflect.Type, args []interface{}) ([]reflect.Value, error) {
	numIn := t.NumIn()
	fixed := numIn
	if t.IsVariadic() {
		fixed = numIn - 1
	}
	if len(args) < fixed || (!t.IsVariadic() && len(args) > numIn) {
		return nil, fmt.Errorf("hijack: want %d args, got %d", numIn, len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var want reflect.Type
		if i < fixed {
			want = t.In(i)
		} else {
			want = t.In(numIn - 1).Elem()
		}
		in[i] = coerceArg(a, want)
		if !in[i].IsValid() {
			return nil, fmt.Errorf("hijack: arg %d (%T) not assignable to %s", i, a, want)
		}
	}
	return in, nil
}

// coerceArg converts dynamic arguments (often decoded from JSON) to the
// parameter type, covering the float64-to-int family that json.Unmarshal
// produces.
func coerceArg(a interface{}, want reflect.Type) reflect.Value {
	if a == nil {
		return reflect.Zero(want)
	}
	av := reflect.ValueOf(a)
	if av.Type().AssignableTo(want) {
		return av
	}
	if av.Type().ConvertibleTo(want) {
		switch want.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64, reflect.String:
			// String conversions from numbers are almost never intended.
			if want.Kind() == reflect.String && av.Kind() != reflect.String {
				return reflect.Value{}
			}
			return av.Convert(want)
		}
	}
	if want.Kind() == reflect.Interface && av.Type().Implements(want) {
		return av
	}
	return reflect.Value{}
}

func packResults(t reflect.Type, hasErr bool, value interface{}, callErr error) []reflect.Value {
	numOut := t.NumOut()
	valueOuts := numOut
	if hasErr {
		valueOuts--
	}
	out := make([]reflect.Value, 0, numOut)

	values := make([]interface{}, 0, valueOuts)
	switch valueOuts {
	case 0:
	case 1:
		values = append(values, value)
	default:
		if multi, ok := value.([]interface{}); ok && len(multi) == valueOuts {
			values = multi
		} else {
			values = make([]interface{}, valueOuts)
			values[0] = value
		}
	}
	for i := 0; i < valueOuts; i++ {
		want := t.Out(i)
		if values[i] == nil {
			out = append(out, reflect.Zero(want))
			continue
		}
		rv := reflect.ValueOf(values[i])
		if rv.Type().AssignableTo(want) {
			out = append(out, rv)
		} else if rv.Type().ConvertibleTo(want) {
			out = append(out, rv.Convert(want))
		} else {
			out = append(out, reflect.Zero(want))
		}
	}
	if hasErr {
		errType := t.Out(numOut - 1)
		if callErr != nil {
			out = append(out, reflect.ValueOf(callErr).Convert(errType))
		} else {
			out = append(out, reflect.Zero(errType))
		}
	}
	return out
}
