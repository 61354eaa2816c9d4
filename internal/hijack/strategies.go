package hijack

import (
	"sync"
	"time"

	"mystic/internal/config"
)

// MockStrategy short-circuits calls with canned data in allowed
// environments.
type MockStrategy struct {
	data         interface{}
	fn           func(args []interface{}, kwargs map[string]interface{}) interface{}
	perEnv       map[config.Environment]interface{}
	environments map[config.Environment]bool
	priority     Priority
}

// MockOption configures a MockStrategy.
type MockOption func(*MockStrategy)

// WithEnvironments restricts where the mock fires. The default set is
// development and testing.
func WithEnvironments(envs ...config.Environment) MockOption {
	return func(m *MockStrategy) {
		m.environments = make(map[config.Environment]bool, len(envs))
		for _, e := range envs {
			m.environments[e] = true
		}
	}
}

// WithMockPriority overrides the default High priority.
func WithMockPriority(p Priority) MockOption {
	return func(m *MockStrategy) { m.priority = p }
}

// NewMock returns a strategy producing data verbatim.
func NewMock(data interface{}, opts ...MockOption) *MockStrategy {
	m := &MockStrategy{
		data:     data,
		priority: PriorityHigh,
		environments: map[config.Environment]bool{
			config.EnvDevelopment: true,
			config.EnvTesting:     true,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewMockFunc returns a strategy computing its data from the call arguments.
func NewMockFunc(fn func(args []interface{}, kwargs map[string]interface{}) interface{}, opts ...MockOption) *MockStrategy {
	m := NewMock(nil, opts...)
	m.fn = fn
	return m
}

// NewMockPerEnv returns a strategy with environment-specific data.
func NewMockPerEnv(perEnv map[config.Environment]interface{}, opts ...MockOption) *MockStrategy {
	m := NewMock(nil, opts...)
	m.perEnv = perEnv
	return m
}

// Name implements Strategy.
func (m *MockStrategy) Name() string { return "mock" }

// Priority implements Strategy.
func (m *MockStrategy) Priority() Priority { return m.priority }

func (m *MockStrategy) isStrategy() {}

// ShouldIntercept reports true only in the allowed environments.
func (m *MockStrategy) ShouldIntercept(ctx *Context) bool {
	return m.environments[ctx.Environment]
}

// Handle implements Strategy.
func (m *MockStrategy) Handle(ctx *Context, _ Callable) (Result, error) {
	meta := map[string]interface{}{"mocked": true, "environment": string(ctx.Environment)}
	switch {
	case m.fn != nil:
		return Result{Executed: true, Value: m.fn(ctx.Args, ctx.Kwargs), Metadata: meta}, nil
	case m.perEnv != nil:
		return Result{Executed: true, Value: m.perEnv[ctx.Environment], Metadata: meta}, nil
	default:
		return Result{Executed: true, Value: m.data, Metadata: meta}, nil
	}
}

// BlockStrategy prevents the original from running, either returning a
// sentinel value or failing the call with a BlockedError.
type BlockStrategy struct {
	reason     string
	raiseError bool
	sentinel   interface{}
	priority   Priority
}

// BlockOption configures a BlockStrategy.
type BlockOption func(*BlockStrategy)

// WithRaiseError makes blocked calls fail instead of returning the sentinel.
func WithRaiseError(on bool) BlockOption {
	return func(b *BlockStrategy) { b.raiseError = on }
}

// WithSentinel sets the value returned for blocked calls (nil by default).
func WithSentinel(v interface{}) BlockOption {
	return func(b *BlockStrategy) { b.sentinel = v }
}

// NewBlock builds a block strategy at Critical priority.
func NewBlock(reason string, opts ...BlockOption) *BlockStrategy {
	b := &BlockStrategy{reason: reason, priority: PriorityCritical}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements Strategy.
func (b *BlockStrategy) Name() string { return "block" }

// Priority implements Strategy.
func (b *BlockStrategy) Priority() Priority { return b.priority }

func (b *BlockStrategy) isStrategy() {}

// ShouldIntercept implements Strategy; blocks apply unconditionally.
func (b *BlockStrategy) ShouldIntercept(*Context) bool { return true }

// Handle implements Strategy.
func (b *BlockStrategy) Handle(*Context, Callable) (Result, error) {
	meta := map[string]interface{}{"blocked": true, "reason": b.reason}
	if b.raiseError {
		return Result{Executed: true, Err: &BlockedError{Reason: b.reason}, Metadata: meta}, nil
	}
	return Result{Executed: true, Value: b.sentinel, Metadata: meta}, nil
}

// ArgTransform rewrites a call's arguments before redirection.
type ArgTransform func(args []interface{}, kwargs map[string]interface{}) ([]interface{}, map[string]interface{})

// ResultTransform rewrites a redirect target's result.
type ResultTransform func(interface{}) interface{}

// RedirectStrategy routes calls to a different callable.
type RedirectStrategy struct {
	target          Callable
	targetName      string
	transformArgs   ArgTransform
	transformResult ResultTransform
	priority        Priority
}

// RedirectOption configures a RedirectStrategy.
type RedirectOption func(*RedirectStrategy)

// WithArgTransform rewrites arguments before they reach the target.
func WithArgTransform(t ArgTransform) RedirectOption {
	return func(r *RedirectStrategy) { r.transformArgs = t }
}

// WithResultTransform rewrites the target's result.
func WithResultTransform(t ResultTransform) RedirectOption {
	return func(r *RedirectStrategy) { r.transformResult = t }
}

// NewRedirect builds a redirect strategy at Normal priority.
func NewRedirect(targetName string, target Callable, opts ...RedirectOption) *RedirectStrategy {
	r := &RedirectStrategy{target: target, targetName: targetName, priority: PriorityNormal}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements Strategy.
func (r *RedirectStrategy) Name() string { return "redirect" }

// Priority implements Strategy.
func (r *RedirectStrategy) Priority() Priority { return r.priority }

func (r *RedirectStrategy) isStrategy() {}

// ShouldIntercept implements Strategy; redirects apply unconditionally.
func (r *RedirectStrategy) ShouldIntercept(*Context) bool { return true }

// Handle implements Strategy. A target failure is the call's failure, not a
// strategy fault.
func (r *RedirectStrategy) Handle(ctx *Context, _ Callable) (Result, error) {
	args, kwargs := ctx.Args, ctx.Kwargs
	if r.transformArgs != nil {
		args, kwargs = r.transformArgs(args, kwargs)
	}
	meta := map[string]interface{}{"redirected_to": r.targetName}
	value, err := r.target(args, kwargs)
	if err != nil {
		return Result{Executed: true, Err: err, Metadata: meta}, nil
	}
	if r.transformResult != nil {
		value = r.transformResult(value)
	}
	return Result{Executed: true, Value: value, Metadata: meta}, nil
}

// Observation is one record kept by an AnalysisStrategy.
type Observation struct {
	Function  string
	Timestamp time.Time
	Args      []interface{}
	Kwargs    map[string]interface{}
	CallCount int64
}

// AnalysisCallback receives each observation as it is recorded.
type AnalysisCallback func(*Context, Observation)

// AnalysisStrategy observes calls without owning them: Handle always
// returns Executed=false so the rest of the chain runs as if the strategy
// were absent. It is the only built-in with pass-through as its normal
// outcome.
type AnalysisStrategy struct {
	callback       AnalysisCallback
	trackArguments bool
	maxObservations int
	priority       Priority

	mu           sync.Mutex
	observations []Observation
}

// AnalysisOption configures an AnalysisStrategy.
type AnalysisOption func(*AnalysisStrategy)

// WithCallback invokes fn on every observation. Panics in fn are treated as
// strategy faults by the wrapper and never reach the caller.
func WithCallback(fn AnalysisCallback) AnalysisOption {
	return func(a *AnalysisStrategy) { a.callback = fn }
}

// WithTrackArguments records call arguments in observations.
func WithTrackArguments(on bool) AnalysisOption {
	return func(a *AnalysisStrategy) { a.trackArguments = on }
}

// WithMaxObservations bounds the retained observation list.
func WithMaxObservations(n int) AnalysisOption {
	return func(a *AnalysisStrategy) {
		if n > 0 {
			a.maxObservations = n
		}
	}
}

// NewAnalysis builds a passive observation strategy at Critical priority, so
// it observes a call before any strategy that can take ownership of it.
func NewAnalysis(opts ...AnalysisOption) *AnalysisStrategy {
	a := &AnalysisStrategy{
		trackArguments:  true,
		maxObservations: 10000,
		priority:        PriorityCritical,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements Strategy.
func (a *AnalysisStrategy) Name() string { return "analysis" }

// Priority implements Strategy.
func (a *AnalysisStrategy) Priority() Priority { return a.priority }

func (a *AnalysisStrategy) isStrategy() {}

// ShouldIntercept implements Strategy; analysis sees every call.
func (a *AnalysisStrategy) ShouldIntercept(*Context) bool { return true }

// Handle records an observation and passes through.
func (a *AnalysisStrategy) Handle(ctx *Context, _ Callable) (Result, error) {
	obs := Observation{
		Function:  ctx.Identity.String(),
		Timestamp: time.Now(),
		CallCount: ctx.CallCount,
	}
	if a.trackArguments {
		obs.Args = ctx.Args
		obs.Kwargs = ctx.Kwargs
	}

	a.mu.Lock()
	a.observations = append(a.observations, obs)
	if len(a.observations) > a.maxObservations {
		a.observations = a.observations[len(a.observations)-a.maxObservations:]
	}
	a.mu.Unlock()

	if a.callback != nil {
		a.callback(ctx, obs)
	}
	return Result{Executed: false, Metadata: map[string]interface{}{"observed": true}}, nil
}

// Observations returns a copy of the recorded observations.
func (a *AnalysisStrategy) Observations() []Observation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Observation, len(a.observations))
	copy(out, a.observations)
	return out
}

// Predicate decides which branch a ConditionalStrategy takes.
type Predicate func(*Context) bool

// ConditionalStrategy delegates to one of two strategies based on a
// predicate evaluated per call.
type ConditionalStrategy struct {
	predicate     Predicate
	trueStrategy  Strategy
	falseStrategy Strategy
	priority      Priority
}

// NewConditional builds a conditional strategy at Normal priority.
// falseStrategy may be nil, in which case a false predicate passes through.
func NewConditional(predicate Predicate, trueStrategy, falseStrategy Strategy) *ConditionalStrategy {
	return &ConditionalStrategy{
		predicate:     predicate,
		trueStrategy:  trueStrategy,
		falseStrategy: falseStrategy,
		priority:      PriorityNormal,
	}
}

// Name implements Strategy.
func (c *ConditionalStrategy) Name() string { return "conditional" }

// Priority implements Strategy.
func (c *ConditionalStrategy) Priority() Priority { return c.priority }

func (c *ConditionalStrategy) isStrategy() {}

// ShouldIntercept mirrors the selected branch's decision. A predicate panic
// counts as false.
func (c *ConditionalStrategy) ShouldIntercept(ctx *Context) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if c.predicate(ctx) {
		return c.trueStrategy.ShouldIntercept(ctx)
	}
	if c.falseStrategy != nil {
		return c.falseStrategy.ShouldIntercept(ctx)
	}
	return false
}

// Handle delegates to the selected branch.
func (c *ConditionalStrategy) Handle(ctx *Context, original Callable) (Result, error) {
	if c.predicate(ctx) {
		return c.trueStrategy.Handle(ctx, original)
	}
	if c.falseStrategy != nil {
		return c.falseStrategy.Handle(ctx, original)
	}
	return Result{Executed: false, Metadata: map[string]interface{}{"condition_met": false}}, nil
}
