package hijack

import (
	"mystic/internal/identity"
)

// The package-level helpers mirror the decoration API: Hijack composes any
// strategy list, the named helpers each attach a single strategy. All of
// them go through the default registry, so decorating an already-wrapped
// function appends strategies to the existing wrapper.

// Hijack wraps a compiled func value with the given strategies and registers
// the wrapper. The second return value has fn's exact static type.
func Hijack(fn interface{}, strategies []Strategy, opts ...Option) (*Hijacker, interface{}, error) {
	id, err := identity.FromFunc(fn)
	if err != nil {
		return nil, nil, err
	}
	if h, gerr := defaultRegistry.Get(id); gerr == nil {
		for _, s := range strategies {
			h.AddStrategy(s)
		}
		proxy, perr := proxyFor(h, fn)
		if perr != nil {
			return nil, nil, perr
		}
		return h, proxy, nil
	}
	h, proxy, err := Wrap(fn, strategies, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := defaultRegistry.Register(h, false); err != nil {
		// Lost a race: fold into the winner.
		if existing, gerr := defaultRegistry.Get(id); gerr == nil {
			for _, s := range strategies {
				existing.AddStrategy(s)
			}
			proxy, perr := proxyFor(existing, fn)
			if perr != nil {
				return nil, nil, perr
			}
			return existing, proxy, nil
		}
		return nil, nil, err
	}
	return h, proxy, nil
}

// Cache wraps fn with a cache strategy.
func Cache(fn interface{}, ttl string, opts ...CacheOption) (*Hijacker, interface{}, error) {
	return Hijack(fn, []Strategy{NewCache(ttl, opts...)})
}

// Mock wraps fn with a mock strategy.
func Mock(fn interface{}, data interface{}, opts ...MockOption) (*Hijacker, interface{}, error) {
	return Hijack(fn, []Strategy{NewMock(data, opts...)})
}

// Block wraps fn with a block strategy.
func Block(fn interface{}, reason string, opts ...BlockOption) (*Hijacker, interface{}, error) {
	return Hijack(fn, []Strategy{NewBlock(reason, opts...)})
}

// Redirect wraps fn routing calls to target.
func Redirect(fn interface{}, target interface{}, opts ...RedirectOption) (*Hijacker, interface{}, error) {
	targetID, err := identity.FromFunc(target)
	targetName := "target"
	if err == nil {
		targetName = targetID.String()
	}
	return Hijack(fn, []Strategy{NewRedirect(targetName, AsCallable(target), opts...)})
}

// Analyze wraps fn with a passive analysis strategy and returns it so the
// caller can read observations.
func Analyze(fn interface{}, opts ...AnalysisOption) (*AnalysisStrategy, interface{}, error) {
	s := NewAnalysis(opts...)
	_, proxy, err := Hijack(fn, []Strategy{s})
	if err != nil {
		return nil, nil, err
	}
	return s, proxy, nil
}

// proxyFor rebuilds a typed proxy routing through an existing wrapper.
func proxyFor(h *Hijacker, fn interface{}) (interface{}, error) {
	_, proxy, err := wrapProxyOnly(h, fn)
	return proxy, err
}
