package server

import (
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"mystic/internal/config"
	"mystic/internal/hijack"
	"mystic/internal/identity"
	"mystic/internal/inspect"
	"mystic/internal/logging"
	"mystic/internal/metrics"
	"mystic/internal/scripts"
	"mystic/internal/state"
)

// Runtime bundles the core subsystems behind the MCP surface and fans live
// call notifications out to stream clients.
type Runtime struct {
	cfg       *config.Config
	zlog      *zap.Logger
	logger    *logging.Logger
	tracker   *metrics.Tracker
	inspector *inspect.Inspector
	states    *state.Manager
	registry  *hijack.Registry
	table     *scripts.Table
	loader    *scripts.Loader
	events    *logging.EventStore

	mu        sync.Mutex
	streams   map[int]chan hijack.Notification
	nextStream int
}

// NewRuntime wires the subsystems together. The event store lives under the
// config's data directory; no timeline archive is opened here.
func NewRuntime(cfg *config.Config, zlog *zap.Logger, loggerOpts ...logging.LoggerOption) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Global()
	}
	if zlog == nil {
		zlog = zap.NewNop()
	}

	events, err := logging.OpenEventStore(filepath.Join(cfg.DataDir, "events.db"))
	if err != nil {
		zlog.Warn("event store unavailable, logs_query limited to the ring buffer", zap.Error(err))
		events = nil
	}
	opts := loggerOpts
	if events != nil {
		opts = append(opts, logging.WithEventStore(events))
	}
	logger, err := logging.New(cfg, zlog, opts...)
	if err != nil {
		return nil, fmt.Errorf("server: build logger: %w", err)
	}

	table := scripts.NewTable()
	rt := &Runtime{
		cfg:       cfg,
		zlog:      zlog,
		logger:    logger,
		tracker:   metrics.New(),
		inspector: inspect.New(zlog),
		states:    state.NewManager(cfg.MaxSnapshots),
		registry:  hijack.NewRegistry(),
		table:     table,
		loader:    scripts.NewLoader(table, zlog),
		events:    events,
		streams:   make(map[int]chan hijack.Notification),
	}
	if cfg.ProfileMode == config.ProfileMemory || cfg.ProfileMode == config.ProfileFull {
		rt.tracker.EnableMemorySampling(true)
	}
	return rt, nil
}

// Close releases owned resources.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	for id, ch := range rt.streams {
		close(ch)
		delete(rt.streams, id)
	}
	rt.mu.Unlock()

	var first error
	if err := rt.inspector.Close(); err != nil {
		first = err
	}
	if err := rt.logger.Close(); err != nil && first == nil {
		first = err
	}
	if rt.events != nil {
		if err := rt.events.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Logger exposes the call logger (the CLI demo subscribes to it).
func (rt *Runtime) Logger() *logging.Logger { return rt.logger }

// Tracker exposes the performance tracker.
func (rt *Runtime) Tracker() *metrics.Tracker { return rt.tracker }

// States exposes the state manager.
func (rt *Runtime) States() *state.Manager { return rt.states }

// Table exposes the function table for native registration.
func (rt *Runtime) Table() *scripts.Table { return rt.table }

// Loader exposes the script loader.
func (rt *Runtime) Loader() *scripts.Loader { return rt.loader }

// LoadScript evaluates Go source, registers its exported functions and
// applies the configured function blocklist.
func (rt *Runtime) LoadScript(module, src string) ([]identity.Identity, error) {
	ids, err := rt.loader.Load(module, src)
	if err != nil {
		return ids, err
	}
	rt.guardBlocked(ids)
	return ids, nil
}

// LoadScriptFile is LoadScript over a file path.
func (rt *Runtime) LoadScriptFile(path string) ([]identity.Identity, error) {
	ids, err := rt.loader.LoadFile(path)
	if err != nil {
		return ids, err
	}
	rt.guardBlocked(ids)
	return ids, nil
}

// guardBlocked binds a raising Block strategy over any newly registered
// function named in the config's blocked_functions list.
func (rt *Runtime) guardBlocked(ids []identity.Identity) {
	if len(rt.cfg.BlockedFunctions) == 0 {
		return
	}
	blocked := make(map[string]bool, len(rt.cfg.BlockedFunctions))
	for _, name := range rt.cfg.BlockedFunctions {
		blocked[name] = true
	}
	for _, id := range ids {
		if !blocked[id.String()] {
			continue
		}
		original, ok := rt.table.Original(id)
		if !ok {
			continue
		}
		h := rt.registry.Ensure(id, original,
			[]hijack.Strategy{hijack.NewBlock("blocked by configuration", hijack.WithRaiseError(true))},
			hijack.WithLogger(rt.logger),
			hijack.WithEnvironment(rt.cfg.Environment),
			hijack.WithNotifier(rt.broadcast),
		)
		if err := rt.table.Bind(id, h.Call); err != nil {
			rt.zlog.Warn("cannot bind blocklist wrapper", zap.String("function", id.String()), zap.Error(err))
		}
	}
}

// Registry exposes the hijack registry.
func (rt *Runtime) Registry() *hijack.Registry { return rt.registry }

// SubscribeStream registers a live notification channel for websocket and
// SSE clients.
func (rt *Runtime) SubscribeStream() (int, <-chan hijack.Notification) {
	ch := make(chan hijack.Notification, 64)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	id := rt.nextStream
	rt.nextStream++
	rt.streams[id] = ch
	return id, ch
}

// UnsubscribeStream removes a stream channel.
func (rt *Runtime) UnsubscribeStream(id int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if ch, ok := rt.streams[id]; ok {
		close(ch)
		delete(rt.streams, id)
	}
}

// broadcast pushes a notification to every stream, dropping for slow
// clients.
func (rt *Runtime) broadcast(n hijack.Notification) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, ch := range rt.streams {
		select {
		case ch <- n:
		default:
		}
	}
}
