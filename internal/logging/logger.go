package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"mystic/internal/config"
	"mystic/internal/correlation"
	"mystic/internal/identity"
	"mystic/internal/redact"
)

// subscriberQueueCap bounds each subscriber's backlog. When a subscriber
// falls behind, the oldest queued event is dropped and counted; fan-out
// never blocks the producer.
const subscriberQueueCap = 256

// defaultRingCap is how many recent events are kept for late subscribers.
const defaultRingCap = 1000

// Subscriber receives events in registration order. Panics are recovered
// and counted; they never reach the logging caller.
type Subscriber func(Event)

type subscriber struct {
	fn      Subscriber
	queue   chan Event
	done    chan struct{}
	dropped int64
	faults  int64
}

// Logger builds, redacts, fans out and renders call events.
type Logger struct {
	mu sync.Mutex

	format   config.LogFormat
	filter   bool
	redactor *redact.Redactor
	maxLen   int // truncation for stringified payloads; 0 = no limit

	out  io.Writer
	file *os.File // owned when format is file
	date string   // rotation marker (YYYY-MM-DD)
	dir  string

	zlog *zap.Logger

	ring    []Event
	ringCap int

	subs    map[int]*subscriber
	nextSub int
	order   []int // registration order for deterministic fan-out

	store *EventStore // optional sqlite mirror
}

// LoggerOption configures a Logger.
type LoggerOption func(*Logger)

// WithOutput overrides the render destination (used by tests and the stdio
// transport, which must keep stdout clean).
func WithOutput(w io.Writer) LoggerOption {
	return func(l *Logger) { l.out = w }
}

// WithEventStore mirrors every event into the given store.
func WithEventStore(s *EventStore) LoggerOption {
	return func(l *Logger) { l.store = s }
}

// WithRingCapacity overrides the recent-event buffer size.
func WithRingCapacity(n int) LoggerOption {
	return func(l *Logger) {
		if n > 0 {
			l.ringCap = n
		}
	}
}

// WithMaxLength truncates stringified args and results to n bytes.
func WithMaxLength(n int) LoggerOption {
	return func(l *Logger) { l.maxLen = n }
}

// New creates a Logger for the given configuration. A nil zap logger
// disables diagnostics.
func New(cfg *config.Config, zlog *zap.Logger, opts ...LoggerOption) (*Logger, error) {
	if cfg == nil {
		cfg = config.Global()
	}
	if zlog == nil {
		zlog = zap.NewNop()
	}
	l := &Logger{
		format:   cfg.LogFormat,
		filter:   cfg.FilterSensitive,
		redactor: redact.New(zlog),
		out:      os.Stdout,
		zlog:     zlog,
		ringCap:  defaultRingCap,
		subs:     make(map[int]*subscriber),
		dir:      cfg.LogDir,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.format == config.FormatFile {
		if err := l.rotate(time.Now()); err != nil {
			return nil, err
		}
	}
	return l, nil
}

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
)

// Default returns the module-level singleton logger.
func Default() *Logger {
	defaultOnce.Do(func() {
		l, err := New(config.Global(), zap.NewNop())
		if err != nil {
			l, _ = New(config.Global(), zap.NewNop(), WithOutput(os.Stderr))
		}
		defaultLogger = l
	})
	return defaultLogger
}

// rotate opens the date-suffixed log file, closing any previous one.
// Caller holds no lock during New; Write paths call this under l.mu.
func (l *Logger) rotate(now time.Time) error {
	date := now.Format("2006-01-02")
	if l.file != nil && l.date == date {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
	}
	path := filepath.Join(l.dir, fmt.Sprintf("mystic_%s.log", date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", path, err)
	}
	l.file = f
	l.out = f
	l.date = date
	return nil
}

// Close releases the file sink and stops subscriber goroutines.
func (l *Logger) Close() error {
	l.mu.Lock()
	subs := make([]*subscriber, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.subs = make(map[int]*subscriber)
	l.order = nil
	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	l.mu.Unlock()

	for _, s := range subs {
		close(s.queue)
		<-s.done
	}
	return err
}

// LogCall records a function entry and returns the correlation ID, creating
// and installing one when the goroutine has none.
func (l *Logger) LogCall(id identity.Identity, args []interface{}, kwargs map[string]interface{}) string {
	corrID, ok := correlation.Current()
	if !ok {
		corrID = correlation.Generate()
	}
	correlation.SetCurrent(corrID)

	ev := Event{
		Type:          EventCall,
		Timestamp:     time.Now(),
		CorrelationID: corrID,
		Function:      id.String(),
		Args:          l.stringifyAll(args),
		Kwargs:        l.stringifyMap(kwargs),
	}
	l.emit(ev)
	return corrID
}

// LogReturn records a function exit. err is mutually exclusive with result.
// An empty corrID falls back to whatever the correlation store currently
// holds for this goroutine, even if that ID was installed by an earlier call.
func (l *Logger) LogReturn(id identity.Identity, result interface{}, d time.Duration, corrID string, err error) {
	if corrID == "" {
		corrID, _ = correlation.Current()
	}
	ev := Event{
		Type:          EventReturn,
		Timestamp:     time.Now(),
		CorrelationID: corrID,
		Function:      id.String(),
		DurationS:     d.Seconds(),
	}
	if err != nil {
		ev.Type = EventError
		ev.Error = l.stringify(err.Error())
	} else {
		ev.Result = l.stringify(fmt.Sprintf("%v", result))
	}
	l.emit(ev)
}

// LogMCPRequest emits a JSON-RPC-shaped request event; the request ID is the
// correlation ID.
func (l *Logger) LogMCPRequest(method string, params interface{}, requestID string) {
	ev := Event{
		Type:          EventMCPRequest,
		Timestamp:     time.Now(),
		CorrelationID: requestID,
		Method:        method,
		Params:        l.stringify(fmt.Sprintf("%v", params)),
	}
	l.emit(ev)
}

// LogMCPResponse emits a JSON-RPC-shaped response event correlated with its
// request ID.
func (l *Logger) LogMCPResponse(result interface{}, requestID string, err error) {
	ev := Event{
		Type:          EventMCPResponse,
		Timestamp:     time.Now(),
		CorrelationID: requestID,
	}
	if err != nil {
		ev.Error = l.stringify(err.Error())
	} else {
		ev.Result = l.stringify(fmt.Sprintf("%v", result))
	}
	l.emit(ev)
}

// Subscribe registers fn for every future event and returns a handle for
// Unsubscribe. Delivery is per-subscriber FIFO on a dedicated goroutine.
func (l *Logger) Subscribe(fn Subscriber) int {
	s := &subscriber{
		fn:    fn,
		queue: make(chan Event, subscriberQueueCap),
		done:  make(chan struct{}),
	}
	go s.run(l.zlog)

	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = s
	l.order = append(l.order, id)
	return id
}

// Unsubscribe removes a subscriber; pending queued events are still
// delivered.
func (l *Logger) Unsubscribe(id int) {
	l.mu.Lock()
	s, ok := l.subs[id]
	if ok {
		delete(l.subs, id)
		for i, v := range l.order {
			if v == id {
				l.order = append(l.order[:i], l.order[i+1:]...)
				break
			}
		}
	}
	l.mu.Unlock()
	if ok {
		close(s.queue)
		<-s.done
	}
}

// Dropped returns the total number of events dropped across subscribers.
func (l *Logger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, s := range l.subs {
		n += s.dropped
	}
	return n
}

// SubscriberFaults returns the total number of recovered subscriber panics.
func (l *Logger) SubscriberFaults() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, s := range l.subs {
		n += s.faults
	}
	return n
}

// Recent returns up to n most recent events, oldest first.
func (l *Logger) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.ring) {
		n = len(l.ring)
	}
	out := make([]Event, n)
	copy(out, l.ring[len(l.ring)-n:])
	return out
}

func (s *subscriber) run(zlog *zap.Logger) {
	defer close(s.done)
	for ev := range s.queue {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					s.faults++
					zlog.Debug("subscriber panicked", zap.Any("panic", rec))
				}
			}()
			s.fn(ev)
		}()
	}
}

// emit appends to the ring, enqueues to subscribers and renders to the sink.
// Ring and subscriber queues are updated under one lock acquisition so no
// subscriber can observe a later event before an earlier one delivered to it.
func (l *Logger) emit(ev Event) {
	l.mu.Lock()
	l.ring = append(l.ring, ev)
	if len(l.ring) > l.ringCap {
		l.ring = l.ring[len(l.ring)-l.ringCap:]
	}
	for _, id := range l.order {
		s := l.subs[id]
		select {
		case s.queue <- ev:
		default:
			// Full: drop the oldest queued event to make room.
			select {
			case <-s.queue:
				s.dropped++
			default:
			}
			select {
			case s.queue <- ev:
			default:
				s.dropped++
			}
		}
	}
	line := l.render(ev)
	out := l.out
	if l.format == config.FormatFile {
		if err := l.rotate(ev.Timestamp); err == nil {
			out = l.out
		}
	}
	store := l.store
	l.mu.Unlock()

	if _, err := io.WriteString(out, line+"\n"); err != nil {
		l.zlog.Debug("event sink write failed", zap.Error(err))
	}
	if store != nil {
		if err := store.Append(ev); err != nil {
			l.zlog.Debug("event store append failed", zap.Error(err))
		}
	}
}

func (l *Logger) render(ev Event) string {
	switch l.format {
	case config.FormatJSONRPC:
		return ev.renderJSONRPC()
	case config.FormatStructured:
		return ev.renderStructured()
	case config.FormatMCPDebug:
		return ev.renderMCPDebug()
	default:
		return ev.renderConsole()
	}
}

// stringify renders and, when filtering is on, redacts one payload string.
func (l *Logger) stringify(s string) string {
	if l.maxLen > 0 && len(s) > l.maxLen {
		s = s[:l.maxLen] + "…"
	}
	if l.filter {
		s = l.redactor.String(s)
	}
	return s
}

func (l *Logger) stringifyAll(args []interface{}) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = l.stringify(fmt.Sprintf("%v", a))
	}
	return out
}

func (l *Logger) stringifyMap(kwargs map[string]interface{}) map[string]string {
	if len(kwargs) == 0 {
		return nil
	}
	out := make(map[string]string, len(kwargs))
	for k, v := range kwargs {
		// Redaction sees the k=v form so key-anchored patterns apply.
		joined := l.stringify(fmt.Sprintf("%s=%v", k, v))
		out[k] = trimKeyPrefix(joined, k)
	}
	return out
}

func trimKeyPrefix(joined, key string) string {
	if len(joined) > len(key) && joined[:len(key)] == key && joined[len(key)] == '=' {
		return joined[len(key)+1:]
	}
	return joined
}
