package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"mystic/internal/config"
	"mystic/internal/correlation"
	"mystic/internal/identity"
)

func testConfig(t *testing.T, format config.LogFormat) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.LogFormat = format
	cfg.FilterSensitive = true
	cfg.DataDir = t.TempDir()
	cfg.LogDir = cfg.DataDir
	cfg.CacheDir = cfg.DataDir
	return cfg
}

func newTestLogger(t *testing.T, format config.LogFormat) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(testConfig(t, format), nil, WithOutput(&buf))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, &buf
}

var loginID = identity.New("app", "Login")

func TestCorrelationContinuity(t *testing.T) {
	correlation.Clear()
	l, _ := newTestLogger(t, config.FormatConsole)

	corrID := l.LogCall(loginID, []interface{}{"alice"}, map[string]interface{}{"password": "hunter2"})
	if corrID == "" {
		t.Fatal("LogCall must return a correlation id")
	}
	l.LogReturn(loginID, "welcome", time.Millisecond, corrID, nil)

	events := l.Recent(0)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].CorrelationID != events[1].CorrelationID {
		t.Fatalf("call and return carry different ids: %s vs %s",
			events[0].CorrelationID, events[1].CorrelationID)
	}
	if events[0].Type != EventCall || events[1].Type != EventReturn {
		t.Fatalf("event types wrong: %s, %s", events[0].Type, events[1].Type)
	}
}

func TestRedactionInEvents(t *testing.T) {
	correlation.Clear()
	l, buf := newTestLogger(t, config.FormatConsole)

	l.LogCall(loginID, []interface{}{"alice"}, map[string]interface{}{"password": "hunter2"})

	events := l.Recent(1)
	if got := events[0].Kwargs["password"]; got != "****" {
		t.Fatalf("password not masked in event: %q", got)
	}
	if events[0].Args[0] != "alice" {
		t.Fatalf("innocent arg rewritten: %q", events[0].Args[0])
	}
	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Fatalf("secret leaked to sink: %s", out)
	}
	if !strings.Contains(out, "password=****") {
		t.Fatalf("masked pair missing from sink: %s", out)
	}
	if !strings.Contains(out, "alice") {
		t.Fatalf("caller identity missing from sink: %s", out)
	}
}

func TestReturnWithoutExplicitID(t *testing.T) {
	correlation.Clear()
	l, _ := newTestLogger(t, config.FormatConsole)

	corrID := l.LogCall(loginID, nil, nil)
	// A return that lost its id falls back to whatever the goroutine holds.
	l.LogReturn(loginID, 1, time.Millisecond, "", nil)
	events := l.Recent(0)
	if events[1].CorrelationID != corrID {
		t.Fatalf("fallback id = %q, want %q", events[1].CorrelationID, corrID)
	}
	correlation.Clear()
}

func TestErrorEvent(t *testing.T) {
	correlation.Clear()
	l, _ := newTestLogger(t, config.FormatConsole)
	id := l.LogCall(loginID, nil, nil)
	l.LogReturn(loginID, nil, time.Millisecond, id, errTest)
	events := l.Recent(1)
	if events[0].Type != EventError || events[0].Error == "" {
		t.Fatalf("error event wrong: %+v", events[0])
	}
	if events[0].Result != "" {
		t.Fatal("error and result must be mutually exclusive")
	}
}

var errTest = errorString("kaput")

type errorString string

func (e errorString) Error() string { return string(e) }

func TestJSONRPCFormat(t *testing.T) {
	correlation.Clear()
	l, buf := newTestLogger(t, config.FormatJSONRPC)
	l.LogCall(loginID, []interface{}{1}, nil)

	line := strings.TrimSpace(buf.String())
	var payload struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  Event  `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("json_rpc mode emitted invalid JSON: %v\n%s", err, line)
	}
	if payload.JSONRPC != "2.0" || payload.Params.Function != "app.Login" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestStructuredFormat(t *testing.T) {
	correlation.Clear()
	l, buf := newTestLogger(t, config.FormatStructured)
	id := l.LogCall(loginID, nil, nil)
	l.LogReturn(loginID, 42, 2*time.Millisecond, id, nil)

	out := buf.String()
	if !strings.Contains(out, "type=call") || !strings.Contains(out, "type=return") {
		t.Fatalf("structured lines missing types: %s", out)
	}
	if !strings.Contains(out, "duration_s=0.002000") {
		t.Fatalf("duration missing: %s", out)
	}
}

func TestMCPDebugFormat(t *testing.T) {
	correlation.Clear()
	l, buf := newTestLogger(t, config.FormatMCPDebug)
	l.LogMCPRequest("tools/call", map[string]string{"name": "x"}, "req-9")
	l.LogMCPResponse("ok", "req-9", nil)

	out := buf.String()
	if !strings.Contains(out, "→") || !strings.Contains(out, "←") {
		t.Fatalf("direction arrows missing: %s", out)
	}
}

func TestMCPRequestCorrelation(t *testing.T) {
	correlation.Clear()
	l, _ := newTestLogger(t, config.FormatConsole)
	l.LogMCPRequest("inspect_function", nil, "42")
	l.LogMCPResponse(map[string]bool{"ok": true}, "42", nil)
	events := l.Recent(0)
	if events[0].CorrelationID != "42" || events[1].CorrelationID != "42" {
		t.Fatalf("request id not used as correlation id: %+v", events)
	}
}

func TestSubscriberFanOutOrder(t *testing.T) {
	correlation.Clear()
	l, _ := newTestLogger(t, config.FormatConsole)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 10)
	sub := l.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, string(ev.Type))
		mu.Unlock()
		done <- struct{}{}
	})
	defer l.Unsubscribe(sub)

	id := l.LogCall(loginID, nil, nil)
	l.LogReturn(loginID, 1, time.Millisecond, id, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber starved")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "call" || got[1] != "return" {
		t.Fatalf("delivery out of order: %v", got)
	}
}

func TestSubscriberPanicSwallowed(t *testing.T) {
	correlation.Clear()
	l, _ := newTestLogger(t, config.FormatConsole)
	delivered := make(chan struct{}, 1)
	l.Subscribe(func(Event) {
		select {
		case delivered <- struct{}{}:
		default:
		}
		panic("subscriber bug")
	})

	l.LogCall(loginID, nil, nil) // must not panic the producer
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never ran")
	}
	// Allow the panic recovery to be recorded.
	deadline := time.Now().Add(2 * time.Second)
	for l.SubscriberFaults() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("fault not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRingBuffer(t *testing.T) {
	correlation.Clear()
	l, _ := newTestLogger(t, config.FormatConsole)
	for i := 0; i < 5; i++ {
		l.LogCall(loginID, []interface{}{i}, nil)
	}
	recent := l.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Recent(2) = %d events", len(recent))
	}
	if recent[1].Args[0] != "4" {
		t.Fatalf("latest event wrong: %v", recent[1].Args)
	}
	correlation.Clear()
}

func TestDecoratorLogCallsAndReturns(t *testing.T) {
	correlation.Clear()
	l, _ := newTestLogger(t, config.FormatConsole)

	wrapped := l.LogCallsAndReturns(add).(func(int, int) int)
	if got := wrapped(2, 3); got != 5 {
		t.Fatalf("wrapped(2,3) = %d", got)
	}
	events := l.Recent(0)
	if len(events) != 2 {
		t.Fatalf("got %d events, want call+return", len(events))
	}
	if events[1].Result != "5" {
		t.Fatalf("result = %q", events[1].Result)
	}
	correlation.Clear()
}

func add(a, b int) int { return a + b }

func TestDecoratorFiltered(t *testing.T) {
	correlation.Clear()
	l, _ := newTestLogger(t, config.FormatConsole)

	wrapped := FilteredLog(l,
		func(args []string) []string {
			for i := range args {
				args[i] = "<arg>"
			}
			return args
		},
		func(string) string { return "<result>" },
		add,
	).(func(int, int) int)

	wrapped(1, 2)
	events := l.Recent(0)
	if events[0].Args[0] != "<arg>" {
		t.Fatalf("arg filter ignored: %v", events[0].Args)
	}
	if events[1].Result != "<result>" {
		t.Fatalf("return filter ignored: %q", events[1].Result)
	}
	correlation.Clear()
}
