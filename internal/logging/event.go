// Package logging emits structured call events with correlation IDs,
// sensitive-data redaction and best-effort subscriber fan-out. Rendering
// supports console, rotating file, JSON-RPC, key=value and mcp_debug modes.
package logging

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"mystic/internal/identity"
)

// EventType discriminates call records.
type EventType string

const (
	EventCall        EventType = "call"
	EventReturn      EventType = "return"
	EventError       EventType = "error"
	EventMCPRequest  EventType = "mcp_request"
	EventMCPResponse EventType = "mcp_response"
)

// Event is one call record. Args, Kwargs and Result are stringified (and
// redacted when filtering is on) before the event leaves the logger.
type Event struct {
	Type          EventType         `json:"type"`
	Timestamp     time.Time         `json:"ts"`
	CorrelationID string            `json:"correlation_id"`
	Function      string            `json:"function,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Kwargs        map[string]string `json:"kwargs,omitempty"`
	Result        string            `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	DurationS     float64           `json:"duration_s,omitempty"`
	MemoryDelta   *int64            `json:"memory_delta,omitempty"`

	// MCP request/response payloads.
	Method string `json:"method,omitempty"`
	Params string `json:"params,omitempty"`
}

// Identity parses the event's function field back into an identity. Zero for
// MCP events.
func (e Event) Identity() identity.Identity {
	id, err := identity.Parse(e.Function)
	if err != nil {
		return identity.Identity{QualName: e.Function}
	}
	return id
}

// argList renders "a, b, k=v" for the human formats, kwargs in sorted order.
func (e Event) argList() string {
	parts := make([]string, 0, len(e.Args)+len(e.Kwargs))
	parts = append(parts, e.Args...)
	keys := make([]string, 0, len(e.Kwargs))
	for k := range e.Kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+e.Kwargs[k])
	}
	return strings.Join(parts, ", ")
}

// renderConsole is the human one-liner used by console and file modes.
func (e Event) renderConsole() string {
	ts := e.Timestamp.Format("15:04:05.000")
	switch e.Type {
	case EventCall:
		return fmt.Sprintf("%s → %s(%s) [%s]", ts, e.Function, e.argList(), shortID(e.CorrelationID))
	case EventReturn:
		return fmt.Sprintf("%s ← %s = %s (%.6fs) [%s]", ts, e.Function, e.Result, e.DurationS, shortID(e.CorrelationID))
	case EventError:
		return fmt.Sprintf("%s ✗ %s !! %s (%.6fs) [%s]", ts, e.Function, e.Error, e.DurationS, shortID(e.CorrelationID))
	case EventMCPRequest:
		return fmt.Sprintf("%s → mcp %s %s [%s]", ts, e.Method, e.Params, shortID(e.CorrelationID))
	case EventMCPResponse:
		if e.Error != "" {
			return fmt.Sprintf("%s ← mcp error %s [%s]", ts, e.Error, shortID(e.CorrelationID))
		}
		return fmt.Sprintf("%s ← mcp %s [%s]", ts, e.Result, shortID(e.CorrelationID))
	}
	return fmt.Sprintf("%s ? unknown event", ts)
}

// renderJSONRPC emits one JSON object per event.
func (e Event) renderJSONRPC() string {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "mystic/event",
		"params":  e,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"jsonrpc":"2.0","method":"mystic/event","error":%q}`, err.Error())
	}
	return string(data)
}

// renderStructured emits key=value pairs.
func (e Event) renderStructured() string {
	var b strings.Builder
	fmt.Fprintf(&b, "type=%s ts=%s correlation_id=%s", e.Type, e.Timestamp.Format(time.RFC3339Nano), e.CorrelationID)
	if e.Function != "" {
		fmt.Fprintf(&b, " function=%s", e.Function)
	}
	if len(e.Args) > 0 || len(e.Kwargs) > 0 {
		fmt.Fprintf(&b, " args=%q", e.argList())
	}
	if e.Result != "" {
		fmt.Fprintf(&b, " result=%q", e.Result)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, " error=%q", e.Error)
	}
	if e.Type == EventReturn || e.Type == EventError {
		fmt.Fprintf(&b, " duration_s=%.6f", e.DurationS)
	}
	if e.MemoryDelta != nil {
		fmt.Fprintf(&b, " memory_delta=%d", *e.MemoryDelta)
	}
	if e.Method != "" {
		fmt.Fprintf(&b, " method=%s", e.Method)
	}
	return b.String()
}

// renderMCPDebug emits indented JSON with a direction arrow, the way MCP
// debugging proxies print traffic.
func (e Event) renderMCPDebug() string {
	arrow := "→"
	switch e.Type {
	case EventReturn, EventError, EventMCPResponse:
		arrow = "←"
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return arrow + " <unencodable event>"
	}
	return arrow + " " + string(data)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
