package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"mystic/internal/config"
	"mystic/internal/hijack"
	"mystic/internal/identity"
	"mystic/internal/inspect"
	"mystic/internal/scripts"
	"mystic/internal/state"
)

// toolSpec pairs a tool's schema with its handler. Schemas are compiled once
// at runtime construction and every tools/call is validated against them.
type toolSpec struct {
	name        string
	description string
	schema      string
	compiled    *jsonschema.Schema
	handler     func(rt *Runtime, params map[string]interface{}) (interface{}, error)
}

var toolSpecs = []*toolSpec{
	{
		name:        "discover_functions",
		description: "List functions registered with the control plane.",
		schema: `{
			"type": "object",
			"properties": {
				"module_filter": {"type": "string"},
				"include_private": {"type": "boolean"}
			},
			"additionalProperties": false
		}`,
		handler: handleDiscover,
	},
	{
		name:        "inspect_function",
		description: "Full signature, documentation, AST and schema analysis of one function.",
		schema: `{
			"type": "object",
			"properties": {"full_name": {"type": "string"}},
			"required": ["full_name"],
			"additionalProperties": false
		}`,
		handler: handleInspect,
	},
	{
		name:        "hijack_function",
		description: "Attach an interception strategy to a function.",
		schema: `{
			"type": "object",
			"properties": {
				"full_name": {"type": "string"},
				"strategy": {"type": "string", "enum": ["cache", "mock", "block", "redirect", "analyze"]},
				"options": {"type": "object"}
			},
			"required": ["full_name", "strategy"],
			"additionalProperties": false
		}`,
		handler: handleHijack,
	},
	{
		name:        "unhijack_function",
		description: "Restore a function's original binding.",
		schema: `{
			"type": "object",
			"properties": {"full_name": {"type": "string"}},
			"required": ["full_name"],
			"additionalProperties": false
		}`,
		handler: handleUnhijack,
	},
	{
		name:        "list_hijacked",
		description: "List hijacked functions and their active strategies.",
		schema:      `{"type": "object", "additionalProperties": false}`,
		handler:     handleListHijacked,
	},
	{
		name:        "get_function_metrics",
		description: "Rolling performance statistics for one or all functions.",
		schema: `{
			"type": "object",
			"properties": {"full_name": {"type": "string"}},
			"additionalProperties": false
		}`,
		handler: handleMetrics,
	},
	{
		name:        "state_snapshots",
		description: "Query captured state snapshots.",
		schema: `{
			"type": "object",
			"properties": {
				"kind": {"type": "string"},
				"function": {"type": "string"},
				"limit": {"type": "integer", "minimum": 0},
				"offset": {"type": "integer", "minimum": 0}
			},
			"additionalProperties": false
		}`,
		handler: handleSnapshots,
	},
	{
		name:        "state_timeline",
		description: "Summary of the snapshot timeline: count, cursor and bookmarks.",
		schema:      `{"type": "object", "additionalProperties": false}`,
		handler:     handleTimeline,
	},
	{
		name:        "logs_query",
		description: "Recent call events, optionally filtered by function and time.",
		schema: `{
			"type": "object",
			"properties": {
				"identity": {"type": "string"},
				"since": {"type": "string"},
				"limit": {"type": "integer", "minimum": 0}
			},
			"additionalProperties": false
		}`,
		handler: handleLogs,
	},
	{
		name:        "load_script",
		description: "Evaluate Go source and register its exported functions.",
		schema: `{
			"type": "object",
			"properties": {
				"module": {"type": "string"},
				"source": {"type": "string"}
			},
			"required": ["module", "source"],
			"additionalProperties": false
		}`,
		handler: handleLoadScript,
	},
}

func init() {
	for _, spec := range toolSpecs {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(spec.name+".json", strings.NewReader(spec.schema)); err != nil {
			panic(fmt.Sprintf("server: tool schema %s: %v", spec.name, err))
		}
		compiled, err := c.Compile(spec.name + ".json")
		if err != nil {
			panic(fmt.Sprintf("server: compile tool schema %s: %v", spec.name, err))
		}
		spec.compiled = compiled
	}
}

func findTool(name string) *toolSpec {
	for _, spec := range toolSpecs {
		if spec.name == name {
			return spec
		}
	}
	return nil
}

// ToolDefs returns the tools/list payload.
func ToolDefs() []ToolDef {
	out := make([]ToolDef, len(toolSpecs))
	for i, spec := range toolSpecs {
		var compact bytes.Buffer
		_ = json.Compact(&compact, []byte(spec.schema))
		out[i] = ToolDef{
			Name:        spec.name,
			Description: spec.description,
			InputSchema: json.RawMessage(compact.Bytes()),
		}
	}
	return out
}

// CallTool validates args against the tool's schema and runs the handler.
// Schema violations map to invalid-params; unknown functions and other
// application failures map to code -32000.
func (rt *Runtime) CallTool(name string, args map[string]interface{}) (interface{}, *RPCError) {
	spec := findTool(name)
	if spec == nil {
		return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown tool %q", name)}
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := spec.compiled.Validate(normalizeForSchema(args)); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid arguments for %s", name), Data: err.Error()}
	}
	result, err := spec.handler(rt, args)
	if err != nil {
		return nil, &RPCError{Code: CodeApplication, Message: err.Error()}
	}
	return result, nil
}

// normalizeForSchema round-trips args through JSON so the validator sees
// canonical types (json.Number free, float64 numbers).
func normalizeForSchema(args map[string]interface{}) interface{} {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}

func handleDiscover(rt *Runtime, params map[string]interface{}) (interface{}, error) {
	opts := scriptsDiscoverOptions(params)
	funcs := rt.table.Discover(opts)
	out := make([]DiscoveredFunction, 0, len(funcs))
	for _, f := range funcs {
		out = append(out, DiscoveredFunction{
			Name:      f.Identity.QualName,
			Module:    f.Identity.Module,
			FullName:  f.Identity.String(),
			Signature: f.Signature,
			Docstring: f.Doc,
			File:      f.File,
			Line:      f.Line,
			IsAsync:   false,
			Hijacked:  rt.table.Hijacked(f.Identity),
		})
	}
	return map[string]interface{}{"functions": out, "count": len(out)}, nil
}

func handleInspect(rt *Runtime, params map[string]interface{}) (interface{}, error) {
	id, fn, err := rt.resolve(params)
	if err != nil {
		return nil, err
	}
	analysis, err := rt.inspector.Inspect(inspect.Target{
		Identity: id,
		Source:   fn.Source,
		File:     fn.File,
		Line:     fn.Line,
		Doc:      fn.Doc,
	})
	if err != nil {
		return nil, err
	}
	return analysis, nil
}

func handleHijack(rt *Runtime, params map[string]interface{}) (interface{}, error) {
	id, _, err := rt.resolve(params)
	if err != nil {
		return nil, err
	}
	strategyName, _ := params["strategy"].(string)
	options, _ := params["options"].(map[string]interface{})

	strategy, err := rt.buildStrategy(strategyName, options)
	if err != nil {
		return nil, err
	}

	original, _ := rt.table.Original(id)
	h := rt.registry.Ensure(id, original, []hijack.Strategy{strategy},
		hijack.WithLogger(rt.logger),
		hijack.WithTracker(rt.tracker),
		hijack.WithEnvironment(rt.cfg.Environment),
		hijack.WithNotifier(rt.broadcast),
	)
	if err := rt.table.Bind(id, h.Call); err != nil {
		return nil, err
	}

	names := make([]string, 0)
	for _, s := range h.Strategies() {
		names = append(names, s.Name())
	}
	return map[string]interface{}{
		"ok":         true,
		"identity":   id.String(),
		"strategies": names,
	}, nil
}

func handleUnhijack(rt *Runtime, params map[string]interface{}) (interface{}, error) {
	id, _, err := rt.resolve(params)
	if err != nil {
		return nil, err
	}
	if _, err := rt.registry.Unhijack(id); err != nil {
		return nil, err
	}
	if err := rt.table.Restore(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true, "identity": id.String()}, nil
}

func handleListHijacked(rt *Runtime, _ map[string]interface{}) (interface{}, error) {
	hijackers := rt.registry.List()
	out := make([]map[string]interface{}, 0, len(hijackers))
	for _, h := range hijackers {
		out = append(out, h.Metrics())
	}
	return map[string]interface{}{"hijacked": out, "count": len(out)}, nil
}

func handleMetrics(rt *Runtime, params map[string]interface{}) (interface{}, error) {
	if full, ok := params["full_name"].(string); ok && full != "" {
		id, err := identity.Parse(full)
		if err != nil {
			return nil, err
		}
		entry, ok := rt.tracker.Get(id)
		if !ok {
			return nil, fmt.Errorf("no metrics recorded for %s", full)
		}
		return entry, nil
	}
	return rt.tracker.Snapshot(), nil
}

func handleSnapshots(rt *Runtime, params map[string]interface{}) (interface{}, error) {
	f := state.Filter{}
	if kind, ok := params["kind"].(string); ok {
		f.Kind = state.Kind(kind)
	}
	if fn, ok := params["function"].(string); ok {
		f.FunctionName = fn
	}
	limit := intParam(params, "limit", 10)
	offset := intParam(params, "offset", 0)
	snaps := rt.states.List(f, limit, offset)
	return map[string]interface{}{"snapshots": snaps, "count": len(snaps)}, nil
}

func handleTimeline(rt *Runtime, _ map[string]interface{}) (interface{}, error) {
	return rt.states.TimelineSummary(), nil
}

func handleLogs(rt *Runtime, params map[string]interface{}) (interface{}, error) {
	function, _ := params["identity"].(string)
	limit := intParam(params, "limit", 100)
	var since time.Time
	if s, ok := params["since"].(string); ok && s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("since must be RFC3339: %w", err)
		}
		since = ts
	}

	if rt.events != nil {
		events, err := rt.events.Query(function, since, limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"events": events, "count": len(events)}, nil
	}

	// Ring-buffer fallback.
	recent := rt.logger.Recent(0)
	filtered := recent[:0:0]
	for _, ev := range recent {
		if function != "" && ev.Function != function {
			continue
		}
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		filtered = append(filtered, ev)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return map[string]interface{}{"events": filtered, "count": len(filtered)}, nil
}

func handleLoadScript(rt *Runtime, params map[string]interface{}) (interface{}, error) {
	module, _ := params["module"].(string)
	source, _ := params["source"].(string)
	ids, err := rt.LoadScript(module, source)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.String()
	}
	return map[string]interface{}{"ok": true, "functions": names}, nil
}

// resolve looks up full_name in the function table.
func (rt *Runtime) resolve(params map[string]interface{}) (identity.Identity, scripts.Function, error) {
	full, _ := params["full_name"].(string)
	id, err := identity.Parse(full)
	if err != nil {
		return identity.Identity{}, scripts.Function{}, err
	}
	fn, ok := rt.table.Lookup(id)
	if !ok {
		return id, scripts.Function{}, fmt.Errorf("function %s not registered", full)
	}
	return id, fn, nil
}

func scriptsDiscoverOptions(params map[string]interface{}) scripts.DiscoverOptions {
	opts := scripts.DiscoverOptions{}
	if mf, ok := params["module_filter"].(string); ok {
		opts.ModuleFilter = mf
	}
	if ip, ok := params["include_private"].(bool); ok {
		opts.IncludePrivate = ip
	}
	return opts
}

func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// buildStrategy constructs a strategy from tool options.
func (rt *Runtime) buildStrategy(name string, options map[string]interface{}) (hijack.Strategy, error) {
	switch name {
	case "cache":
		ttl, _ := options["ttl"].(string)
		if ttl == "" {
			ttl = rt.cfg.CacheTTL
		}
		opts := []hijack.CacheOption{hijack.WithCacheLogger(rt.zlog)}
		if max := intParam(options, "max_entries", 0); max > 0 {
			opts = append(opts, hijack.WithMaxEntries(max))
		}
		if dir, ok := options["cache_dir"].(string); ok && dir != "" {
			opts = append(opts, hijack.WithCacheDir(dir))
		}
		return hijack.NewCache(ttl, opts...), nil
	case "mock":
		data := options["data"]
		var mockOpts []hijack.MockOption
		if envs, ok := options["environments"].([]interface{}); ok {
			list := make([]config.Environment, 0, len(envs))
			for _, e := range envs {
				if s, ok := e.(string); ok {
					list = append(list, config.Environment(s))
				}
			}
			mockOpts = append(mockOpts, hijack.WithEnvironments(list...))
		}
		return hijack.NewMock(data, mockOpts...), nil
	case "block":
		reason, _ := options["reason"].(string)
		if reason == "" {
			reason = "blocked via MCP"
		}
		var blockOpts []hijack.BlockOption
		if raise, ok := options["raise_error"].(bool); ok {
			blockOpts = append(blockOpts, hijack.WithRaiseError(raise))
		}
		if sentinel, ok := options["return_value"]; ok {
			blockOpts = append(blockOpts, hijack.WithSentinel(sentinel))
		}
		return hijack.NewBlock(reason, blockOpts...), nil
	case "redirect":
		targetName, _ := options["target"].(string)
		targetID, err := identity.Parse(targetName)
		if err != nil {
			return nil, fmt.Errorf("redirect target: %w", err)
		}
		target, ok := rt.table.Original(targetID)
		if !ok {
			return nil, fmt.Errorf("redirect target %s not registered", targetName)
		}
		return hijack.NewRedirect(targetName, target), nil
	case "analyze":
		return hijack.NewAnalysis(), nil
	}
	return nil, errors.New("unknown strategy " + name)
}
