package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"mystic/internal/correlation"
)

// protocolVersion is the MCP protocol revision this server speaks.
const protocolVersion = "2024-11-05"

// Handle dispatches one JSON-RPC request. Notifications (no ID) return nil.
// The request ID doubles as the correlation ID for everything the handler
// logs.
func (rt *Runtime) Handle(req Request) *Response {
	if req.Method == "" {
		resp := errorResponse(req.ID, CodeInvalidRequest, "missing method", nil)
		return &resp
	}

	isNotification := len(req.ID) == 0
	corrID := strings.Trim(string(req.ID), `"`)
	if corrID == "" {
		corrID = correlation.Generate()
	}
	exit := correlation.Enter(corrID)
	defer exit()

	rt.logger.LogMCPRequest(req.Method, string(req.Params), corrID)

	var result interface{}
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result = map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools":   map[string]interface{}{},
				"logging": map[string]interface{}{},
			},
			"serverInfo": map[string]string{
				"name":    "mystic",
				"version": "0.1.0",
			},
		}
	case "notifications/initialized":
		return nil
	case "ping":
		result = map[string]interface{}{}
	case "tools/list":
		result = map[string]interface{}{"tools": ToolDefs()}
	case "tools/call":
		var params struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			rpcErr = &RPCError{Code: CodeInvalidParams, Message: "invalid tools/call params", Data: err.Error()}
			break
		}
		result, rpcErr = rt.CallTool(params.Name, params.Arguments)
	default:
		// Direct tool invocation without the tools/call envelope.
		if findTool(req.Method) != nil {
			var args map[string]interface{}
			if len(req.Params) > 0 {
				if err := json.Unmarshal(req.Params, &args); err != nil {
					rpcErr = &RPCError{Code: CodeInvalidParams, Message: "invalid params", Data: err.Error()}
					break
				}
			}
			result, rpcErr = rt.CallTool(req.Method, args)
			break
		}
		rpcErr = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}

	if rpcErr != nil {
		rt.logger.LogMCPResponse(nil, corrID, rpcErr)
	} else {
		rt.logger.LogMCPResponse(result, corrID, nil)
	}

	if isNotification {
		return nil
	}
	var resp Response
	if rpcErr != nil {
		resp = errorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	} else {
		resp = resultResponse(req.ID, result)
	}
	return &resp
}

// ServeStdio reads newline-delimited JSON-RPC from r and writes responses to
// w until EOF or context cancellation. Event rendering must not share w;
// callers route the call logger elsewhere before serving stdio.
func (rt *Runtime) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var writeMu sync.Mutex
	write := func(resp *Response) {
		if resp == nil {
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			rt.zlog.Error("cannot marshal response", zap.Error(err))
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = w.Write(append(data, '\n'))
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp := errorResponse(nil, CodeParse, "parse error", err.Error())
			write(&resp)
			continue
		}
		write(rt.Handle(req))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("server: stdio read: %w", err)
	}
	return nil
}
