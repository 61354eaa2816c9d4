package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mystic/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control plane is a local debugging tool; cross-origin browser
	// dashboards are expected.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HTTPServer serves the JSON-RPC surface over HTTP POST, server-sent
// events, a websocket stream of live call notifications and an optional
// Prometheus endpoint.
type HTTPServer struct {
	rt   *Runtime
	srv  *http.Server
	zlog *zap.Logger
}

// NewHTTPServer builds the HTTP surface bound to addr.
func NewHTTPServer(rt *Runtime, addr string) *HTTPServer {
	s := &HTTPServer{rt: rt, zlog: rt.zlog}

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(rt.tracker))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/sse", s.handleSSE)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving until Shutdown.
func (s *HTTPServer) ListenAndServe() error {
	s.zlog.Info("http transport listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: http: %w", err)
	}
	return nil
}

// Serve serves on an existing listener (used by tests).
func (s *HTTPServer) Serve(ln net.Listener) error {
	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: http: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": "0.1.0",
		"time":    time.Now().Format(time.RFC3339),
		"components": map[string]string{
			"hijacker":  "ready",
			"inspector": "ready",
			"logger":    "ready",
			"tracker":   "ready",
			"state":     "ready",
		},
	})
}

func (s *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, errorResponse(nil, CodeParse, "parse error", err.Error()))
		return
	}
	resp := s.rt.Handle(req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSSE streams live call notifications as server-sent events. JSON-RPC
// requests ride on POST /rpc; this endpoint is one-way.
func (s *HTTPServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, ch := s.rt.SubscribeStream()
	defer s.rt.UnsubscribeStream(id)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case n, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data)
			flusher.Flush()
		}
	}
}

// handleWS streams live call notifications over a websocket.
func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.zlog.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id, ch := s.rt.SubscribeStream()
	defer s.rt.UnsubscribeStream(id)

	// Reader goroutine only notices client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(n); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
