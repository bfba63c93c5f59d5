package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"

	"github.com/haasonsaas/conduit/internal/runtime"
	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	defaultQRSize = 256
	maxQRSize     = 1024
)

func (s *Server) startHTTPServer() error {
	listener, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

func (s *Server) stopHTTPServer(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
}

// Handler builds the HTTP routes. It requires a started registry.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, label string, h http.HandlerFunc) {
		mux.Handle(pattern, instrumentMiddleware(s.metrics, s.tracer, label, h))
	}

	handle("GET /healthz", "/healthz", s.handleHealthz)
	handle("GET /api/sessions", "/api/sessions", s.handleListSessions)
	handle("GET /api/sessions/{id}", "/api/sessions/{id}", s.handleSessionStatus)
	handle("GET /api/sessions/{id}/conversation", "/api/sessions/{id}/conversation", s.handleConversation)
	handle("GET /api/models", "/api/models", s.handleModels)
	handle("GET /api/commands", "/api/commands", s.handleCommands)
	handle("GET /api/qr", "/api/qr", s.handleQR)
	if s.promRegistry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
	}
	if s.ws != nil {
		mux.Handle("/ws", s.ws)
	}
	return loggingMiddleware(s.logger, mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	uptime := time.Duration(0)
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Truncate(time.Second)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  uptime.String(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List(r.Context())
	if list == nil {
		list = []models.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.registry.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := s.registry.LoadConversation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.ConversationEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": id, "entries": entries})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.Models(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": list})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.Commands(r.Context(), r.URL.Query().Get("cwd"))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []runtime.CommandInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": list})
}

// handleQR renders the WebSocket URL of this broker as a PNG so a phone on
// the same network can connect.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	size := defaultQRSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 64 || n > maxQRSize {
			writeJSON(w, http.StatusBadRequest, wsError{Code: "invalid_params", Message: "size must be between 64 and 1024"})
			return
		}
		size = n
	}
	png, err := qrcode.Encode(WebSocketURL(r), qrcode.Medium, size)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// WebSocketURL derives the externally visible /ws URL from r, honoring
// reverse proxy headers.
func WebSocketURL(r *http.Request) string {
	scheme := "ws"
	proto := forwardedProtoFromRequest(r)
	if proto == "https" || (proto == "" && r.TLS != nil) {
		scheme = "wss"
	}
	return scheme + "://" + requestHostFromRequest(r) + "/ws"
}

func requestHostFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if host := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); host != "" {
		if idx := strings.IndexByte(host, ','); idx >= 0 {
			host = host[:idx]
		}
		return strings.TrimSpace(host)
	}
	return r.Host
}

func forwardedProtoFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if idx := strings.IndexByte(proto, ','); idx >= 0 {
		proto = proto[:idx]
	}
	return strings.ToLower(strings.TrimSpace(proto))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

func writeError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "not_found", "permission_not_found":
		status = http.StatusNotFound
	case "invalid_params":
		status = http.StatusBadRequest
	case "session_running":
		status = http.StatusConflict
	case "unavailable":
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, wsError{Code: code, Message: err.Error()})
}
