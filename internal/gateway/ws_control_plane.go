package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/runtime"
	"github.com/haasonsaas/conduit/internal/sessions"
	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	wsProtocolVersion = 1
	wsMaxPayloadBytes = 1 << 20
	wsSendQueueSize   = 64
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

var (
	errConnectionClosed = errors.New("connection closed")
	errPayloadTooLarge  = errors.New("payload too large")
	errSendQueueFull    = errors.New("send buffer full")
)

type wsControlPlane struct {
	registry *sessions.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
	started  time.Time
	upgrader websocket.Upgrader

	tickInterval time.Duration

	connMu sync.Mutex
	conns  map[*wsSession]struct{}
}

func newWSControlPlane(registry *sessions.Registry, metrics *observability.Metrics, tracer *observability.Tracer,
	allowedOrigins []string, logger *slog.Logger) *wsControlPlane {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsControlPlane{
		registry: registry,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With("component", "ws"),
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		tickInterval: wsTickInterval,
		conns:        make(map[*wsSession]struct{}),
	}
}

// closeAll drops every open connection.
func (h *wsControlPlane) closeAll() {
	h.connMu.Lock()
	open := make([]*wsSession, 0, len(h.conns))
	for s := range h.conns {
		open = append(open, s)
	}
	h.connMu.Unlock()
	for _, s := range open {
		s.cancel()
		_ = s.conn.Close()
	}
}

// originChecker allows any origin when allowed is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(strings.ToLower(origin), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(strings.ToLower(origin), "/")]
		return ok
	}
}

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      wsClientInfo `json:"client"`
}

type wsClientInfo struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	Platform  string `json:"platform"`
	UserAgent string `json:"userAgent,omitempty"`
}

type wsSessionParams struct {
	SessionID string `json:"sessionId"`
}

type wsStartParams struct {
	SessionID      string                `json:"sessionId,omitempty"`
	Prompt         string                `json:"prompt"`
	Cwd            string                `json:"cwd,omitempty"`
	Model          string                `json:"model,omitempty"`
	PermissionMode models.PermissionMode `json:"permissionMode,omitempty"`
	IdempotencyKey string                `json:"idempotencyKey,omitempty"`
}

type wsCommandsParams struct {
	Cwd string `json:"cwd,omitempty"`
}

type wsPermissionResponseParams struct {
	SessionID    string          `json:"sessionId"`
	RequestID    string          `json:"requestId"`
	Allowed      bool            `json:"allowed"`
	Reason       string          `json:"reason,omitempty"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	PolicyUpdate *wsPolicyUpdate `json:"policyUpdate,omitempty"`
}

type wsPolicyUpdate struct {
	Kind     models.PolicyUpdateKind `json:"kind"`
	ToolName string                  `json:"toolName,omitempty"`
	Mode     models.PermissionMode   `json:"mode,omitempty"`
}

// wsSession is one WebSocket connection. It is the registry subscriber for
// every session group the client joins.
type wsSession struct {
	control *wsControlPlane
	conn    *websocket.Conn
	// send carries batches of encoded frames; a batch occupies one slot so a
	// multi-frame replay is queued atomically.
	send    chan [][]byte
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	id          string
	connected   atomic.Bool
	idempotency map[string]string
	idemMu      sync.Mutex

	// sendMu orders seq assignment with queue insertion.
	sendMu sync.Mutex
	seq    int64

	abandonOnce sync.Once
}

var _ sessions.Subscriber = (*wsSession)(nil)

func (h *wsControlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	id := uuid.NewString()
	session := &wsSession{
		control:     h,
		conn:        conn,
		send:        make(chan [][]byte, wsSendQueueSize),
		ctx:         ctx,
		cancel:      cancel,
		logger:      h.logger.With("conn_id", id),
		id:          id,
		idempotency: make(map[string]string),
	}
	h.connMu.Lock()
	h.conns[session] = struct{}{}
	h.connMu.Unlock()
	h.metrics.WSConnectionOpened()
	session.logger.Debug("websocket connected", "remote", r.RemoteAddr)
	session.run()
}

func (s *wsSession) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	s.cancel()
	if s.connected.Load() {
		s.control.registry.Disconnect(s)
	}
	_ = s.conn.Close()
	s.control.connMu.Lock()
	delete(s.control.conns, s)
	s.control.connMu.Unlock()
	s.control.metrics.WSConnectionClosed()
	s.logger.Debug("websocket disconnected")
}

// ID implements sessions.Subscriber.
func (s *wsSession) ID() string {
	return s.id
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		// Any client traffic counts as liveness.
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := s.decodeFrame(data)
		if err != nil {
			id := ""
			if frame != nil {
				id = frame.ID
			}
			code := errorCode(err)
			if code == "request_failed" {
				code = "invalid_request"
			}
			s.sendError(id, code, err.Error())
			continue
		}
		s.control.metrics.RecordWSMessage("in", frame.Method)

		if !s.connected.Load() {
			if frame.Method != "connect" {
				s.sendError(frame.ID, "handshake_required", "first request must be connect")
				continue
			}
			if err := s.handleConnect(frame); err != nil {
				s.sendError(frame.ID, "connect_failed", err.Error())
				return
			}
			continue
		}

		if err := s.dispatch(frame); err != nil {
			s.sendError(frame.ID, errorCode(err), err.Error())
		}
	}
}

func (s *wsSession) writeLoop() {
	ping := time.NewTicker(wsPongWait * 9 / 10)
	defer ping.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case batch := <-s.send:
			for _, msg := range batch {
				_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					s.cancel()
					return
				}
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// decodeFrame returns the partially decoded frame alongside validation errors
// so the response can carry the request id.
func (s *wsSession) decodeFrame(raw []byte) (*wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &paramsError{err: err}
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return &frame, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if err := validateWSRequestFrame(raw, &frame); err != nil {
		return &frame, err
	}
	return &frame, nil
}

func (s *wsSession) dispatch(frame *wsFrame) error {
	ctx, span := s.control.tracer.TraceControlRequest(observability.WithConnID(s.ctx, s.id), frame.Method, s.id)
	defer span.End()

	err := s.handleRequest(ctx, frame)
	if err != nil {
		s.control.tracer.RecordError(span, err)
		s.control.metrics.RecordError("ws", errorCode(err))
	}
	return err
}

func (s *wsSession) handleRequest(ctx context.Context, frame *wsFrame) error {
	registry := s.control.registry
	switch frame.Method {
	case "connect":
		return errors.New("already connected")
	case "ping":
		return s.sendResponse(frame.ID, map[string]any{"timestamp": time.Now().UnixMilli()})
	case "subscribe":
		return s.handleSubscribe(frame)
	case "unsubscribe":
		var params wsSessionParams
		if err := decodeParams(frame, &params); err != nil {
			return err
		}
		registry.Unsubscribe(s, params.SessionID)
		return s.sendResponse(frame.ID, map[string]any{"sessionId": params.SessionID})
	case "start":
		return s.handleStart(ctx, frame)
	case "abort":
		var params wsSessionParams
		if err := decodeParams(frame, &params); err != nil {
			return err
		}
		return s.sendResponse(frame.ID, map[string]any{"aborted": registry.Abort(params.SessionID)})
	case "status":
		var params wsSessionParams
		if err := decodeParams(frame, &params); err != nil {
			return err
		}
		status, err := registry.Status(params.SessionID)
		if err != nil {
			return err
		}
		return s.sendResponse(frame.ID, status)
	case "list":
		return s.sendResponse(frame.ID, map[string]any{"sessions": registry.List(ctx)})
	case "load":
		var params wsSessionParams
		if err := decodeParams(frame, &params); err != nil {
			return err
		}
		entries, err := registry.LoadConversation(ctx, params.SessionID)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []models.ConversationEntry{}
		}
		return s.sendResponse(frame.ID, map[string]any{"sessionId": params.SessionID, "entries": entries})
	case "models":
		list, err := registry.Models(ctx)
		if err != nil {
			return err
		}
		return s.sendResponse(frame.ID, map[string]any{"models": list})
	case "commands":
		var params wsCommandsParams
		if err := decodeParams(frame, &params); err != nil {
			return err
		}
		list, err := registry.Commands(ctx, params.Cwd)
		if err != nil {
			return err
		}
		if list == nil {
			list = []runtime.CommandInfo{}
		}
		return s.sendResponse(frame.ID, map[string]any{"commands": list})
	case "permission_response":
		return s.handlePermissionResponse(frame)
	default:
		return &unknownMethodError{method: frame.Method}
	}
}

func (s *wsSession) handleConnect(frame *wsFrame) error {
	var params wsConnectParams
	if err := decodeParams(frame, &params); err != nil {
		return err
	}

	minProtocol := params.MinProtocol
	maxProtocol := params.MaxProtocol
	if minProtocol <= 0 {
		minProtocol = wsProtocolVersion
	}
	if maxProtocol <= 0 {
		maxProtocol = wsProtocolVersion
	}
	if wsProtocolVersion < minProtocol || wsProtocolVersion > maxProtocol {
		return fmt.Errorf("unsupported protocol version")
	}

	if err := s.sendResponse(frame.ID, s.buildHelloPayload()); err != nil {
		return err
	}
	s.connected.Store(true)
	s.control.registry.Connect(s)
	s.logger.Debug("websocket handshake complete", "client_id", params.Client.ID, "client_version", params.Client.Version)

	_ = s.sendEvent(string(sessions.NotifySessions), sessions.Notification{
		Type:     sessions.NotifySessions,
		Sessions: s.control.registry.List(s.ctx),
	})
	go s.startTicking()
	return nil
}

func (s *wsSession) handleSubscribe(frame *wsFrame) error {
	var params wsSessionParams
	if err := decodeParams(frame, &params); err != nil {
		return err
	}
	if err := s.control.registry.Subscribe(s, params.SessionID); err != nil {
		return err
	}
	return s.sendResponse(frame.ID, map[string]any{"sessionId": params.SessionID})
}

func (s *wsSession) handleStart(ctx context.Context, frame *wsFrame) error {
	var params wsStartParams
	if err := decodeParams(frame, &params); err != nil {
		return err
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", sessions.ErrInvalidRequest)
	}

	if prev, dup := s.checkIdempotency(params.IdempotencyKey); dup {
		return s.sendResponse(frame.ID, map[string]any{"status": "duplicate", "sessionId": prev})
	}

	id, err := s.control.registry.Start(ctx, sessions.StartParams{
		SessionID:      params.SessionID,
		Prompt:         params.Prompt,
		Cwd:            params.Cwd,
		Model:          params.Model,
		PermissionMode: params.PermissionMode,
		Subscriber:     s,
	})
	if err != nil {
		s.forgetIdempotency(params.IdempotencyKey)
		return err
	}
	s.rememberIdempotency(params.IdempotencyKey, id)
	return s.sendResponse(frame.ID, map[string]any{"status": "started", "sessionId": id})
}

func (s *wsSession) handlePermissionResponse(frame *wsFrame) error {
	var params wsPermissionResponseParams
	if err := decodeParams(frame, &params); err != nil {
		return err
	}
	decision := models.PermissionDecision{
		Allowed:      params.Allowed,
		Reason:       params.Reason,
		UpdatedInput: params.UpdatedInput,
	}
	if params.PolicyUpdate != nil {
		decision.PolicyUpdate = &models.PolicyUpdate{
			Kind:     params.PolicyUpdate.Kind,
			ToolName: params.PolicyUpdate.ToolName,
			Mode:     params.PolicyUpdate.Mode,
		}
	}
	if err := s.control.registry.RespondPermission(params.SessionID, params.RequestID, decision); err != nil {
		return err
	}
	return s.sendResponse(frame.ID, map[string]any{"resolved": true})
}

func decodeParams(frame *wsFrame, out any) error {
	if len(frame.Params) == 0 || string(frame.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(frame.Params, out); err != nil {
		return &paramsError{err: err}
	}
	return nil
}

func (s *wsSession) sendResponse(id string, payload any) error {
	ok := true
	return s.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Payload: payload})
}

func (s *wsSession) sendEvent(event string, payload any) error {
	return s.enqueue(wsFrame{Type: "event", Event: event, Payload: payload})
}

func (s *wsSession) sendError(id string, code string, message string) {
	ok := false
	_ = s.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Error: &wsError{Code: code, Message: message}})
}

// enqueue queues frames as one batch without blocking. Event frames are
// numbered in queue order; nothing is queued if any frame fails to encode.
func (s *wsSession) enqueue(frames ...wsFrame) error {
	if s.ctx.Err() != nil {
		return errConnectionClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	seq := s.seq
	batch := make([][]byte, 0, len(frames))
	for i := range frames {
		if frames[i].Type == "event" {
			seq++
			n := seq
			frames[i].Seq = &n
		}
		data, err := json.Marshal(frames[i])
		if err != nil {
			return err
		}
		if len(data) > wsMaxPayloadBytes {
			return fmt.Errorf("%w: %d bytes", errPayloadTooLarge, len(data))
		}
		batch = append(batch, data)
	}
	select {
	case s.send <- batch:
	default:
		return errSendQueueFull
	}
	s.seq = seq
	for _, f := range frames {
		if f.Type == "event" {
			s.control.metrics.RecordWSMessage("out", f.Event)
		}
	}
	return nil
}

func (s *wsSession) startTicking() {
	ticker := time.NewTicker(s.control.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.sendEvent("tick", map[string]any{"timestamp": time.Now().UnixMilli()})
		}
	}
}

func (s *wsSession) buildHelloPayload() map[string]any {
	return map[string]any{
		"type":     "hello-ok",
		"protocol": wsProtocolVersion,
		"server": map[string]any{
			"connId": s.id,
		},
		"features": map[string]any{
			"methods": supportedWSMethods(),
			"events":  supportedWSEvents(),
		},
		"policy": map[string]any{
			"maxPayloadBytes": wsMaxPayloadBytes,
			"sendQueueSize":   wsSendQueueSize,
			"tickIntervalMs":  s.control.tickInterval.Milliseconds(),
		},
		"snapshot": map[string]any{
			"uptimeMs": time.Since(s.control.started).Milliseconds(),
		},
	}
}

func supportedWSMethods() []string {
	return []string{
		"connect",
		"ping",
		"subscribe",
		"unsubscribe",
		"start",
		"abort",
		"status",
		"list",
		"load",
		"models",
		"commands",
		"permission_response",
	}
}

func supportedWSEvents() []string {
	return []string{
		string(sessions.NotifyReady),
		string(sessions.NotifyStarted),
		string(sessions.NotifyEvent),
		string(sessions.NotifyState),
		string(sessions.NotifyReplay),
		string(sessions.NotifySessions),
		string(sessions.NotifyCompleted),
		string(sessions.NotifyError),
		string(sessions.NotifyAborted),
		string(sessions.NotifyPermissionResolved),
		"tick",
	}
}

// checkIdempotency reports whether key was already used for a start and, if
// so, the session it started. A new key is reserved.
func (s *wsSession) checkIdempotency(key string) (string, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	if id, ok := s.idempotency[key]; ok {
		return id, true
	}
	s.idempotency[key] = ""
	return "", false
}

func (s *wsSession) rememberIdempotency(key, sessionID string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	s.idemMu.Lock()
	s.idempotency[key] = sessionID
	s.idemMu.Unlock()
}

func (s *wsSession) forgetIdempotency(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	s.idemMu.Lock()
	delete(s.idempotency, key)
	s.idemMu.Unlock()
}

type unknownMethodError struct {
	method string
}

func (e *unknownMethodError) Error() string {
	return fmt.Sprintf("unknown method %q", e.method)
}

// errorCode maps request errors onto wire error codes.
func errorCode(err error) string {
	var pe *paramsError
	var ue *unknownMethodError
	switch {
	case errors.As(err, &pe):
		return "invalid_params"
	case errors.As(err, &ue):
		return "unknown_method"
	case errors.Is(err, sessions.ErrSessionRunning):
		return "session_running"
	case errors.Is(err, sessions.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, sessions.ErrPermissionNotFound):
		return "permission_not_found"
	case errors.Is(err, sessions.ErrInvalidSessionID), errors.Is(err, sessions.ErrInvalidRequest):
		return "invalid_params"
	case errors.Is(err, runtime.ErrUnavailable), errors.Is(err, sessions.ErrRegistryClosed):
		return "unavailable"
	default:
		return "request_failed"
	}
}
