// Package permissions correlates paused tool invocations with asynchronous
// human decisions.
//
// Each outstanding request is a channel-backed future held in a correlation
// map. A request is resolved exactly once: by an explicit decision, by the
// request timeout (denied), or by DenyAll when its session is aborted. The
// entry is removed from the map at the moment of resolution, so a late or
// duplicate decision finds nothing and is reported as a no-op.
package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/pkg/models"
)

// DefaultTimeout is how long a request waits for a decision before it is denied.
const DefaultTimeout = 5 * time.Minute

// ErrClosed is returned by Request after the broker has been closed.
var ErrClosed = errors.New("permission broker closed")

// Notifier observes request and resolution events. Calls are made without
// any broker lock held, in request-then-resolution order for a given id.
type Notifier interface {
	PermissionRequested(req models.PermissionRequest)
	PermissionResolved(req models.PermissionRequest, decision models.PermissionDecision)
}

// Config configures a Broker.
type Config struct {
	SessionID string
	Timeout   time.Duration
	Policy    *Policy
	Notifier  Notifier
	Logger    *slog.Logger
}

// Broker owns the pending permission requests of one session.
type Broker struct {
	sessionID string
	timeout   time.Duration
	policy    *Policy
	notifier  Notifier
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

type pendingRequest struct {
	req    models.PermissionRequest
	result chan models.PermissionDecision
	timer  *time.Timer
}

// Pending is the future returned by Request.
type Pending struct {
	Request models.PermissionRequest

	result <-chan models.PermissionDecision
	broker *Broker
}

// NewBroker creates a broker for one session.
func NewBroker(cfg Config) *Broker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Policy == nil {
		cfg.Policy = NewPolicy(models.PermissionModeDefault)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{
		sessionID: cfg.SessionID,
		timeout:   cfg.Timeout,
		policy:    cfg.Policy,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger.With("component", "permissions", "session_id", cfg.SessionID),
		pending:   make(map[string]*pendingRequest),
	}
}

// Policy returns the session policy the broker applies updates to.
func (b *Broker) Policy() *Policy {
	return b.policy
}

// Request registers a new pending request and announces it to the notifier.
func (b *Broker) Request(toolName string, toolInput json.RawMessage, toolUseID string) (*Pending, error) {
	now := time.Now()
	p := &pendingRequest{
		req: models.PermissionRequest{
			ID:        uuid.NewString(),
			SessionID: b.sessionID,
			ToolName:  toolName,
			ToolInput: toolInput,
			ToolUseID: toolUseID,
			CreatedAt: now,
			ExpiresAt: now.Add(b.timeout),
		},
		result: make(chan models.PermissionDecision, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.pending[p.req.ID] = p
	b.mu.Unlock()

	if b.notifier != nil {
		b.notifier.PermissionRequested(p.req)
	}

	// Arm the timeout only after the request is visible so a resolution can
	// never be announced before its request.
	b.mu.Lock()
	if _, ok := b.pending[p.req.ID]; ok {
		id := p.req.ID
		p.timer = time.AfterFunc(b.timeout, func() {
			if b.Resolve(id, models.PermissionDecision{Allowed: false, Reason: models.ReasonTimeout}) {
				b.logger.Info("permission request timed out", "request_id", id, "tool_name", toolName)
			}
		})
	}
	b.mu.Unlock()

	b.logger.Debug("permission requested", "request_id", p.req.ID, "tool_name", toolName, "tool_use_id", toolUseID)
	return &Pending{Request: p.req, result: p.result, broker: b}, nil
}

// Resolve settles a pending request. It returns false, logging a warning,
// when the id is unknown or already resolved.
func (b *Broker) Resolve(id string, decision models.PermissionDecision) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		b.logger.Warn("ignoring decision for unknown permission request", "request_id", id)
		return false
	}
	delete(b.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	b.mu.Unlock()

	if decision.Allowed && decision.PolicyUpdate != nil {
		if b.policy.Apply(*decision.PolicyUpdate) {
			b.logger.Info("session permission policy updated",
				"kind", decision.PolicyUpdate.Kind,
				"tool_name", decision.PolicyUpdate.ToolName,
				"mode", decision.PolicyUpdate.Mode,
			)
		}
	}

	if b.notifier != nil {
		b.notifier.PermissionResolved(p.req, decision)
	}
	p.result <- decision
	return true
}

// DenyAll settles every pending request as denied with the given reason.
func (b *Broker) DenyAll(reason string) int {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	n := 0
	for _, id := range ids {
		if b.Resolve(id, models.PermissionDecision{Allowed: false, Reason: reason}) {
			n++
		}
	}
	return n
}

// Close denies all pending requests and rejects future ones.
func (b *Broker) Close(reason string) {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.DenyAll(reason)
}

// Pending returns the outstanding requests.
func (b *Broker) Pending() []models.PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.PermissionRequest, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	return out
}

// Len returns the number of outstanding requests.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Wait blocks until the request is resolved. If ctx ends first the request is
// resolved as denied so it never stays pending.
func (p *Pending) Wait(ctx context.Context) models.PermissionDecision {
	select {
	case decision := <-p.result:
		return decision
	case <-ctx.Done():
		p.broker.Resolve(p.Request.ID, models.PermissionDecision{Allowed: false, Reason: models.ReasonCancelled})
		// Either our resolution or a concurrent one has been, or is about to be, delivered.
		return <-p.result
	}
}
