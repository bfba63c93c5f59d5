package sessions

import (
	"sync"

	"github.com/haasonsaas/conduit/internal/permissions"
	"github.com/haasonsaas/conduit/internal/runner"
	"github.com/haasonsaas/conduit/pkg/models"
)

// entry is the resident state of one session id. Its mutex guards every
// field below it; fan-out to subscribers happens while it is held so that a
// subscriber attached mid-run sees the replay and then live events with no
// gap or duplicate.
type entry struct {
	id       string
	registry *Registry
	// pins counts in-flight Start and Subscribe calls; guarded by the
	// registry's mu. Pinned entries are never evicted.
	pins     int

	mu      sync.Mutex
	session models.Session
	// started is false for ids that only have subscribers waiting on them.
	started bool
	buffer  *EventBuffer
	subs    map[string]Subscriber
	broker  *permissions.Broker
	policy  *permissions.Policy
	runner  *runner.Runner
	// done is closed when the active runner goroutine exits; nil when idle.
	done chan struct{}
}

func newEntry(r *Registry, id string) *entry {
	return &entry{
		id:       id,
		registry: r,
		session:  models.Session{ID: id},
		buffer:   NewEventBuffer(r.cfg.BufferSize),
		subs:     make(map[string]Subscriber),
	}
}

// Emit implements runner.Sink. Events from a run that is no longer the
// session's live run are discarded.
func (e *entry) Emit(evt models.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.State != models.SessionRunning {
		return
	}
	e.appendLocked(evt)
}

// SetInit implements runner.Sink.
func (e *entry) SetInit(info runner.InitInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.State != models.SessionRunning {
		return
	}
	if info.RuntimeSessionID != "" {
		e.session.RuntimeSessionID = info.RuntimeSessionID
	}
	if info.Model != "" {
		e.session.Model = info.Model
	}
	if e.session.Cwd == "" {
		e.session.Cwd = info.Cwd
	}
}

// PermissionRequested implements permissions.Notifier.
func (e *entry) PermissionRequested(req models.PermissionRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appendLocked(models.Event{
		Kind:       models.EventPermissionRequest,
		Permission: &models.PermissionPayload{Request: &req},
	})
}

// PermissionResolved implements permissions.Notifier.
func (e *entry) PermissionResolved(req models.PermissionRequest, decision models.PermissionDecision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appendLocked(models.Event{
		Kind: models.EventPermissionResolved,
		Permission: &models.PermissionPayload{
			RequestID: req.ID,
			Request:   &req,
			Decision:  &decision,
		},
	})
}

func (e *entry) appendLocked(evt models.Event) models.Event {
	before := e.buffer.Compactions()
	stored := e.buffer.Append(evt.Clamp(e.registry.cfg.MaxFieldBytes))
	metrics := e.registry.metrics
	metrics.RecordEvent(string(stored.Kind))
	if e.buffer.Compactions() != before {
		metrics.RecordCompaction()
		e.registry.logger.Debug("event buffer compacted",
			"session_id", e.id,
			"retained", e.buffer.Len(),
		)
	}
	e.fanoutLocked(Notification{
		Type:      eventNotification(stored),
		SessionID: e.id,
		Event:     &stored,
	})
	return stored
}

// fanoutLocked delivers n to every subscriber, dropping those that fail.
func (e *entry) fanoutLocked(n Notification) {
	for id, sub := range e.subs {
		if err := sub.Deliver(n); err != nil {
			delete(e.subs, id)
			e.registry.metrics.SubscriberRemoved(true)
			e.registry.logger.Warn("dropping slow subscriber",
				"session_id", e.id,
				"subscriber", id,
				"error", err,
			)
		}
	}
}

// attachLocked adds sub to the group after delivering the current state and
// a full replay. Subscribers of ids with no session yet get a ready
// acknowledgment instead.
func (e *entry) attachLocked(sub Subscriber) bool {
	var err error
	if !e.started {
		err = sub.Deliver(Notification{Type: NotifyReady, SessionID: e.id})
	} else {
		session := e.session
		err = sub.Deliver(Notification{Type: NotifyState, SessionID: e.id, Session: &session})
		if err == nil {
			err = sub.Deliver(Notification{Type: NotifyReplay, SessionID: e.id, Events: e.buffer.Tail(0)})
		}
	}

	_, already := e.subs[sub.ID()]
	if err != nil {
		if already {
			delete(e.subs, sub.ID())
			e.registry.metrics.SubscriberRemoved(true)
		}
		e.registry.logger.Warn("subscriber failed during replay",
			"session_id", e.id,
			"subscriber", sub.ID(),
			"error", err,
		)
		return false
	}
	if !already {
		e.subs[sub.ID()] = sub
		e.registry.metrics.SubscriberAdded()
	}
	return true
}

func (e *entry) detachLocked(subID string) bool {
	if _, ok := e.subs[subID]; !ok {
		return false
	}
	delete(e.subs, subID)
	e.registry.metrics.SubscriberRemoved(false)
	return true
}

func (e *entry) summaryLocked() models.SessionSummary {
	updated := e.session.EndedAt
	if events := e.buffer.Tail(1); len(events) == 1 && events[0].Time.After(updated) {
		updated = events[0].Time
	}
	if updated.IsZero() {
		updated = e.session.StartedAt
	}
	return models.SessionSummary{
		ID:        e.id,
		State:     e.session.State,
		Title:     e.session.Title,
		Cwd:       e.session.Cwd,
		StartedAt: e.session.StartedAt,
		UpdatedAt: updated,
		Resident:  true,
	}
}
