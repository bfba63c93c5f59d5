// Package sessions owns resident agent sessions: their event buffers,
// subscriber groups, runner lifecycle, and durable persistence.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/conduit/internal/history"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/permissions"
	"github.com/haasonsaas/conduit/internal/runner"
	"github.com/haasonsaas/conduit/internal/runtime"
	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	// DefaultRetention is how long a finished, unobserved session stays resident.
	DefaultRetention = 30 * time.Minute
	// DefaultSweepSchedule is the cron schedule of the eviction sweep.
	DefaultSweepSchedule = "@every 1m"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// History is the read-only view of externally logged conversations.
type History interface {
	List(ctx context.Context) ([]models.SessionSummary, error)
	Lookup(ctx context.Context, id string) (models.SessionSummary, bool)
	LoadConversation(ctx context.Context, id string) ([]models.ConversationEntry, error)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Runtime runtime.Runtime
	Store   Store
	History History
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	BufferSize        int
	PersistTail       int
	MaxFieldBytes     int
	PermissionTimeout time.Duration
	Retention         time.Duration
	SweepSchedule     string

	DefaultCwd   string
	DefaultMode  models.PermissionMode
	AllowedTools []string
	MaxTurns     int
	MaxBudgetUSD float64
}

// StartParams are the inputs of a start request.
type StartParams struct {
	// SessionID is optional; an empty id creates a new session.
	SessionID      string
	Prompt         string
	Cwd            string
	Model          string
	PermissionMode models.PermissionMode
	// Subscriber, when set, joins the session's group before it starts.
	Subscriber Subscriber
}

// Registry maps session ids to resident sessions and enforces at most one
// active runner per id.
type Registry struct {
	cfg         RegistryConfig
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	storeDriver string
	now         func() time.Time

	// mu guards map membership, closed, and entry pins.
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	connMu sync.Mutex
	conns  map[string]Subscriber

	persistMu sync.Mutex
	runners   sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
	sweeper    *cron.Cron
}

// NewRegistry creates a registry. Call Init before serving requests.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PersistTail <= 0 {
		cfg.PersistTail = DefaultPersistTail
	}
	if cfg.MaxFieldBytes <= 0 {
		cfg.MaxFieldBytes = DefaultMaxFieldBytes
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = permissions.DefaultTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = models.PermissionModeDefault
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "sessions"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		storeDriver: storeDriverName(cfg.Store),
		now:         time.Now,
		entries:     make(map[string]*entry),
		conns:       make(map[string]Subscriber),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
	}
}

// Init restores persisted sessions and starts the eviction sweeper. A store
// that fails to load is logged and the registry starts empty.
func (r *Registry) Init(ctx context.Context) error {
	r.restore(ctx)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(r.cfg.SweepSchedule, func() {
		r.Sweep(r.now())
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", r.cfg.SweepSchedule, err)
	}
	sweeper.Start()

	r.mu.Lock()
	r.sweeper = sweeper
	r.mu.Unlock()
	return nil
}

func (r *Registry) restore(ctx context.Context) {
	if r.cfg.Store == nil {
		return
	}
	ctx, span := r.tracer.TraceStoreOperation(ctx, "load", r.storeDriver)
	defer span.End()

	start := time.Now()
	loaded, err := r.cfg.Store.Load(ctx)
	if err != nil {
		r.metrics.RecordStoreOperation("load", r.storeDriver, "error", time.Since(start).Seconds())
		r.metrics.RecordError("store", "load")
		r.tracer.RecordError(span, err)
		r.logger.Warn("failed to load persisted sessions; continuing in memory", "error", err)
		return
	}
	r.metrics.RecordStoreOperation("load", r.storeDriver, "ok", time.Since(start).Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
	for _, ps := range loaded {
		if ps.Session.State == models.SessionRunning || !sessionIDPattern.MatchString(ps.Session.ID) {
			continue
		}
		e := newEntry(r, ps.Session.ID)
		e.session = ps.Session
		e.started = true
		e.buffer.Restore(ps.Events)
		r.entries[e.id] = e
		restored++
	}
	r.logger.Info("restored persisted sessions", "count", restored, "driver", r.storeDriver)
}

// Shutdown aborts running sessions, denies pending permissions, waits for
// runners to exit (bounded by ctx), and persists the final state.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sweeper := r.sweeper
	entries := r.snapshotEntries()
	r.mu.Unlock()

	if sweeper != nil {
		<-sweeper.Stop().Done()
	}

	for _, e := range entries {
		r.Abort(e.id)
		e.mu.Lock()
		broker := e.broker
		e.mu.Unlock()
		if broker != nil {
			broker.Close(models.ReasonShutdown)
		}
	}

	done := make(chan struct{})
	go func() {
		r.runners.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for runners: %w", ctx.Err())
		r.logger.Warn("runners did not exit before shutdown deadline")
	}
	r.baseCancel()

	r.persist(context.WithoutCancel(ctx))
	return waitErr
}

// Start begins a run for params.SessionID (or a new id) and returns the id.
// It is rejected with ErrSessionRunning if a runner for the id is active.
func (r *Registry) Start(ctx context.Context, params StartParams) (string, error) {
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return "", fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	mode := params.PermissionMode
	if mode == "" {
		mode = r.cfg.DefaultMode
	}
	if !mode.Valid() {
		return "", fmt.Errorf("%w: unknown permission mode %q", ErrInvalidRequest, mode)
	}
	id := params.SessionID
	if id == "" {
		id = uuid.NewString()
	} else if !sessionIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}

	var (
		historical models.SessionSummary
		inHistory  bool
	)
	if params.SessionID != "" && r.cfg.History != nil {
		historical, inHistory = r.cfg.History.Lookup(ctx, id)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRegistryClosed
	}
	e := r.pinLocked(id)
	r.runners.Add(1)
	r.mu.Unlock()
	defer r.unpin(e)

	e.mu.Lock()
	if e.done != nil {
		e.mu.Unlock()
		r.runners.Done()
		return "", fmt.Errorf("%w: %s", ErrSessionRunning, id)
	}

	if params.Subscriber != nil {
		if _, ok := e.subs[params.Subscriber.ID()]; !ok {
			e.attachLocked(params.Subscriber)
		}
	}

	resume := ""
	switch {
	case e.started:
		resume = e.session.RuntimeSessionID
	case inHistory:
		resume = id
		e.session.RuntimeSessionID = id
		e.session.Title = historical.Title
		e.session.Cwd = historical.Cwd
	}

	cwd := params.Cwd
	if cwd == "" {
		cwd = e.session.Cwd
	}
	if cwd == "" {
		cwd = r.cfg.DefaultCwd
	}

	e.started = true
	e.session.State = models.SessionRunning
	e.session.StartedAt = r.now()
	e.session.EndedAt = time.Time{}
	e.session.Error = ""
	e.session.Result = nil
	e.session.Cwd = cwd
	e.session.PermissionMode = string(mode)
	if params.Model != "" {
		e.session.Model = params.Model
	}
	if e.session.Title == "" {
		e.session.Title = history.Title(prompt)
	}

	// Each run gets its own broker so cleanup of an earlier run never
	// settles requests of a later one. The policy outlives runs.
	if e.policy == nil {
		e.policy = permissions.NewPolicy(mode, r.cfg.AllowedTools...)
	} else {
		e.policy.Apply(models.PolicyUpdate{Kind: models.PolicySetMode, Mode: mode})
	}
	e.broker = permissions.NewBroker(permissions.Config{
		SessionID: id,
		Timeout:   r.cfg.PermissionTimeout,
		Policy:    e.policy,
		Notifier:  e,
		Logger:    r.cfg.Logger,
	})

	rn := runner.New(runner.Config{
		SessionID:      id,
		Prompt:         prompt,
		Cwd:            cwd,
		Resume:         resume,
		Model:          e.session.Model,
		PermissionMode: mode,
		MaxTurns:       r.cfg.MaxTurns,
		MaxBudgetUSD:   r.cfg.MaxBudgetUSD,
	}, r.cfg.Runtime, e, e.broker,
		runner.WithLogger(r.cfg.Logger),
		runner.WithMetrics(r.metrics),
		runner.WithTracer(r.tracer),
	)
	done := make(chan struct{})
	e.runner = rn
	e.done = done
	broker := e.broker

	session := e.session
	e.fanoutLocked(Notification{Type: NotifyStarted, SessionID: id, Session: &session})
	e.appendLocked(models.Event{Kind: models.EventUser, User: &models.UserPayload{Text: prompt}})
	e.mu.Unlock()

	r.logger.Info("session started",
		"session_id", id,
		"resume", resume != "",
		"permission_mode", mode,
	)
	go r.run(e, rn, broker, done)

	r.sessionsChanged(ctx)
	return id, nil
}

func (r *Registry) run(e *entry, rn *runner.Runner, broker *permissions.Broker, done chan struct{}) {
	defer r.runners.Done()
	out := rn.Run(r.baseCtx)

	// A run that ends with requests still pending has nobody left to wait
	// on them. They are settled before done is cleared, while no other run
	// can start.
	if n := broker.DenyAll(models.ReasonAborted); n > 0 {
		r.logger.Debug("denied orphaned permission requests", "session_id", e.id, "count", n)
	}

	e.mu.Lock()
	live := e.session.State == models.SessionRunning
	if live {
		e.session.State = out.State
		e.session.EndedAt = r.now()
		if out.Err != nil {
			e.session.Error = out.Err.Error()
		}
	}
	e.session.Result = out.Result
	e.runner = nil
	e.done = nil
	close(done)

	session := e.session
	typ := NotifyState
	if live {
		typ = terminalNotification(session.State)
	}
	e.fanoutLocked(Notification{Type: typ, SessionID: e.id, Session: &session})
	e.mu.Unlock()

	r.logger.Info("session finished",
		"session_id", e.id,
		"state", session.State,
		"error", session.Error,
	)
	r.sessionsChanged(r.baseCtx)
}

// Abort cancels a running session and marks it aborted immediately. It
// reports whether this call performed the transition; aborting a session
// that is not running is a no-op.
func (r *Registry) Abort(id string) bool {
	e := r.get(id)
	if e == nil {
		return false
	}

	e.mu.Lock()
	if e.session.State != models.SessionRunning {
		e.mu.Unlock()
		return false
	}
	e.session.State = models.SessionAborted
	e.session.EndedAt = r.now()
	rn := e.runner
	broker := e.broker
	session := e.session
	e.fanoutLocked(Notification{Type: NotifyAborted, SessionID: id, Session: &session})
	e.mu.Unlock()

	if rn != nil {
		rn.Cancel()
	}
	if broker != nil {
		broker.Close(models.ReasonAborted)
	}
	r.logger.Info("session aborted", "session_id", id)
	r.sessionsChanged(r.baseCtx)
	return true
}

// Status returns the detailed view of a resident session.
func (r *Registry) Status(id string) (models.SessionStatus, error) {
	e := r.get(id)
	if e == nil {
		return models.SessionStatus{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return models.SessionStatus{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	status := models.SessionStatus{
		Session:     e.session,
		EventCount:  e.buffer.Len(),
		LastSeq:     e.buffer.LastSeq(),
		Subscribers: len(e.subs),
	}
	if e.broker != nil {
		status.PendingPermissions = e.broker.Pending()
	}
	return status, nil
}

// List merges resident sessions with historical ones, newest first.
// Historical sessions already resident (by id or runtime id) are skipped.
func (r *Registry) List(ctx context.Context) []models.SessionSummary {
	r.mu.RLock()
	entries := r.snapshotEntries()
	r.mu.RUnlock()

	out := make([]models.SessionSummary, 0, len(entries))
	seen := make(map[string]struct{}, len(entries)*2)
	for _, e := range entries {
		e.mu.Lock()
		if e.started {
			out = append(out, e.summaryLocked())
			seen[e.id] = struct{}{}
			if rid := e.session.RuntimeSessionID; rid != "" {
				seen[rid] = struct{}{}
			}
		}
		e.mu.Unlock()
	}

	if r.cfg.History != nil {
		historical, err := r.cfg.History.List(ctx)
		if err != nil {
			r.logger.Warn("failed to list historical sessions", "error", err)
		}
		for _, h := range historical {
			if _, ok := seen[h.ID]; ok {
				continue
			}
			seen[h.ID] = struct{}{}
			h.Resident = false
			out = append(out, h)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return sortTime(out[i]).After(sortTime(out[j]))
	})
	return out
}

func sortTime(s models.SessionSummary) time.Time {
	if !s.UpdatedAt.IsZero() {
		return s.UpdatedAt
	}
	return s.StartedAt
}

// Subscribe attaches sub to the group of id and replays the session. An
// empty id acknowledges with ready and joins nothing. An id with no session
// yet joins the group and receives ready; a later start reaches it.
func (r *Registry) Subscribe(sub Subscriber, id string) error {
	if id == "" {
		return sub.Deliver(Notification{Type: NotifyReady})
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	e := r.pinLocked(id)
	r.mu.Unlock()
	defer r.unpin(e)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.attachLocked(sub) {
		return fmt.Errorf("subscriber %s could not receive replay", sub.ID())
	}
	return nil
}

// Unsubscribe detaches sub from the group of id.
func (r *Registry) Unsubscribe(sub Subscriber, id string) {
	e := r.get(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.detachLocked(sub.ID())
	e.mu.Unlock()
}

// Connect registers sub for session-list broadcasts.
func (r *Registry) Connect(sub Subscriber) {
	r.connMu.Lock()
	r.conns[sub.ID()] = sub
	r.connMu.Unlock()
}

// Disconnect removes sub from the session-list broadcast and from every
// session group.
func (r *Registry) Disconnect(sub Subscriber) {
	r.connMu.Lock()
	delete(r.conns, sub.ID())
	r.connMu.Unlock()

	r.mu.RLock()
	entries := r.snapshotEntries()
	r.mu.RUnlock()
	for _, e := range entries {
		e.mu.Lock()
		e.detachLocked(sub.ID())
		e.mu.Unlock()
	}
}

// RespondPermission resolves a pending permission request of session id.
func (r *Registry) RespondPermission(id, requestID string, decision models.PermissionDecision) error {
	e := r.get(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.mu.Lock()
	broker := e.broker
	e.mu.Unlock()
	if broker == nil || !broker.Resolve(requestID, decision) {
		return fmt.Errorf("%w: %s", ErrPermissionNotFound, requestID)
	}
	return nil
}

// LoadConversation reconstructs the logged conversation of id. Resident
// sessions are looked up by their runtime session id.
func (r *Registry) LoadConversation(ctx context.Context, id string) ([]models.ConversationEntry, error) {
	if r.cfg.History == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	logID := id
	if e := r.get(id); e != nil {
		e.mu.Lock()
		if rid := e.session.RuntimeSessionID; rid != "" {
			logID = rid
		}
		e.mu.Unlock()
	}
	entries, err := r.cfg.History.LoadConversation(ctx, logID)
	if errors.Is(err, history.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return entries, err
}

// Models lists the models the runtime accepts.
func (r *Registry) Models(ctx context.Context) ([]runtime.ModelInfo, error) {
	if r.cfg.Runtime == nil {
		return nil, runtime.ErrUnavailable
	}
	return r.cfg.Runtime.Models(ctx)
}

// Commands lists slash commands available in cwd (the default cwd if empty).
func (r *Registry) Commands(ctx context.Context, cwd string) ([]runtime.CommandInfo, error) {
	if r.cfg.Runtime == nil {
		return nil, runtime.ErrUnavailable
	}
	if cwd == "" {
		cwd = r.cfg.DefaultCwd
	}
	return r.cfg.Runtime.Commands(ctx, cwd)
}

// Sweep evicts sessions that are idle, unobserved, and ended more than the
// retention period before now, plus ids that were subscribed to but never
// started and have no subscribers left. It returns the number evicted.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	evicted, evictedStarted := 0, 0
	for id, e := range r.entries {
		if e.pins > 0 {
			continue
		}
		e.mu.Lock()
		idle := e.done == nil && len(e.subs) == 0 && e.session.State != models.SessionRunning
		expired := !e.started || (!e.session.EndedAt.IsZero() && now.Sub(e.session.EndedAt) >= r.cfg.Retention)
		started := e.started
		e.mu.Unlock()
		if !idle || !expired {
			continue
		}
		delete(r.entries, id)
		evicted++
		if started {
			evictedStarted++
		}
	}
	r.mu.Unlock()

	if evictedStarted > 0 {
		r.logger.Info("evicted idle sessions", "count", evictedStarted)
		r.sessionsChanged(r.baseCtx)
	}
	return evicted
}

// BroadcastSessions pushes the current session list to every connection.
// It is called when the historical log changes underneath the registry.
func (r *Registry) BroadcastSessions(ctx context.Context) {
	r.broadcastSessions(ctx)
}

// Resident reports whether id is held in memory.
func (r *Registry) Resident(id string) bool {
	return r.get(id) != nil
}

func (r *Registry) get(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// pinLocked returns the entry of id, creating it if needed, and pins it
// against eviction until unpin. Callers hold mu and lock the entry only
// after releasing mu.
func (r *Registry) pinLocked(id string) *entry {
	e, ok := r.entries[id]
	if !ok {
		e = newEntry(r, id)
		r.entries[id] = e
	}
	e.pins++
	return e
}

// unpin must be called without holding the entry lock.
func (r *Registry) unpin(e *entry) {
	r.mu.Lock()
	e.pins--
	r.mu.Unlock()
}

// snapshotEntries must be called with mu held.
func (r *Registry) snapshotEntries() []*entry {
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// sessionsChanged broadcasts the session list and persists.
func (r *Registry) sessionsChanged(ctx context.Context) {
	r.broadcastSessions(ctx)
	r.persist(ctx)
}

func (r *Registry) broadcastSessions(ctx context.Context) {
	r.connMu.Lock()
	empty := len(r.conns) == 0
	r.connMu.Unlock()
	if empty {
		return
	}

	n := Notification{Type: NotifySessions, Sessions: r.List(ctx)}
	r.connMu.Lock()
	defer r.connMu.Unlock()
	for id, sub := range r.conns {
		if err := sub.Deliver(n); err != nil {
			delete(r.conns, id)
			r.logger.Warn("dropping connection from session list broadcast", "subscriber", id, "error", err)
		}
	}
}

// persist writes every started session with its buffer tail. Failures are
// logged and never surface to callers.
func (r *Registry) persist(ctx context.Context) {
	if r.cfg.Store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	entries := r.snapshotEntries()
	r.mu.RUnlock()

	snapshot := make([]models.PersistedSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.started {
			snapshot = append(snapshot, models.PersistedSession{
				Session: e.session,
				Events:  e.buffer.Tail(r.cfg.PersistTail),
			})
		}
		e.mu.Unlock()
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].Session.StartedAt.After(snapshot[j].Session.StartedAt)
	})

	ctx, span := r.tracer.TraceStoreOperation(ctx, "save", r.storeDriver)
	defer span.End()
	start := time.Now()
	if err := r.cfg.Store.Save(ctx, snapshot); err != nil {
		r.metrics.RecordStoreOperation("save", r.storeDriver, "error", time.Since(start).Seconds())
		r.metrics.RecordError("store", "save")
		r.tracer.RecordError(span, err)
		r.logger.Warn("failed to persist sessions", "error", err, "count", len(snapshot))
		return
	}
	r.metrics.RecordStoreOperation("save", r.storeDriver, "ok", time.Since(start).Seconds())
}

func storeDriverName(store Store) string {
	switch s := store.(type) {
	case nil:
		return "none"
	case *MemoryStore:
		return DriverMemory
	case *JSONFileStore:
		return DriverJSON
	case *SQLStore:
		return string(s.dialect)
	case *S3Store:
		return DriverS3
	default:
		return "custom"
	}
}
