package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/runtime"
	"github.com/haasonsaas/conduit/internal/runtime/runtimetest"
	"github.com/haasonsaas/conduit/pkg/models"
)

var errQueueFull = errors.New("send buffer full")

// recorder is a Subscriber that keeps every notification it receives.
type recorder struct {
	id   string
	fail atomic.Bool

	mu    sync.Mutex
	notes []Notification
	ch    chan Notification
}

func newRecorder(id string) *recorder {
	return &recorder{id: id, ch: make(chan Notification, 1024)}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(n Notification) error {
	if r.fail.Load() {
		return errQueueFull
	}
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
	select {
	case r.ch <- n:
	default:
	}
	return nil
}

// waitFor consumes notifications until one matches typ.
func (r *recorder) waitFor(t *testing.T, typ NotificationType) Notification {
	t.Helper()
	return r.waitUntil(t, string(typ), func(n Notification) bool { return n.Type == typ })
}

// waitForEvent consumes notifications until an event of kind arrives.
func (r *recorder) waitForEvent(t *testing.T, kind models.EventKind) models.Event {
	t.Helper()
	n := r.waitUntil(t, string(kind), func(n Notification) bool {
		return n.Event != nil && n.Event.Kind == kind
	})
	return *n.Event
}

func (r *recorder) waitUntil(t *testing.T, what string, match func(Notification) bool) Notification {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-r.ch:
			if match(n) {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

type fakeHistory struct {
	summaries []models.SessionSummary
	entries   map[string][]models.ConversationEntry
}

func (h *fakeHistory) List(ctx context.Context) ([]models.SessionSummary, error) {
	return h.summaries, nil
}

func (h *fakeHistory) Lookup(ctx context.Context, id string) (models.SessionSummary, bool) {
	for _, s := range h.summaries {
		if s.ID == id {
			return s, true
		}
	}
	return models.SessionSummary{}, false
}

func (h *fakeHistory) LoadConversation(ctx context.Context, id string) ([]models.ConversationEntry, error) {
	entries, ok := h.entries[id]
	if !ok {
		return nil, errors.New("conversation log not found")
	}
	return entries, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, rt runtime.Runtime, configure ...func(*RegistryConfig)) (*Registry, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	cfg := RegistryConfig{
		Runtime: rt,
		Store:   store,
		Logger:  testLogger(),
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	if cfg.Store == nil {
		cfg.Store = store
	}
	r := NewRegistry(cfg)
	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return r, store
}

func helloScript() *runtimetest.Runtime {
	return runtimetest.New(
		runtimetest.Step{Message: runtimetest.Init("rt-1", "sonnet")},
		runtimetest.Step{Message: runtimetest.TextDelta("hel")},
		runtimetest.Step{Message: runtimetest.TextDelta("lo")},
		runtimetest.Step{Message: runtimetest.Text("hello")},
		runtimetest.Step{Message: runtimetest.Result(42, 0.01, false, "hello")},
	)
}

func TestRegistry_StartCompletesAndReplays(t *testing.T) {
	r, _ := newTestRegistry(t, helloScript())
	sub := newRecorder("conn-1")

	if err := r.Subscribe(sub, "s1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := sub.waitFor(t, NotifyReady); n.SessionID != "s1" {
		t.Fatalf("ready for %q, want s1", n.SessionID)
	}

	id, err := r.Start(context.Background(), StartParams{
		SessionID:      "s1",
		Prompt:         "hello",
		PermissionMode: models.PermissionModeBypass,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id != "s1" {
		t.Fatalf("id = %q", id)
	}

	started := sub.waitFor(t, NotifyStarted)
	if started.Session.State != models.SessionRunning {
		t.Fatalf("started state = %q", started.Session.State)
	}
	sub.waitForEvent(t, models.EventText)
	done := sub.waitFor(t, NotifyCompleted)
	if done.Session.Result == nil || done.Session.Result.DurationMS != 42 {
		t.Fatalf("completed without duration: %+v", done.Session.Result)
	}
	if done.Session.RuntimeSessionID != "rt-1" {
		t.Fatalf("runtime session id = %q", done.Session.RuntimeSessionID)
	}

	late := newRecorder("conn-2")
	if err := r.Subscribe(late, "s1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	state := late.waitFor(t, NotifyState)
	if state.Session.State != models.SessionCompleted {
		t.Fatalf("replayed state = %q", state.Session.State)
	}
	replay := late.waitFor(t, NotifyReplay)
	if len(replay.Events) == 0 || replay.Events[0].Kind != models.EventUser {
		t.Fatalf("replay should start with the prompt: %+v", replay.Events)
	}
	for i := 1; i < len(replay.Events); i++ {
		if replay.Events[i].Seq <= replay.Events[i-1].Seq {
			t.Fatalf("replay out of order at %d", i)
		}
	}
	if last := replay.Events[len(replay.Events)-1]; last.Kind != models.EventResult {
		t.Fatalf("last replayed event = %q, want result", last.Kind)
	}

	// Live subscribers saw the same sequence the replay reports.
	var live []uint64
	for _, n := range sub.all() {
		if n.Event != nil {
			live = append(live, n.Event.Seq)
		}
	}
	if len(live) != len(replay.Events) {
		t.Fatalf("live saw %d events, replay has %d", len(live), len(replay.Events))
	}
}

func TestRegistry_ConcurrentStartSingleRunner(t *testing.T) {
	gate := make(chan struct{})
	rt := runtimetest.New(
		runtimetest.Step{Gate: gate},
		runtimetest.Step{Message: runtimetest.Result(1, 0, false, "")},
	)
	r, _ := newTestRegistry(t, rt)
	sub := newRecorder("conn")
	if err := r.Subscribe(sub, "busy"); err != nil {
		t.Fatal(err)
	}

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Start(context.Background(), StartParams{
				SessionID:      "busy",
				Prompt:         "go",
				PermissionMode: models.PermissionModeBypass,
			})
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrSessionRunning):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != 1 || rejected.Load() != 15 {
		t.Fatalf("accepted=%d rejected=%d, want 1/15", accepted.Load(), rejected.Load())
	}
	if got := len(rt.Requests()); got != 1 {
		t.Fatalf("runtime queried %d times", got)
	}
	close(gate)
	sub.waitFor(t, NotifyCompleted)
}

func TestRegistry_AbortIsIdempotent(t *testing.T) {
	rt := runtimetest.New(
		runtimetest.Step{Message: runtimetest.Init("rt-a", "")},
		runtimetest.Step{Hang: true},
		runtimetest.Step{Message: runtimetest.Text("never")},
	)
	r, store := newTestRegistry(t, rt)
	sub := newRecorder("conn")

	id, err := r.Start(context.Background(), StartParams{
		Prompt:         "long job",
		PermissionMode: models.PermissionModeBypass,
		Subscriber:     sub,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub.waitForEvent(t, models.EventSessionInit)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Abort(id) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("abort transitions = %d, want 1", wins.Load())
	}

	aborted := sub.waitFor(t, NotifyAborted)
	if aborted.Session.State != models.SessionAborted {
		t.Fatalf("state = %q", aborted.Session.State)
	}
	final := sub.waitFor(t, NotifyState)
	if final.Session.State != models.SessionAborted {
		t.Fatalf("state after runner exit = %q, want aborted", final.Session.State)
	}
	for _, n := range sub.all() {
		if n.Event != nil && n.Event.Kind == models.EventText {
			t.Fatal("events emitted after abort")
		}
	}
	if r.Abort(id) {
		t.Fatal("abort of a finished session should be a no-op")
	}

	loaded, _ := store.Load(context.Background())
	if len(loaded) != 1 || loaded[0].Session.State != models.SessionAborted {
		t.Fatalf("persisted = %+v", loaded)
	}
}

func TestRegistry_PermissionRoundTrip(t *testing.T) {
	rt := runtimetest.New(
		runtimetest.Step{Message: runtimetest.Init("rt-p", "")},
		runtimetest.Step{Message: runtimetest.ToolUse("tu-1", "Bash", `{"command":"ls"}`)},
		runtimetest.Step{Permission: &runtime.ToolPermission{ToolName: "Bash", ToolUseID: "tu-1"}},
		runtimetest.Step{Message: runtimetest.Result(5, 0, false, "done")},
	)
	r, _ := newTestRegistry(t, rt)
	sub := newRecorder("conn")

	if err := r.Subscribe(sub, "s2"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start(context.Background(), StartParams{SessionID: "s2", Prompt: "list files"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	reqEvt := sub.waitForEvent(t, models.EventPermissionRequest)
	req := reqEvt.Permission.Request
	if req == nil || req.ToolName != "Bash" || req.SessionID != "s2" {
		t.Fatalf("request = %+v", req)
	}

	status, err := r.Status("s2")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status.PendingPermissions) != 1 {
		t.Fatalf("pending = %d, want 1", len(status.PendingPermissions))
	}

	if err := r.RespondPermission("s2", req.ID, models.PermissionDecision{Allowed: true}); err != nil {
		t.Fatalf("RespondPermission: %v", err)
	}
	if err := r.RespondPermission("s2", req.ID, models.PermissionDecision{Allowed: false}); !errors.Is(err, ErrPermissionNotFound) {
		t.Fatalf("second response err = %v, want ErrPermissionNotFound", err)
	}

	resolved := sub.waitFor(t, NotifyPermissionResolved)
	if resolved.Event.Permission.RequestID != req.ID || !resolved.Event.Permission.Decision.Allowed {
		t.Fatalf("resolution = %+v", resolved.Event.Permission)
	}
	result := sub.waitForEvent(t, models.EventToolResult)
	if result.Tool.IsError {
		t.Fatalf("allowed tool reported error: %+v", result.Tool)
	}
	sub.waitFor(t, NotifyCompleted)

	decisions := rt.Decisions()
	if len(decisions) != 1 || !decisions[0].Allowed {
		t.Fatalf("runtime decisions = %+v", decisions)
	}
}

func TestRegistry_PermissionTimeoutDenies(t *testing.T) {
	rt := runtimetest.New(
		runtimetest.Step{Permission: &runtime.ToolPermission{ToolName: "Write", ToolUseID: "tu-9"}},
		runtimetest.Step{Message: runtimetest.Result(5, 0, false, "")},
	)
	r, _ := newTestRegistry(t, rt, func(cfg *RegistryConfig) {
		cfg.PermissionTimeout = 20 * time.Millisecond
	})
	sub := newRecorder("conn")

	if _, err := r.Start(context.Background(), StartParams{SessionID: "slow", Prompt: "write", Subscriber: sub}); err != nil {
		t.Fatal(err)
	}
	resolved := sub.waitFor(t, NotifyPermissionResolved)
	decision := resolved.Event.Permission.Decision
	if decision.Allowed || decision.Reason != models.ReasonTimeout {
		t.Fatalf("decision = %+v, want timeout deny", decision)
	}
	// A timeout is not a session failure.
	sub.waitFor(t, NotifyCompleted)
}

func TestRegistry_RuntimeFailureMarksError(t *testing.T) {
	rt := runtimetest.New(runtimetest.Step{Err: errors.New("process exited with status 1")})
	r, _ := newTestRegistry(t, rt)
	sub := newRecorder("conn")

	if _, err := r.Start(context.Background(), StartParams{SessionID: "bad", Prompt: "x", Subscriber: sub}); err != nil {
		t.Fatal(err)
	}
	evt := sub.waitForEvent(t, models.EventError)
	if evt.Error.Code != "runtime_error" {
		t.Fatalf("error event = %+v", evt.Error)
	}
	n := sub.waitFor(t, NotifyError)
	if n.Session.State != models.SessionError || n.Session.Error == "" {
		t.Fatalf("session = %+v", n.Session)
	}
}

func TestRegistry_ResumeUsesRuntimeSessionID(t *testing.T) {
	rt := helloScript()
	r, _ := newTestRegistry(t, rt)
	sub := newRecorder("conn")

	if _, err := r.Start(context.Background(), StartParams{SessionID: "again", Prompt: "one", Subscriber: sub, PermissionMode: models.PermissionModeBypass}); err != nil {
		t.Fatal(err)
	}
	sub.waitFor(t, NotifyCompleted)
	if _, err := r.Start(context.Background(), StartParams{SessionID: "again", Prompt: "two", PermissionMode: models.PermissionModeBypass}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	sub.waitFor(t, NotifyCompleted)

	reqs := rt.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if reqs[0].Resume != "" {
		t.Fatalf("first run resumed %q", reqs[0].Resume)
	}
	if reqs[1].Resume != "rt-1" {
		t.Fatalf("second run resume = %q, want rt-1", reqs[1].Resume)
	}
}

func TestRegistry_ResumeFromHistory(t *testing.T) {
	rt := helloScript()
	hist := &fakeHistory{summaries: []models.SessionSummary{{
		ID:        "2f9c1a",
		Title:     "earlier chat",
		Cwd:       "/work/project",
		StartedAt: time.Now().Add(-time.Hour),
	}}}
	r, _ := newTestRegistry(t, rt, func(cfg *RegistryConfig) { cfg.History = hist })
	sub := newRecorder("conn")

	if _, err := r.Start(context.Background(), StartParams{SessionID: "2f9c1a", Prompt: "continue", Subscriber: sub, PermissionMode: models.PermissionModeBypass}); err != nil {
		t.Fatal(err)
	}
	started := sub.waitFor(t, NotifyStarted)
	if started.Session.Title != "earlier chat" || started.Session.Cwd != "/work/project" {
		t.Fatalf("session = %+v", started.Session)
	}
	sub.waitFor(t, NotifyCompleted)

	if got := rt.Requests()[0].Resume; got != "2f9c1a" {
		t.Fatalf("resume = %q", got)
	}
}

func TestRegistry_ListMergesHistory(t *testing.T) {
	now := time.Now()
	hist := &fakeHistory{summaries: []models.SessionSummary{
		{ID: "old", Title: "old chat", UpdatedAt: now.Add(-48 * time.Hour)},
		{ID: "rt-1", Title: "duplicate of resident", UpdatedAt: now.Add(-time.Minute)},
	}}
	r, _ := newTestRegistry(t, helloScript(), func(cfg *RegistryConfig) { cfg.History = hist })
	sub := newRecorder("conn")

	if _, err := r.Start(context.Background(), StartParams{SessionID: "mine", Prompt: "hi", Subscriber: sub, PermissionMode: models.PermissionModeBypass}); err != nil {
		t.Fatal(err)
	}
	sub.waitFor(t, NotifyCompleted)

	list := r.List(context.Background())
	if len(list) != 2 {
		t.Fatalf("list = %+v, want resident plus one historical", list)
	}
	if list[0].ID != "mine" || !list[0].Resident {
		t.Fatalf("first = %+v", list[0])
	}
	if list[1].ID != "old" || list[1].Resident {
		t.Fatalf("second = %+v", list[1])
	}
}

func TestRegistry_RestoreDropsRunning(t *testing.T) {
	store := NewMemoryStore()
	ended := time.Now().Add(-time.Hour)
	_ = store.Save(context.Background(), []models.PersistedSession{
		{
			Session: models.Session{ID: "kept", State: models.SessionCompleted, StartedAt: ended.Add(-time.Minute), EndedAt: ended},
			Events:  []models.Event{{Seq: 7, Kind: models.EventText, Text: &models.TextPayload{Text: "x"}}},
		},
		{Session: models.Session{ID: "ghost", State: models.SessionRunning, StartedAt: ended}},
	})

	r, _ := newTestRegistry(t, helloScript(), func(cfg *RegistryConfig) { cfg.Store = store })

	if _, err := r.Status("ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("running session restored: err = %v", err)
	}
	status, err := r.Status("kept")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Session.State != models.SessionCompleted || status.LastSeq != 7 {
		t.Fatalf("status = %+v", status)
	}
}

func TestRegistry_PersistsTruncatedTail(t *testing.T) {
	r, store := newTestRegistry(t, helloScript(), func(cfg *RegistryConfig) { cfg.PersistTail = 3 })
	sub := newRecorder("conn")

	if _, err := r.Start(context.Background(), StartParams{SessionID: "tail", Prompt: "hi", Subscriber: sub, PermissionMode: models.PermissionModeBypass}); err != nil {
		t.Fatal(err)
	}
	sub.waitFor(t, NotifyCompleted)

	deadline := time.Now().Add(2 * time.Second)
	for {
		loaded, _ := store.Load(context.Background())
		if len(loaded) == 1 && loaded[0].Session.State == models.SessionCompleted {
			if len(loaded[0].Events) != 3 {
				t.Fatalf("persisted %d events, want 3", len(loaded[0].Events))
			}
			if loaded[0].Events[2].Kind != models.EventResult {
				t.Fatalf("tail should end with the result, got %q", loaded[0].Events[2].Kind)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("completed session never persisted: %+v", loaded)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistry_SweepEvictsIdleSessions(t *testing.T) {
	store := NewMemoryStore()
	ended := time.Now().Add(-2 * time.Hour)
	_ = store.Save(context.Background(), []models.PersistedSession{
		{Session: models.Session{ID: "stale", State: models.SessionCompleted, StartedAt: ended, EndedAt: ended}},
		{Session: models.Session{ID: "watched", State: models.SessionCompleted, StartedAt: ended, EndedAt: ended}},
		{Session: models.Session{ID: "fresh", State: models.SessionCompleted, StartedAt: time.Now(), EndedAt: time.Now()}},
	})
	r, _ := newTestRegistry(t, helloScript(), func(cfg *RegistryConfig) { cfg.Store = store })

	if err := r.Subscribe(newRecorder("viewer"), "watched"); err != nil {
		t.Fatal(err)
	}
	waiting := newRecorder("waiter")
	if err := r.Subscribe(waiting, "not-started"); err != nil {
		t.Fatal(err)
	}
	r.Unsubscribe(waiting, "not-started")

	if n := r.Sweep(time.Now()); n != 2 {
		t.Fatalf("evicted %d, want 2 (stale and not-started)", n)
	}
	for id, want := range map[string]bool{"stale": false, "not-started": false, "watched": true, "fresh": true} {
		if got := r.Resident(id); got != want {
			t.Errorf("Resident(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestRegistry_DropsFailingSubscriber(t *testing.T) {
	gate := make(chan struct{})
	rt := runtimetest.New(
		runtimetest.Step{Gate: gate},
		runtimetest.Step{Message: runtimetest.Text("after")},
		runtimetest.Step{Message: runtimetest.Result(1, 0, false, "")},
	)
	r, _ := newTestRegistry(t, rt)
	slow := newRecorder("slow")
	healthy := newRecorder("healthy")

	if _, err := r.Start(context.Background(), StartParams{SessionID: "fan", Prompt: "go", Subscriber: slow, PermissionMode: models.PermissionModeBypass}); err != nil {
		t.Fatal(err)
	}
	if err := r.Subscribe(healthy, "fan"); err != nil {
		t.Fatal(err)
	}
	slow.fail.Store(true)
	close(gate)
	healthy.waitFor(t, NotifyCompleted)

	status, err := r.Status("fan")
	if err != nil {
		t.Fatal(err)
	}
	if status.Subscribers != 1 {
		t.Fatalf("subscribers = %d, want 1", status.Subscribers)
	}
}

func TestRegistry_StartValidation(t *testing.T) {
	r, _ := newTestRegistry(t, helloScript())
	ctx := context.Background()

	if _, err := r.Start(ctx, StartParams{SessionID: "x"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty prompt err = %v", err)
	}
	if _, err := r.Start(ctx, StartParams{SessionID: "../etc", Prompt: "p"}); !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("bad id err = %v", err)
	}
	if _, err := r.Start(ctx, StartParams{Prompt: "p", PermissionMode: "yolo"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("bad mode err = %v", err)
	}
	if err := r.RespondPermission("nope", "req", models.PermissionDecision{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown session err = %v", err)
	}
	if _, err := r.Status("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("status err = %v", err)
	}
}

func TestRegistry_ShutdownAbortsAndCloses(t *testing.T) {
	rt := runtimetest.New(runtimetest.Step{Hang: true})
	store := NewMemoryStore()
	r := NewRegistry(RegistryConfig{Runtime: rt, Store: store, Logger: testLogger()})
	if err := r.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	sub := newRecorder("conn")
	if _, err := r.Start(context.Background(), StartParams{SessionID: "hang", Prompt: "wait", Subscriber: sub, PermissionMode: models.PermissionModeBypass}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	sub.waitFor(t, NotifyAborted)

	if _, err := r.Start(context.Background(), StartParams{Prompt: "late"}); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("start after shutdown err = %v", err)
	}
	loaded, _ := store.Load(context.Background())
	if len(loaded) != 1 || loaded[0].Session.State != models.SessionAborted {
		t.Fatalf("persisted = %+v", loaded)
	}
}

func TestRegistry_LoadConversationUsesRuntimeID(t *testing.T) {
	hist := &fakeHistory{entries: map[string][]models.ConversationEntry{
		"rt-1": {{Kind: models.EntryUser, Text: "hi"}},
	}}
	r, _ := newTestRegistry(t, helloScript(), func(cfg *RegistryConfig) { cfg.History = hist })
	sub := newRecorder("conn")

	if _, err := r.Start(context.Background(), StartParams{SessionID: "local", Prompt: "hi", Subscriber: sub, PermissionMode: models.PermissionModeBypass}); err != nil {
		t.Fatal(err)
	}
	sub.waitFor(t, NotifyCompleted)

	entries, err := r.LoadConversation(context.Background(), "local")
	if err != nil {
		t.Fatalf("LoadConversation: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "hi" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestRegistry_SessionListBroadcast(t *testing.T) {
	r, _ := newTestRegistry(t, helloScript())
	conn := newRecorder("conn")
	r.Connect(conn)

	if _, err := r.Start(context.Background(), StartParams{SessionID: "listed", Prompt: "hi", PermissionMode: models.PermissionModeBypass}); err != nil {
		t.Fatal(err)
	}
	n := conn.waitFor(t, NotifySessions)
	if len(n.Sessions) != 1 || n.Sessions[0].ID != "listed" {
		t.Fatalf("sessions = %+v", n.Sessions)
	}

	r.Disconnect(conn)
	before := len(conn.all())
	r.BroadcastSessions(context.Background())
	if len(conn.all()) != before {
		t.Fatal("disconnected subscriber still receives broadcasts")
	}
}

func TestRegistry_SubscribeMidRunReplaysWithoutGap(t *testing.T) {
	gate := make(chan struct{})
	rt := runtimetest.New(
		runtimetest.Step{Message: runtimetest.Init("rt-mid", "")},
		runtimetest.Step{Message: runtimetest.TextDelta("a")},
		runtimetest.Step{Message: runtimetest.TextDelta("b")},
		runtimetest.Step{Gate: gate},
		runtimetest.Step{Message: runtimetest.TextDelta("c")},
		runtimetest.Step{Message: runtimetest.Result(3, 0, false, "abc")},
	)
	r, _ := newTestRegistry(t, rt)
	first := newRecorder("first")

	if _, err := r.Start(context.Background(), StartParams{SessionID: "mid", Prompt: "spell", Subscriber: first, PermissionMode: models.PermissionModeBypass}); err != nil {
		t.Fatal(err)
	}
	first.waitUntil(t, "delta b", func(n Notification) bool {
		return n.Event != nil && n.Event.Text != nil && n.Event.Text.Text == "b"
	})

	second := newRecorder("second")
	if err := r.Subscribe(second, "mid"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	close(gate)
	second.waitFor(t, NotifyCompleted)

	var seqs []uint64
	for _, n := range second.all() {
		switch {
		case n.Type == NotifyReplay:
			for _, evt := range n.Events {
				seqs = append(seqs, evt.Seq)
			}
		case n.Event != nil:
			seqs = append(seqs, n.Event.Seq)
		}
	}
	status, err := r.Status("mid")
	if err != nil {
		t.Fatal(err)
	}
	if len(seqs) == 0 || seqs[0] != 1 {
		t.Fatalf("seqs = %v, want to start at 1", seqs)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("seqs = %v, gap or duplicate at %d", seqs, i)
		}
	}
	if last := seqs[len(seqs)-1]; last != status.LastSeq {
		t.Fatalf("last seq = %d, want %d", last, status.LastSeq)
	}
}

func TestRegistry_EarlierRunCleanupSparesNextRun(t *testing.T) {
	rt := runtimetest.New(
		runtimetest.Step{Message: runtimetest.Init("rt-twice", "")},
		runtimetest.Step{Permission: &runtime.ToolPermission{ToolName: "Bash", ToolUseID: "tu-1"}},
		runtimetest.Step{Message: runtimetest.Result(1, 0, false, "")},
	)
	r, _ := newTestRegistry(t, rt)
	sub := newRecorder("conn")

	if _, err := r.Start(context.Background(), StartParams{SessionID: "twice", Prompt: "first", Subscriber: sub}); err != nil {
		t.Fatal(err)
	}
	sub.waitForEvent(t, models.EventPermissionRequest)
	e := r.get("twice")
	e.mu.Lock()
	earlier := e.broker
	e.mu.Unlock()

	if !r.Abort("twice") {
		t.Fatal("Abort() = false")
	}
	sub.waitFor(t, NotifyAborted)
	sub.waitFor(t, NotifyState)

	if _, err := r.Start(context.Background(), StartParams{SessionID: "twice", Prompt: "second", Subscriber: sub}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	req := sub.waitForEvent(t, models.EventPermissionRequest).Permission.Request

	// Late cleanup of the first run must not reach the second.
	earlier.Close(models.ReasonAborted)
	if n := earlier.DenyAll(models.ReasonAborted); n != 0 {
		t.Fatalf("earlier broker denied %d requests", n)
	}
	status, err := r.Status("twice")
	if err != nil {
		t.Fatal(err)
	}
	if len(status.PendingPermissions) != 1 || status.PendingPermissions[0].ID != req.ID {
		t.Fatalf("pending = %+v, want %s", status.PendingPermissions, req.ID)
	}

	if err := r.RespondPermission("twice", req.ID, models.PermissionDecision{Allowed: true}); err != nil {
		t.Fatalf("RespondPermission: %v", err)
	}
	sub.waitFor(t, NotifyCompleted)
	decisions := rt.Decisions()
	if len(decisions) == 0 || !decisions[len(decisions)-1].Allowed {
		t.Fatalf("runtime decisions = %+v", decisions)
	}
}

func TestRegistry_SweepSparesPinnedEntry(t *testing.T) {
	r, _ := newTestRegistry(t, helloScript())

	r.mu.Lock()
	e := r.pinLocked("pinned")
	r.mu.Unlock()
	if n := r.Sweep(time.Now()); n != 0 || !r.Resident("pinned") {
		t.Fatalf("Sweep() = %d with entry pinned, resident=%v", n, r.Resident("pinned"))
	}
	r.unpin(e)
	if n := r.Sweep(time.Now()); n != 1 || r.Resident("pinned") {
		t.Fatalf("Sweep() = %d after unpin, resident=%v", n, r.Resident("pinned"))
	}
}

func TestRegistry_SubscribeRacingSweepStaysResident(t *testing.T) {
	r, _ := newTestRegistry(t, helloScript())
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.Sweep(time.Now())
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	sub := newRecorder("viewer")
	for i := 0; i < 500; i++ {
		if err := r.Subscribe(sub, "contended"); err != nil {
			t.Fatalf("Subscribe #%d: %v", i, err)
		}
		status, err := r.Status("contended")
		if err != nil || status.Subscribers != 1 {
			t.Fatalf("after Subscribe #%d: subscribers=%d err=%v", i, status.Subscribers, err)
		}
		r.Unsubscribe(sub, "contended")
	}
}
