// Package runner drives one agent runtime invocation for a session and
// normalizes its native output into session events.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/permissions"
	"github.com/haasonsaas/conduit/internal/runtime"
	"github.com/haasonsaas/conduit/pkg/models"
)

const interruptTimeout = 2 * time.Second

// Sink receives everything a run produces. Calls are made from the runner
// goroutine, in production order, except permission notifications which the
// broker delivers from the deciding goroutine.
type Sink interface {
	Emit(evt models.Event)
	SetInit(info InitInfo)
}

// Config describes one run.
type Config struct {
	SessionID      string
	Prompt         string
	Cwd            string
	Resume         string
	Model          string
	PermissionMode models.PermissionMode
	MaxTurns       int
	MaxBudgetUSD   float64
}

// Outcome is the terminal result of a run.
type Outcome struct {
	State  models.SessionState
	Err    error
	Result *models.ResultSummary
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = metrics }
}

// WithTracer sets the tracer used for the run span.
func WithTracer(tracer *observability.Tracer) Option {
	return func(r *Runner) { r.tracer = tracer }
}

// Runner drives a single invocation. It must not be run twice.
type Runner struct {
	cfg     Config
	rt      runtime.Runtime
	sink    Sink
	broker  *permissions.Broker
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu              sync.Mutex
	cancel          context.CancelFunc
	cancelRequested bool
}

// New creates a runner. broker owns the session's permission policy and
// pending requests.
func New(cfg Config, rt runtime.Runtime, sink Sink, broker *permissions.Broker, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		rt:     rt,
		sink:   sink,
		broker: broker,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runner", "session_id", cfg.SessionID)
	return r
}

// Cancel requests cancellation. It is safe to call before, during, or after
// Run and any number of times. Once called, the outcome is always aborted.
func (r *Runner) Cancel() {
	r.mu.Lock()
	r.cancelRequested = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cancelled reports whether Cancel has been called.
func (r *Runner) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

// Run consumes the runtime stream until it ends, fails, or is cancelled.
// It never panics; a panic inside the run is reported as an error outcome.
func (r *Runner) Run(parent context.Context) (out Outcome) {
	start := time.Now()
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	r.mu.Lock()
	r.cancel = cancel
	if r.cancelRequested {
		cancel()
	}
	r.mu.Unlock()

	mode := r.cfg.PermissionMode
	if mode == "" {
		mode = models.PermissionModeDefault
	}
	ctx, span := r.tracer.TraceRun(ctx, r.cfg.SessionID, string(mode))
	defer span.End()
	r.metrics.SessionStarted(string(mode))

	var (
		result *models.ResultSummary
		runErr error
	)
	defer func() {
		if p := recover(); p != nil {
			runErr = fmt.Errorf("runner panic: %v", p)
			r.logger.Error("runner panicked", "panic", p, "stack", string(debug.Stack()))
			r.metrics.RecordError("runner", "panic")
		}
		out = r.finish(start, result, runErr)
		r.tracer.SetAttributes(span, "session.state", string(out.State))
		if out.Err != nil {
			r.tracer.RecordError(span, out.Err)
		}
		r.metrics.SessionEnded(string(out.State), time.Since(start).Seconds())
	}()

	req := runtime.Request{
		Prompt:         r.cfg.Prompt,
		Cwd:            r.cfg.Cwd,
		Resume:         r.cfg.Resume,
		Model:          r.cfg.Model,
		PermissionMode: mode,
		MaxTurns:       r.cfg.MaxTurns,
		MaxBudgetUSD:   r.cfg.MaxBudgetUSD,
	}
	if !r.broker.Policy().Bypass() {
		req.CanUseTool = r.canUseTool
	}

	r.logger.Info("run started", "resume", r.cfg.Resume != "", "permission_mode", mode, "cwd", r.cfg.Cwd)
	stream, err := r.rt.Query(ctx, req)
	if err != nil {
		runErr = fmt.Errorf("start runtime: %w", err)
		return out
	}
	defer func() {
		if err := stream.Close(); err != nil {
			r.logger.Debug("closing runtime stream", "error", err)
		}
	}()

	for {
		if ctx.Err() != nil {
			r.interrupt(stream)
			break
		}
		msg, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				r.interrupt(stream)
				break
			}
			runErr = err
			break
		}

		tr := Translate(msg)
		if tr.Unknown {
			r.logger.Debug("dropping unknown runtime message", "type", msg.Type, "subtype", msg.Subtype)
			continue
		}
		if tr.Init != nil {
			r.sink.SetInit(*tr.Init)
		}
		for _, evt := range tr.Events {
			r.sink.Emit(evt)
		}
		if tr.Result != nil {
			result = tr.Result
		}
	}
	return out
}

func (r *Runner) finish(start time.Time, result *models.ResultSummary, runErr error) Outcome {
	if result == nil {
		result = &models.ResultSummary{
			DurationMS: time.Since(start).Milliseconds(),
			IsError:    runErr != nil,
		}
	}

	switch {
	case r.Cancelled():
		r.logger.Info("run aborted", "duration_ms", result.DurationMS)
		return Outcome{State: models.SessionAborted, Result: result}
	case runErr != nil:
		r.logger.Warn("run failed", "error", runErr)
		r.metrics.RecordError("runner", "runtime")
		r.sink.Emit(models.Event{Kind: models.EventError, Error: &models.ErrorPayload{
			Message: runErr.Error(),
			Code:    "runtime_error",
		}})
		return Outcome{State: models.SessionError, Err: runErr, Result: result}
	case result.IsError:
		err := errors.New(resultErrorMessage(result))
		r.logger.Warn("run ended with error result", "subtype", result.Subtype, "error", err)
		return Outcome{State: models.SessionError, Err: err, Result: result}
	default:
		r.logger.Info("run completed",
			"duration_ms", result.DurationMS,
			"num_turns", result.NumTurns,
			"cost_usd", result.CostUSD,
		)
		return Outcome{State: models.SessionCompleted, Result: result}
	}
}

func resultErrorMessage(result *models.ResultSummary) string {
	if text := strings.TrimSpace(result.Text); text != "" {
		return text
	}
	if result.Subtype != "" {
		return strings.ReplaceAll(result.Subtype, "_", " ")
	}
	return "agent runtime reported an error"
}

func (r *Runner) interrupt(stream runtime.Stream) {
	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()
	if err := stream.Interrupt(ctx); err != nil {
		r.logger.Debug("interrupting runtime stream", "error", err)
	}
}

// canUseTool is the runtime permission callback. It blocks only this run.
func (r *Runner) canUseTool(ctx context.Context, perm runtime.ToolPermission) models.PermissionDecision {
	if ok, reason := r.broker.Policy().Check(perm.ToolName); ok {
		r.logger.Debug("tool allowed by session policy", "tool_name", perm.ToolName, "reason", reason)
		r.metrics.RecordPermission("auto", 0)
		return models.PermissionDecision{Allowed: true, Reason: models.ReasonPolicy}
	}

	pending, err := r.broker.Request(perm.ToolName, perm.Input, perm.ToolUseID)
	if err != nil {
		r.metrics.RecordPermission("aborted", 0)
		return models.PermissionDecision{Allowed: false, Reason: models.ReasonAborted}
	}

	started := time.Now()
	decision := pending.Wait(ctx)
	r.metrics.RecordPermission(permissionOutcome(decision), time.Since(started).Seconds())
	return decision
}

func permissionOutcome(decision models.PermissionDecision) string {
	switch {
	case decision.Allowed:
		return "allowed"
	case decision.Reason == models.ReasonTimeout:
		return "timeout"
	case decision.Reason == models.ReasonAborted, decision.Reason == models.ReasonCancelled, decision.Reason == models.ReasonShutdown:
		return "aborted"
	default:
		return "denied"
	}
}
