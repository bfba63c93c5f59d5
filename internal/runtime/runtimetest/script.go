// Package runtimetest provides a deterministic scripted runtime for tests.
package runtimetest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/haasonsaas/conduit/internal/runtime"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Step is one scripted action of a stream. Exactly one field should be set.
type Step struct {
	// Message is returned from Next as is.
	Message *runtime.Message
	// Permission asks the request's CanUseTool callback and then yields a
	// tool_result user message reflecting the decision.
	Permission *runtime.ToolPermission
	// Err is returned from Next and ends the stream.
	Err error
	// Gate blocks Next until the channel is closed.
	Gate <-chan struct{}
	// Hang blocks Next until ctx ends or the stream is interrupted.
	Hang bool
	// Panic panics inside Next with the given value.
	Panic any
}

// Runtime replays the same script for every Query.
type Runtime struct {
	Steps     []Step
	ModelList []runtime.ModelInfo
	// CommandList is returned for every cwd.
	CommandList []runtime.CommandInfo
	// QueryErr fails Query itself.
	QueryErr error

	mu        sync.Mutex
	requests  []runtime.Request
	decisions []models.PermissionDecision
	streams   []*Stream
}

// New creates a scripted runtime.
func New(steps ...Step) *Runtime {
	return &Runtime{Steps: steps}
}

// Query records req and returns a stream over the script.
func (r *Runtime) Query(ctx context.Context, req runtime.Request) (runtime.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.QueryErr != nil {
		return nil, r.QueryErr
	}
	s := &Stream{
		runtime:     r,
		req:         req,
		steps:       append([]Step(nil), r.Steps...),
		interrupted: make(chan struct{}),
	}
	r.streams = append(r.streams, s)
	return s, nil
}

// Models returns ModelList.
func (r *Runtime) Models(ctx context.Context) ([]runtime.ModelInfo, error) {
	return r.ModelList, nil
}

// Commands returns CommandList.
func (r *Runtime) Commands(ctx context.Context, cwd string) ([]runtime.CommandInfo, error) {
	return r.CommandList, nil
}

// Requests returns every request passed to Query.
func (r *Runtime) Requests() []runtime.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runtime.Request(nil), r.requests...)
}

// Decisions returns every permission decision received by scripted streams.
func (r *Runtime) Decisions() []models.PermissionDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.PermissionDecision(nil), r.decisions...)
}

// Closed reports how many streams have been closed.
func (r *Runtime) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.streams {
		if s.isClosed() {
			n++
		}
	}
	return n
}

// Stream is a scripted runtime.Stream.
type Stream struct {
	runtime *Runtime
	req     runtime.Request
	steps   []Step
	pos     int

	mu          sync.Mutex
	closed      bool
	interrupted chan struct{}
	interruptMu sync.Once
}

// Next advances the script.
func (s *Stream) Next(ctx context.Context) (runtime.Message, error) {
	for s.pos < len(s.steps) {
		step := s.steps[s.pos]
		s.pos++

		switch {
		case step.Message != nil:
			return *step.Message, nil
		case step.Permission != nil:
			return s.askPermission(ctx, *step.Permission), nil
		case step.Err != nil:
			s.pos = len(s.steps)
			return runtime.Message{}, step.Err
		case step.Gate != nil:
			select {
			case <-step.Gate:
			case <-ctx.Done():
				return runtime.Message{}, ctx.Err()
			}
		case step.Hang:
			select {
			case <-ctx.Done():
				return runtime.Message{}, ctx.Err()
			case <-s.interrupted:
				return runtime.Message{}, io.EOF
			}
		case step.Panic != nil:
			panic(step.Panic)
		}
	}
	return runtime.Message{}, io.EOF
}

func (s *Stream) askPermission(ctx context.Context, perm runtime.ToolPermission) runtime.Message {
	decision := models.PermissionDecision{Allowed: true}
	if s.req.CanUseTool != nil {
		decision = s.req.CanUseTool(ctx, perm)
	}
	s.runtime.mu.Lock()
	s.runtime.decisions = append(s.runtime.decisions, decision)
	s.runtime.mu.Unlock()

	output := fmt.Sprintf("%s completed", perm.ToolName)
	if !decision.Allowed {
		output = "Permission denied"
		if decision.Reason != "" {
			output += ": " + decision.Reason
		}
	}
	content, _ := json.Marshal(output)
	return runtime.Message{
		Type: runtime.TypeUser,
		Message: &runtime.APIMessage{
			Role: "user",
			Content: runtime.Content{{
				Type:      runtime.BlockToolResult,
				ToolUseID: perm.ToolUseID,
				Content:   content,
				IsError:   !decision.Allowed,
			}},
		},
	}
}

// Interrupt releases a hanging step.
func (s *Stream) Interrupt(ctx context.Context) error {
	s.interruptMu.Do(func() { close(s.interrupted) })
	return nil
}

// Close marks the stream closed.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Init returns a system/init message.
func Init(runtimeSessionID, model string) *runtime.Message {
	return &runtime.Message{
		Type:      runtime.TypeSystem,
		Subtype:   runtime.SubtypeInit,
		SessionID: runtimeSessionID,
		Model:     model,
	}
}

// Text returns a complete assistant text message.
func Text(text string) *runtime.Message {
	return &runtime.Message{
		Type: runtime.TypeAssistant,
		Message: &runtime.APIMessage{
			Role:    "assistant",
			Content: runtime.Content{{Type: runtime.BlockText, Text: text}},
		},
	}
}

// TextDelta returns a streamed text fragment.
func TextDelta(text string) *runtime.Message {
	return &runtime.Message{
		Type: runtime.TypeStreamEvent,
		Event: &runtime.StreamEvent{
			Type:  runtime.StreamContentBlockDelta,
			Delta: &runtime.Delta{Type: runtime.DeltaText, Text: text},
		},
	}
}

// ToolUse returns an assistant message calling a tool.
func ToolUse(id, name string, input string) *runtime.Message {
	return &runtime.Message{
		Type: runtime.TypeAssistant,
		Message: &runtime.APIMessage{
			Role: "assistant",
			Content: runtime.Content{{
				Type:  runtime.BlockToolUse,
				ID:    id,
				Name:  name,
				Input: json.RawMessage(input),
			}},
		},
	}
}

// Result returns a result message.
func Result(durationMS int64, costUSD float64, isError bool, text string) *runtime.Message {
	subtype := "success"
	if isError {
		subtype = "error_during_execution"
	}
	return &runtime.Message{
		Type:         runtime.TypeResult,
		Subtype:      subtype,
		DurationMS:   durationMS,
		TotalCostUSD: costUSD,
		NumTurns:     1,
		IsError:      isError,
		Result:       text,
	}
}
