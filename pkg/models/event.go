// Package models provides domain types shared by the conduit broker, its
// transport, and its persistence layer.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the normalized notification emitted during a session's lifetime.
// It is the single translation boundary between the agent runtime and
// everything downstream.
//
// Design principles:
//   - Closed set of kinds with one payload pointer per kind
//   - Seq is assigned by the session buffer and is strictly increasing
//   - Events are never mutated after they are appended
type Event struct {
	// Seq is monotonic within a session; clients dedupe replays by it.
	Seq uint64 `json:"seq"`

	// Kind identifies the payload carried by the event.
	Kind EventKind `json:"type"`

	// Time is when the event was produced.
	Time time.Time `json:"timestamp"`

	// Truncated is set when oversized payload fields were cut.
	Truncated bool `json:"truncated,omitempty"`

	// Exactly one payload should be non-nil for a given Kind.
	Init       *InitPayload       `json:"init,omitempty"`
	Status     *StatusPayload     `json:"status,omitempty"`
	User       *UserPayload       `json:"user,omitempty"`
	Text       *TextPayload       `json:"text,omitempty"`
	Tool       *ToolPayload       `json:"tool,omitempty"`
	Permission *PermissionPayload `json:"permission,omitempty"`
	Result     *ResultSummary     `json:"result,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
}

// EventKind identifies the kind of session event.
type EventKind string

const (
	// Session lifecycle
	EventSessionInit EventKind = "session_init"
	EventStatus      EventKind = "status"
	EventUser        EventKind = "user"

	// Model output
	EventText     EventKind = "text"
	EventThinking EventKind = "thinking"

	// Tool lifecycle
	EventToolStart    EventKind = "tool_start"
	EventToolInput    EventKind = "tool_input"
	EventToolProgress EventKind = "tool_progress"
	EventToolResult   EventKind = "tool_result"

	// Permission negotiation
	EventPermissionRequest  EventKind = "permission_request"
	EventPermissionResolved EventKind = "permission_resolved"

	// Terminal summaries
	EventResult EventKind = "result"
	EventError  EventKind = "error"
)

// EventKinds lists every kind in the closed set, in declaration order.
func EventKinds() []EventKind {
	return []EventKind{
		EventSessionInit, EventStatus, EventUser, EventText, EventThinking,
		EventToolStart, EventToolInput, EventToolProgress, EventToolResult,
		EventPermissionRequest, EventPermissionResolved, EventResult, EventError,
	}
}

// InitPayload reports the runtime's session handle and model once known.
type InitPayload struct {
	RuntimeSessionID string   `json:"runtime_session_id,omitempty"`
	Model            string   `json:"model,omitempty"`
	Cwd              string   `json:"cwd,omitempty"`
	Tools            []string `json:"tools,omitempty"`
	PermissionMode   string   `json:"permission_mode,omitempty"`
}

// StatusPayload is a short human-readable status line.
type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// UserPayload carries the prompt that started a run.
type UserPayload struct {
	Text string `json:"text"`
}

// TextPayload is an incremental or complete chunk of model output.
// Used by both text and thinking events.
type TextPayload struct {
	// MessageID groups deltas belonging to the same assistant message.
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text"`
	// Delta is true for streamed fragments, false for complete blocks.
	Delta bool `json:"delta,omitempty"`
}

// ToolPayload describes one tool invocation across its lifecycle.
// Input/Output are opaque JSON to avoid coupling to tool schemas.
type ToolPayload struct {
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// PartialInput is a streamed input fragment (tool_input events). Fragments
	// are correlated by Index, the content block position in the message.
	PartialInput string `json:"partial_input,omitempty"`
	Index        int    `json:"index,omitempty"`

	// ElapsedSeconds is reported by tool_progress events.
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`

	// Output and IsError are set on tool_result events.
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// PermissionPayload carries a permission request or its resolution.
type PermissionPayload struct {
	Request  *PermissionRequest  `json:"request,omitempty"`
	Decision *PermissionDecision `json:"decision,omitempty"`
	// RequestID is set on resolutions.
	RequestID string `json:"request_id,omitempty"`
}

// ErrorPayload standardizes errors for streaming.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Validate reports whether the payload matching Kind is present.
func (e Event) Validate() error {
	var ok bool
	switch e.Kind {
	case EventSessionInit:
		ok = e.Init != nil
	case EventStatus:
		ok = e.Status != nil
	case EventUser:
		ok = e.User != nil
	case EventText, EventThinking:
		ok = e.Text != nil
	case EventToolStart, EventToolInput, EventToolProgress, EventToolResult:
		ok = e.Tool != nil
	case EventPermissionRequest, EventPermissionResolved:
		ok = e.Permission != nil
	case EventResult:
		ok = e.Result != nil
	case EventError:
		ok = e.Error != nil
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if !ok {
		return fmt.Errorf("event %q is missing its payload", e.Kind)
	}
	return nil
}

// IsTerminal reports whether the event closes a run.
func (e Event) IsTerminal() bool {
	return e.Kind == EventResult || e.Kind == EventError
}
