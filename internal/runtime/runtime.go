// Package runtime defines the boundary to the external agent runtime that
// the broker drives. Implementations stream native messages; the runner
// package translates them into normalized session events.
package runtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haasonsaas/conduit/pkg/models"
)

// ErrUnavailable is returned when the runtime cannot be started at all.
var ErrUnavailable = errors.New("agent runtime unavailable")

// Runtime starts agent invocations and answers discovery queries.
type Runtime interface {
	// Query starts one invocation. The returned stream must be closed.
	Query(ctx context.Context, req Request) (Stream, error)
	// Models lists the models the runtime accepts.
	Models(ctx context.Context) ([]ModelInfo, error)
	// Commands lists slash commands available in cwd.
	Commands(ctx context.Context, cwd string) ([]CommandInfo, error)
}

// Stream is an in-flight invocation.
type Stream interface {
	// Next blocks for the next native message. It returns io.EOF when the
	// invocation has finished and ctx.Err() when ctx ends first.
	Next(ctx context.Context) (Message, error)
	// Interrupt asks the runtime to stop the current turn.
	Interrupt(ctx context.Context) error
	// Close releases the invocation, terminating it if still running.
	Close() error
}

// Request describes one invocation.
type Request struct {
	Prompt string
	Cwd    string
	// Resume is the runtime's own session handle to continue, if any.
	Resume         string
	Model          string
	PermissionMode models.PermissionMode
	MaxTurns       int
	MaxBudgetUSD   float64
	// CanUseTool is consulted before each tool call that needs authorization.
	// It may block until a human decides.
	CanUseTool PermissionFunc
}

// ToolPermission is the runtime's authorization question.
type ToolPermission struct {
	ToolName  string
	Input     json.RawMessage
	ToolUseID string
}

// PermissionFunc decides whether a tool call may proceed.
type PermissionFunc func(ctx context.Context, perm ToolPermission) models.PermissionDecision

// ModelInfo describes a selectable model.
type ModelInfo struct {
	Value       string `json:"value" yaml:"value"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// CommandInfo describes a slash command.
type CommandInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argument_hint,omitempty"`
	// Source is "user" or "project".
	Source string `json:"source,omitempty"`
}
