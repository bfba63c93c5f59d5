package models

import (
	"encoding/json"
	"time"
)

// PermissionMode controls whether tool calls pause for a human decision.
type PermissionMode string

const (
	PermissionModeDefault     PermissionMode = "default"
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	PermissionModeBypass      PermissionMode = "bypassPermissions"
	PermissionModePlan        PermissionMode = "plan"
)

// Valid reports whether m is a known mode. The empty mode is valid and means default.
func (m PermissionMode) Valid() bool {
	switch m {
	case "", PermissionModeDefault, PermissionModeAcceptEdits, PermissionModeBypass, PermissionModePlan:
		return true
	default:
		return false
	}
}

// PermissionRequest correlates a paused tool invocation with a human decision.
type PermissionRequest struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
}

// PermissionDecision is the resolution of a permission request.
type PermissionDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// UpdatedInput optionally replaces the tool input when allowed.
	UpdatedInput json.RawMessage `json:"updated_input,omitempty"`
	// PolicyUpdate optionally changes the session's permission policy.
	PolicyUpdate *PolicyUpdate `json:"policy_update,omitempty"`
}

// PolicyUpdateKind names a session-scoped policy change.
type PolicyUpdateKind string

const (
	// PolicyAllowTool allows a tool (or tool pattern) for the rest of the session.
	PolicyAllowTool PolicyUpdateKind = "allow_tool"
	// PolicySetMode switches the session permission mode.
	PolicySetMode PolicyUpdateKind = "set_mode"
)

// PolicyUpdate is a session-scoped permission policy change carried by a decision.
type PolicyUpdate struct {
	Kind     PolicyUpdateKind `json:"kind"`
	ToolName string           `json:"tool_name,omitempty"`
	Mode     PermissionMode   `json:"mode,omitempty"`
}

// Decision reasons set by the broker itself.
const (
	ReasonTimeout   = "timeout"
	ReasonAborted   = "aborted"
	ReasonShutdown  = "shutdown"
	ReasonCancelled = "cancelled"
	ReasonPolicy    = "policy"
)
