package models

import (
	"encoding/json"
	"time"
)

// SessionState is the lifecycle state of a session's current run.
type SessionState string

const (
	SessionRunning   SessionState = "running"
	SessionCompleted SessionState = "completed"
	SessionError     SessionState = "error"
	SessionAborted   SessionState = "aborted"
)

// IsTerminal reports whether no further transitions are allowed out of s.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionError, SessionAborted:
		return true
	default:
		return false
	}
}

// Session identifies one agent conversation.
type Session struct {
	ID               string         `json:"id"`
	State            SessionState   `json:"state"`
	StartedAt        time.Time      `json:"started_at"`
	EndedAt          time.Time      `json:"ended_at,omitempty"`
	Cwd              string         `json:"cwd,omitempty"`
	Title            string         `json:"title,omitempty"`
	Model            string         `json:"model,omitempty"`
	PermissionMode   string         `json:"permission_mode,omitempty"`
	RuntimeSessionID string         `json:"runtime_session_id,omitempty"`
	Error            string         `json:"error,omitempty"`
	Result           *ResultSummary `json:"result,omitempty"`
}

// ResultSummary is attached to a session on every terminal transition.
type ResultSummary struct {
	DurationMS    int64           `json:"duration_ms"`
	DurationAPIMS int64           `json:"duration_api_ms,omitempty"`
	CostUSD       float64         `json:"cost_usd,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	Text          string          `json:"text,omitempty"`
	Subtype       string          `json:"subtype,omitempty"`
	Usage         json.RawMessage `json:"usage,omitempty"`
}

// SessionSummary is the list view of a session, resident or historical.
type SessionSummary struct {
	ID        string       `json:"id"`
	State     SessionState `json:"state,omitempty"`
	Title     string       `json:"title,omitempty"`
	Cwd       string       `json:"cwd,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
	// Resident is false for sessions known only from the external log.
	Resident     bool `json:"resident"`
	MessageCount int  `json:"message_count,omitempty"`
}

// SessionStatus is the detailed view returned by status requests.
type SessionStatus struct {
	Session            Session             `json:"session"`
	EventCount         int                 `json:"event_count"`
	LastSeq            uint64              `json:"last_seq"`
	Subscribers        int                 `json:"subscribers"`
	PendingPermissions []PermissionRequest `json:"pending_permissions,omitempty"`
}

// PersistedSession is the durable form of a non-running session.
type PersistedSession struct {
	Session Session `json:"session"`
	// Events is the truncated buffer tail.
	Events []Event `json:"events,omitempty"`
}
