package models

import (
	"encoding/json"
	"time"
)

// ConversationEntryKind is the kind of a reconstructed conversation entry.
type ConversationEntryKind string

const (
	EntryUser      ConversationEntryKind = "user"
	EntryAssistant ConversationEntryKind = "assistant"
	EntryTool      ConversationEntryKind = "tool"
	EntryThinking  ConversationEntryKind = "thinking"
)

// ConversationEntry is one read-only entry of a historical conversation.
type ConversationEntry struct {
	Kind      ConversationEntryKind `json:"kind"`
	UUID      string                `json:"uuid,omitempty"`
	Timestamp time.Time             `json:"timestamp,omitempty"`
	Text      string                `json:"text,omitempty"`

	// Tool entries only.
	ToolName   string          `json:"tool_name,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	// Resolved is false for a call whose result never appeared in the log.
	Resolved bool `json:"resolved"`
}
