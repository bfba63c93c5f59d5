package permissions

import (
	"strings"
	"sync"

	"github.com/haasonsaas/conduit/pkg/models"
)

// editTools are auto-approved in acceptEdits mode.
var editTools = []string{"Edit", "MultiEdit", "Write", "NotebookEdit"}

// Policy is the session-scoped permission policy. It can only short-circuit a
// request to "allowed"; anything it does not allow goes to a human.
type Policy struct {
	mu      sync.RWMutex
	mode    models.PermissionMode
	allowed []string
}

// NewPolicy creates a policy in the given mode with an optional allowlist of
// tool patterns ("Bash", "mcp__*", "*Search", "*").
func NewPolicy(mode models.PermissionMode, allowlist ...string) *Policy {
	if mode == "" {
		mode = models.PermissionModeDefault
	}
	return &Policy{
		mode:    mode,
		allowed: append([]string(nil), allowlist...),
	}
}

// Mode returns the current permission mode.
func (p *Policy) Mode() models.PermissionMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// Bypass reports whether tool calls should never pause for authorization.
func (p *Policy) Bypass() bool {
	return p.Mode() == models.PermissionModeBypass
}

// Allowlist returns a copy of the session allowlist.
func (p *Policy) Allowlist() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.allowed...)
}

// Check reports whether toolName is allowed without asking, and why.
func (p *Policy) Check(toolName string) (bool, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch {
	case p.mode == models.PermissionModeBypass:
		return true, "bypass mode"
	case p.mode == models.PermissionModeAcceptEdits && matchesPattern(editTools, toolName):
		return true, "edit tool in acceptEdits mode"
	case matchesPattern(p.allowed, toolName):
		return true, "tool allowed for session"
	}
	return false, ""
}

// Apply applies a policy update carried by a decision. Unknown kinds are ignored.
func (p *Policy) Apply(update models.PolicyUpdate) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch update.Kind {
	case models.PolicyAllowTool:
		name := strings.TrimSpace(update.ToolName)
		if name == "" || matchesPattern(p.allowed, name) {
			return false
		}
		p.allowed = append(p.allowed, name)
		return true
	case models.PolicySetMode:
		if update.Mode == "" || !update.Mode.Valid() || update.Mode == p.mode {
			return false
		}
		p.mode = update.Mode
		return true
	default:
		return false
	}
}

func normalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// matchesPattern checks if toolName matches any pattern in the list.
// Supports: exact match, prefix* match, *suffix match, and * (all).
func matchesPattern(patterns []string, toolName string) bool {
	tool := normalizeTool(toolName)
	if tool == "" {
		return false
	}
	for _, pattern := range patterns {
		pattern = normalizeTool(pattern)
		if pattern == "" {
			continue
		}
		if pattern == "*" || pattern == tool {
			return true
		}
		if len(pattern) > 1 && strings.HasSuffix(pattern, "*") && strings.HasPrefix(tool, pattern[:len(pattern)-1]) {
			return true
		}
		if len(pattern) > 1 && strings.HasPrefix(pattern, "*") && strings.HasSuffix(tool, pattern[1:]) {
			return true
		}
	}
	return false
}
