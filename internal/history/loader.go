// Package history reads the runtime's append-only project logs to list past
// sessions and reconstruct their conversations. It never writes to the logs.
package history

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/runtime"
	"github.com/haasonsaas/conduit/pkg/models"
)

// ErrNotFound is returned when no log exists for a session id.
var ErrNotFound = errors.New("conversation log not found")

// maxLineBytes bounds a single log line. Tool results with large file
// contents can produce multi-megabyte lines.
const maxLineBytes = 16 << 20

var logIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// DefaultRoot returns ~/.claude/projects.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", "projects")
	}
	return filepath.Join(home, ".claude", "projects")
}

// Loader reconstructs conversations from project logs under a root
// directory laid out as <root>/<project>/<session-id>.jsonl.
type Loader struct {
	root   string
	logger *slog.Logger
}

// NewLoader creates a loader rooted at root.
func NewLoader(root string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{root: root, logger: logger.With("component", "history")}
}

// Root returns the log root directory.
func (l *Loader) Root() string {
	return l.root
}

// Find returns the log path for id. When several projects hold a log with
// the same id, the most recently modified one wins.
func (l *Loader) Find(id string) (string, error) {
	if !logIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	matches, err := filepath.Glob(filepath.Join(l.root, "*", id+".jsonl"))
	if err != nil {
		return "", fmt.Errorf("search logs: %w", err)
	}
	var (
		best    string
		bestMod int64
	)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if mod := info.ModTime().UnixNano(); best == "" || mod > bestMod {
			best, bestMod = path, mod
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return best, nil
}

// LoadConversation replays the log of id once, in order.
func (l *Loader) LoadConversation(ctx context.Context, id string) ([]models.ConversationEntry, error) {
	path, err := l.Find(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	b := newConversationBuilder()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		line, err := decodeLine(raw)
		if err != nil {
			l.logger.Debug("skipping malformed log line", "path", path, "line", lineNo, "error", err)
			continue
		}
		b.add(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log %s: %w", filepath.Base(path), err)
	}
	return b.entries, nil
}

// conversationBuilder accumulates entries, pairing tool results with the
// calls that produced them.
type conversationBuilder struct {
	entries []models.ConversationEntry
	// calls maps tool-use ids to their entry index.
	calls map[string]int
	// warmup holds uuids of the warm-up exchange.
	warmup map[string]struct{}
}

func newConversationBuilder() *conversationBuilder {
	return &conversationBuilder{
		calls:  make(map[string]int),
		warmup: make(map[string]struct{}),
	}
}

func (b *conversationBuilder) add(line logLine) {
	if line.Type != runtime.TypeUser && line.Type != runtime.TypeAssistant {
		return
	}
	if line.IsMeta || line.IsSidechain || line.Message == nil {
		return
	}
	if b.isWarmup(line) {
		b.warmup[line.UUID] = struct{}{}
		return
	}

	ts := line.time()
	if line.Type == runtime.TypeAssistant {
		b.addAssistant(line, ts)
		return
	}
	b.addUser(line, ts)
}

// isWarmup reports lines belonging to the runtime's warm-up exchange: the
// warm-up prompt itself and the assistant replies chained to it.
func (b *conversationBuilder) isWarmup(line logLine) bool {
	if line.Type == runtime.TypeAssistant {
		_, ok := b.warmup[line.ParentUUID]
		return ok && line.ParentUUID != ""
	}
	if len(line.Message.Content) != 1 {
		return false
	}
	block := line.Message.Content[0]
	return block.Type == runtime.BlockText && strings.TrimSpace(block.Text) == warmupPrompt
}

func (b *conversationBuilder) addAssistant(line logLine, ts time.Time) {
	for _, block := range line.Message.Content {
		switch block.Type {
		case runtime.BlockThinking:
			if strings.TrimSpace(block.Thinking) == "" {
				continue
			}
			b.entries = append(b.entries, models.ConversationEntry{
				Kind:      models.EntryThinking,
				UUID:      line.UUID,
				Timestamp: ts,
				Text:      block.Thinking,
			})
		case runtime.BlockText:
			if strings.TrimSpace(block.Text) == "" {
				continue
			}
			b.entries = append(b.entries, models.ConversationEntry{
				Kind:      models.EntryAssistant,
				UUID:      line.UUID,
				Timestamp: ts,
				Text:      block.Text,
			})
		case runtime.BlockToolUse:
			b.calls[block.ID] = len(b.entries)
			b.entries = append(b.entries, models.ConversationEntry{
				Kind:      models.EntryTool,
				UUID:      line.UUID,
				Timestamp: ts,
				ToolName:  block.Name,
				ToolUseID: block.ID,
				ToolInput: block.Input,
			})
		}
	}
}

func (b *conversationBuilder) addUser(line logLine, ts time.Time) {
	var texts []string
	for _, block := range line.Message.Content {
		switch block.Type {
		case runtime.BlockToolResult:
			b.resolve(block, line, ts)
		case runtime.BlockText:
			if text := cleanUserText(block.Text); text != "" {
				texts = append(texts, text)
			}
		}
	}
	if len(texts) == 0 {
		return
	}
	b.entries = append(b.entries, models.ConversationEntry{
		Kind:      models.EntryUser,
		UUID:      line.UUID,
		Timestamp: ts,
		Text:      strings.Join(texts, "\n\n"),
	})
}

func (b *conversationBuilder) resolve(block runtime.ContentBlock, line logLine, ts time.Time) {
	if idx, ok := b.calls[block.ToolUseID]; ok {
		entry := &b.entries[idx]
		entry.ToolResult = block.ResultText()
		entry.IsError = block.IsError
		entry.Resolved = true
		delete(b.calls, block.ToolUseID)
		return
	}
	b.entries = append(b.entries, models.ConversationEntry{
		Kind:       models.EntryTool,
		UUID:       line.UUID,
		Timestamp:  ts,
		ToolUseID:  block.ToolUseID,
		ToolResult: block.ResultText(),
		IsError:    block.IsError,
		Resolved:   true,
	})
}
