package history

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/runtime"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Index lists historical sessions. Per-file summaries are cached by size and
// modification time; Invalidate forces the next List to re-stat the root.
type Index struct {
	loader *Loader

	mu    sync.Mutex
	files map[string]cachedSummary
	list  []models.SessionSummary
	byID  map[string]models.SessionSummary
	valid bool
}

type cachedSummary struct {
	size    int64
	modTime time.Time
	summary models.SessionSummary
}

// NewIndex creates an index over loader's root.
func NewIndex(loader *Loader) *Index {
	return &Index{
		loader: loader,
		files:  make(map[string]cachedSummary),
		byID:   make(map[string]models.SessionSummary),
	}
}

// Invalidate marks the cached listing stale.
func (x *Index) Invalidate() {
	x.mu.Lock()
	x.valid = false
	x.mu.Unlock()
}

// List returns every historical session, newest first.
func (x *Index) List(ctx context.Context) ([]models.SessionSummary, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.valid {
		if err := x.rebuildLocked(ctx); err != nil {
			return nil, err
		}
	}
	return append([]models.SessionSummary(nil), x.list...), nil
}

// Lookup returns the summary of id if a log exists for it.
func (x *Index) Lookup(ctx context.Context, id string) (models.SessionSummary, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.valid {
		if err := x.rebuildLocked(ctx); err != nil {
			x.loader.logger.Warn("failed to index history", "error", err)
			return models.SessionSummary{}, false
		}
	}
	s, ok := x.byID[id]
	return s, ok
}

// LoadConversation delegates to the loader.
func (x *Index) LoadConversation(ctx context.Context, id string) ([]models.ConversationEntry, error) {
	return x.loader.LoadConversation(ctx, id)
}

func (x *Index) rebuildLocked(ctx context.Context) error {
	paths, err := filepath.Glob(filepath.Join(x.loader.root, "*", "*.jsonl"))
	if err != nil {
		return fmt.Errorf("search logs: %w", err)
	}

	files := make(map[string]cachedSummary, len(paths))
	byID := make(map[string]models.SessionSummary, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		cached, ok := x.files[path]
		if !ok || cached.size != info.Size() || !cached.modTime.Equal(info.ModTime()) {
			summary, err := summarize(path, info)
			if err != nil {
				x.loader.logger.Debug("skipping unreadable log", "path", path, "error", err)
				continue
			}
			cached = cachedSummary{size: info.Size(), modTime: info.ModTime(), summary: summary}
		}
		files[path] = cached
		if cached.summary.MessageCount == 0 {
			continue
		}
		if prev, dup := byID[cached.summary.ID]; dup && !cached.summary.UpdatedAt.After(prev.UpdatedAt) {
			continue
		}
		byID[cached.summary.ID] = cached.summary
	}

	list := make([]models.SessionSummary, 0, len(byID))
	for _, s := range byID {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})

	x.files = files
	x.byID = byID
	x.list = list
	x.valid = true
	return nil
}

// summarize scans one log for its title, cwd, time range, and the number of
// visible user and assistant messages.
func summarize(path string, info os.FileInfo) (models.SessionSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.SessionSummary{}, err
	}
	defer f.Close()

	summary := models.SessionSummary{
		ID:        strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		UpdatedAt: info.ModTime(),
	}
	var (
		firstPrompt string
		logSummary  string
		lastSeen    time.Time
		warmup      = make(map[string]struct{})
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		line, err := decodeLine(raw)
		if err != nil {
			continue
		}
		if line.Type == "summary" && line.Summary != "" && logSummary == "" {
			logSummary = line.Summary
			continue
		}
		if line.Type != runtime.TypeUser && line.Type != runtime.TypeAssistant {
			continue
		}
		if line.IsMeta || line.IsSidechain || line.Message == nil {
			continue
		}
		if isWarmupLine(line, warmup) {
			warmup[line.UUID] = struct{}{}
			continue
		}

		if ts := line.time(); !ts.IsZero() {
			if summary.StartedAt.IsZero() {
				summary.StartedAt = ts
			}
			lastSeen = ts
		}
		if summary.Cwd == "" {
			summary.Cwd = line.Cwd
		}
		if line.Type == runtime.TypeUser {
			text := userPromptText(line)
			if text == "" {
				continue
			}
			if firstPrompt == "" {
				firstPrompt = text
			}
		}
		summary.MessageCount++
	}
	if err := scanner.Err(); err != nil {
		return models.SessionSummary{}, err
	}

	if !lastSeen.IsZero() {
		summary.UpdatedAt = lastSeen
	}
	if summary.StartedAt.IsZero() {
		summary.StartedAt = summary.UpdatedAt
	}
	summary.Title = Title(logSummary)
	if summary.Title == "" {
		summary.Title = Title(firstPrompt)
	}
	return summary, nil
}

func isWarmupLine(line logLine, warmup map[string]struct{}) bool {
	b := conversationBuilder{warmup: warmup}
	return b.isWarmup(line)
}

// userPromptText returns the typed text of a user line, ignoring tool
// results and injected context.
func userPromptText(line logLine) string {
	var parts []string
	for _, block := range line.Message.Content {
		if block.Type != runtime.BlockText {
			continue
		}
		if text := cleanUserText(block.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}
