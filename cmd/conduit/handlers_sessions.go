package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/history"
	"github.com/haasonsaas/conduit/internal/sessions"
	"github.com/haasonsaas/conduit/pkg/models"
)

// =============================================================================
// Sessions Command Handlers
// =============================================================================

// sessionRow is one line of `sessions list`.
type sessionRow struct {
	models.SessionSummary
	// Source is "store" for broker sessions and "log" for sessions known only
	// from the agent's conversation logs.
	Source string `json:"source"`
}

func runSessionsList(cmd *cobra.Command, configPath string, asJSON bool, limit int) error {
	cfg, _, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx := cmd.Context()

	persisted, err := loadPersisted(ctx, cfg)
	if err != nil {
		return err
	}
	index := history.NewIndex(history.NewLoader(historyRoot(cfg), nil))
	logged, err := index.List(ctx)
	if err != nil {
		return fmt.Errorf("list conversation logs: %w", err)
	}

	rows := mergeSessionRows(persisted, logged)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := cmd.OutOrStdout()
	if useJSON(out, asJSON) {
		return writeJSONOut(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tSOURCE\tUPDATED\tTITLE")
	for _, row := range rows {
		state := string(row.State)
		if state == "" {
			state = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			row.ID, state, row.Source, formatTime(rowTime(row.SessionSummary)), truncate(row.Title, 60))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, configPath, id string, asJSON bool) error {
	cfg, _, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	logID := id
	persisted, err := loadPersisted(ctx, cfg)
	if err != nil {
		return err
	}
	for _, ps := range persisted {
		if ps.Session.ID == id && ps.Session.RuntimeSessionID != "" {
			logID = ps.Session.RuntimeSessionID
		}
	}

	loader := history.NewLoader(historyRoot(cfg), nil)
	entries, err := loader.LoadConversation(ctx, logID)
	if errors.Is(err, history.ErrNotFound) {
		return fmt.Errorf("no conversation log for session %s", id)
	}
	if err != nil {
		return err
	}

	if useJSON(out, asJSON) {
		return writeJSONOut(out, map[string]any{"sessionId": id, "entries": entries})
	}
	for _, entry := range entries {
		fmt.Fprintln(out, formatEntry(entry))
	}
	return nil
}

func loadPersisted(ctx context.Context, cfg *config.Config) ([]models.PersistedSession, error) {
	store, err := sessions.OpenStore(ctx, cfg.StoreConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}
	persisted, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	return persisted, nil
}

func historyRoot(cfg *config.Config) string {
	if cfg.History.Root != "" {
		return cfg.History.Root
	}
	return history.DefaultRoot()
}

// mergeSessionRows lists store sessions first and adds logged sessions the
// store does not already cover, newest first.
func mergeSessionRows(persisted []models.PersistedSession, logged []models.SessionSummary) []sessionRow {
	rows := make([]sessionRow, 0, len(persisted)+len(logged))
	seen := make(map[string]struct{}, len(persisted)*2)
	for _, ps := range persisted {
		s := ps.Session
		rows = append(rows, sessionRow{
			SessionSummary: models.SessionSummary{
				ID:        s.ID,
				State:     s.State,
				Title:     s.Title,
				Cwd:       s.Cwd,
				StartedAt: s.StartedAt,
				UpdatedAt: s.EndedAt,
			},
			Source: "store",
		})
		seen[s.ID] = struct{}{}
		if s.RuntimeSessionID != "" {
			seen[s.RuntimeSessionID] = struct{}{}
		}
	}
	for _, summary := range logged {
		if _, ok := seen[summary.ID]; ok {
			continue
		}
		rows = append(rows, sessionRow{SessionSummary: summary, Source: "log"})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rowTime(rows[i].SessionSummary).After(rowTime(rows[j].SessionSummary))
	})
	return rows
}

func rowTime(s models.SessionSummary) time.Time {
	if !s.UpdatedAt.IsZero() {
		return s.UpdatedAt
	}
	return s.StartedAt
}

func formatEntry(entry models.ConversationEntry) string {
	stamp := ""
	if !entry.Timestamp.IsZero() {
		stamp = entry.Timestamp.Local().Format("15:04:05") + " "
	}
	switch entry.Kind {
	case models.EntryTool:
		line := fmt.Sprintf("%s[tool] %s %s", stamp, entry.ToolName, truncate(string(entry.ToolInput), 80))
		switch {
		case !entry.Resolved:
			line += " (no result)"
		case entry.IsError:
			line += " -> error: " + truncate(entry.ToolResult, 80)
		default:
			line += " -> " + truncate(entry.ToolResult, 80)
		}
		return line
	default:
		return fmt.Sprintf("%s[%s] %s", stamp, entry.Kind, entry.Text)
	}
}

// useJSON picks JSON when asked or when output is not an interactive
// terminal.
func useJSON(out io.Writer, asJSON bool) bool {
	if asJSON {
		return true
	}
	f, ok := out.(*os.File)
	return !ok || !term.IsTerminal(int(f.Fd()))
}

func writeJSONOut(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
