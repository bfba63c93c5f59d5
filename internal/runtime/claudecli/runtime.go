// Package claudecli drives the claude command-line agent in stream-json mode.
package claudecli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/haasonsaas/conduit/internal/runtime"
	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	// DefaultBinary is looked up on PATH when Config.Binary is empty.
	DefaultBinary = "claude"
	// DefaultKillGrace is how long Close waits for a clean exit before
	// killing the process group.
	DefaultKillGrace = 3 * time.Second
)

// DefaultModels is advertised when no models are configured.
var DefaultModels = []runtime.ModelInfo{
	{Value: "default", DisplayName: "Default", Description: "Use the CLI's configured model"},
	{Value: "opus", DisplayName: "Opus", Description: "Most capable model"},
	{Value: "sonnet", DisplayName: "Sonnet", Description: "Balanced speed and capability"},
	{Value: "haiku", DisplayName: "Haiku", Description: "Fastest model"},
}

// Config configures the CLI runtime.
type Config struct {
	Binary string
	// BaseArgs are passed before the stream-json flags.
	BaseArgs []string
	// ExtraArgs are appended after all generated flags.
	ExtraArgs []string
	// Env is appended to the inherited environment.
	Env []string
	// Models overrides DefaultModels.
	Models []runtime.ModelInfo
	// HomeDir locates user-level slash commands; defaults to the user's home.
	HomeDir   string
	KillGrace time.Duration
	Logger    *slog.Logger
}

// Runtime implements runtime.Runtime on top of the claude CLI.
type Runtime struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a CLI runtime.
func New(cfg Config) *Runtime {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.HomeDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.HomeDir = home
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{cfg: cfg, logger: logger.With("component", "claudecli")}
}

// Available reports whether the CLI binary can be found.
func (r *Runtime) Available() error {
	if _, err := exec.LookPath(r.cfg.Binary); err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrUnavailable, err)
	}
	return nil
}

// Query starts one CLI process for req.
func (r *Runtime) Query(ctx context.Context, req runtime.Request) (runtime.Stream, error) {
	cmd := exec.Command(r.cfg.Binary, r.args(req)...)
	cmd.Dir = req.Cwd
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrUnavailable, err)
	}
	r.logger.Debug("agent process started", "pid", cmd.Process.Pid, "cwd", req.Cwd, "resume", req.Resume)

	s := newStream(ctx, cmd, stdin, stdout, stderr, req.CanUseTool, r.cfg.KillGrace, r.logger)
	if err := s.writeJSON(userLine(req.Prompt)); err != nil {
		s.Close()
		return nil, fmt.Errorf("send prompt: %w", err)
	}
	s.start()
	return s, nil
}

func (r *Runtime) args(req runtime.Request) []string {
	args := append([]string(nil), r.cfg.BaseArgs...)
	args = append(args,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	)
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}
	if req.Model != "" && req.Model != "default" {
		args = append(args, "--model", req.Model)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(req.MaxBudgetUSD, 'f', -1, 64))
	}
	mode := req.PermissionMode
	if mode == "" {
		mode = models.PermissionModeDefault
	}
	args = append(args, "--permission-mode", string(mode))
	if req.CanUseTool != nil {
		args = append(args, "--permission-prompt-tool", "stdio")
	}
	return append(args, r.cfg.ExtraArgs...)
}

// Models returns the configured models.
func (r *Runtime) Models(ctx context.Context) ([]runtime.ModelInfo, error) {
	if len(r.cfg.Models) > 0 {
		return append([]runtime.ModelInfo(nil), r.cfg.Models...), nil
	}
	return append([]runtime.ModelInfo(nil), DefaultModels...), nil
}

// Commands discovers slash commands for cwd.
func (r *Runtime) Commands(ctx context.Context, cwd string) ([]runtime.CommandInfo, error) {
	return discoverCommands(ctx, r.cfg.HomeDir, cwd, r.logger)
}

type inputLine struct {
	Type    string       `json:"type"`
	Message inputMessage `json:"message"`
}

type inputMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func userLine(prompt string) inputLine {
	content, _ := json.Marshal([]map[string]string{{"type": "text", "text": prompt}})
	return inputLine{
		Type:    runtime.TypeUser,
		Message: inputMessage{Role: "user", Content: content},
	}
}
