package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/runtime"
	"github.com/haasonsaas/conduit/pkg/models"
)

// TestHelperProcess is not a real test. It stands in for the agent CLI when
// GO_WANT_HELPER_PROCESS is set.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	helperMain(os.Getenv("HELPER_MODE"))
	os.Exit(0)
}

func helperMain(mode string) {
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 1<<20)
	emit := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintln(os.Stdout, string(data))
	}
	readLine := func() string {
		if !in.Scan() {
			return ""
		}
		return in.Text()
	}
	result := func(subtype string, isError bool) {
		emit(map[string]any{"type": "result", "subtype": subtype, "is_error": isError, "session_id": "rt-1", "num_turns": 1})
	}

	if mode == "crash" {
		fmt.Fprintln(os.Stderr, "boom: credentials missing")
		os.Exit(3)
	}

	prompt := readLine()
	cwd, _ := os.Getwd()
	emit(map[string]any{"type": "system", "subtype": "init", "session_id": "rt-1", "cwd": cwd, "model": "sonnet"})

	switch mode {
	case "basic":
		var line struct {
			Message struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"message"`
		}
		_ = json.Unmarshal([]byte(prompt), &line)
		text := ""
		if len(line.Message.Content) > 0 {
			text = line.Message.Content[0].Text
		}
		emit(map[string]any{"type": "assistant", "session_id": "rt-1", "message": map[string]any{
			"role": "assistant", "content": []map[string]any{{"type": "text", "text": "echo: " + text}},
		}})
		result("success", false)
	case "permission":
		emit(map[string]any{"type": "control_request", "request_id": "perm-1", "request": map[string]any{
			"subtype": "can_use_tool", "tool_name": "Bash", "input": map[string]any{"command": "ls"}, "tool_use_id": "toolu_1",
		}})
		reply := readLine()
		emit(map[string]any{"type": "assistant", "session_id": "rt-1", "message": map[string]any{
			"role": "assistant", "content": []map[string]any{{"type": "text", "text": reply}},
		}})
		result("success", false)
	case "interrupt":
		for {
			line := readLine()
			if line == "" {
				return
			}
			if strings.Contains(line, `"interrupt"`) {
				result("error_during_execution", true)
				return
			}
		}
	case "hang":
		for in.Scan() {
		}
		time.Sleep(time.Hour)
	}
}

func helperRuntime(t *testing.T, mode string) *Runtime {
	t.Helper()
	return New(Config{
		Binary:    os.Args[0],
		BaseArgs:  []string{"-test.run=TestHelperProcess", "--"},
		Env:       []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		HomeDir:   t.TempDir(),
		KillGrace: 200 * time.Millisecond,
	})
}

func drain(t *testing.T, stream runtime.Stream) ([]runtime.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out []runtime.Message
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
}

func TestQueryStreamsUntilResult(t *testing.T) {
	rt := helperRuntime(t, "basic")
	dir := t.TempDir()

	stream, err := rt.Query(context.Background(), runtime.Request{Prompt: "hello there", Cwd: dir})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	defer stream.Close()

	msgs, err := drain(t, stream)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("final error = %v, want io.EOF", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Type != runtime.TypeSystem || msgs[0].Subtype != runtime.SubtypeInit {
		t.Errorf("first message = %s/%s, want system/init", msgs[0].Type, msgs[0].Subtype)
	}
	wantDir, _ := filepath.EvalSymlinks(dir)
	gotDir, _ := filepath.EvalSymlinks(msgs[0].Cwd)
	if gotDir != wantDir {
		t.Errorf("process cwd = %q, want %q", gotDir, wantDir)
	}
	if msgs[1].Message == nil || msgs[1].Message.Content[0].Text != "echo: hello there" {
		t.Errorf("assistant message = %+v", msgs[1].Message)
	}
	if msgs[2].Type != runtime.TypeResult || msgs[2].IsError {
		t.Errorf("last message = %+v, want successful result", msgs[2])
	}
}

func TestQueryAnswersPermissionRequests(t *testing.T) {
	tests := []struct {
		name     string
		decision models.PermissionDecision
		want     []string
	}{
		{
			name:     "allow with updated input",
			decision: models.PermissionDecision{Allowed: true, UpdatedInput: json.RawMessage(`{"command":"ls -la"}`)},
			want:     []string{`"behavior":"allow"`, `"request_id":"perm-1"`, `ls -la`},
		},
		{
			name:     "deny",
			decision: models.PermissionDecision{Allowed: false, Reason: "nope"},
			want:     []string{`"behavior":"deny"`, `"message":"nope"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := helperRuntime(t, "permission")
			var asked runtime.ToolPermission
			req := runtime.Request{
				Prompt: "run ls",
				Cwd:    t.TempDir(),
				CanUseTool: func(ctx context.Context, perm runtime.ToolPermission) models.PermissionDecision {
					asked = perm
					return tt.decision
				},
			}
			stream, err := rt.Query(context.Background(), req)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			defer stream.Close()

			msgs, err := drain(t, stream)
			if !errors.Is(err, io.EOF) {
				t.Fatalf("final error = %v, want io.EOF", err)
			}
			if asked.ToolName != "Bash" || asked.ToolUseID != "toolu_1" {
				t.Errorf("permission asked = %+v", asked)
			}
			var reply string
			for _, msg := range msgs {
				if msg.Type == runtime.TypeAssistant {
					reply = msg.Message.Content[0].Text
				}
			}
			for _, want := range tt.want {
				if !strings.Contains(reply, want) {
					t.Errorf("control response %s missing %s", reply, want)
				}
			}
		})
	}
}

func TestQueryReportsCrashWithStderr(t *testing.T) {
	rt := helperRuntime(t, "crash")
	stream, err := rt.Query(context.Background(), runtime.Request{Prompt: "hi", Cwd: t.TempDir()})
	if err != nil {
		// The process may exit before the prompt is written.
		if !strings.Contains(err.Error(), "send prompt") {
			t.Fatalf("Query() error = %v", err)
		}
		return
	}
	defer stream.Close()

	_, err = drain(t, stream)
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("final error = %v, want process failure", err)
	}
	if !strings.Contains(err.Error(), "credentials missing") {
		t.Errorf("error %q does not include stderr tail", err)
	}
}

func TestInterrupt(t *testing.T) {
	rt := helperRuntime(t, "interrupt")
	stream, err := rt.Query(context.Background(), runtime.Request{Prompt: "long task", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := stream.Next(ctx); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if err := stream.Interrupt(ctx); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	msg, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if msg.Type != runtime.TypeResult || msg.Subtype != "error_during_execution" {
		t.Errorf("message after interrupt = %s/%s", msg.Type, msg.Subtype)
	}
}

func TestContextCancelKillsProcess(t *testing.T) {
	rt := helperRuntime(t, "hang")
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := rt.Query(ctx, runtime.Request{Prompt: "wait", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	defer stream.Close()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	if _, err := stream.Next(waitCtx); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	cancel()
	_, err = stream.Next(waitCtx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Next() after cancel = %v, want context.Canceled", err)
	}
}

func TestCloseKillsHungProcess(t *testing.T) {
	rt := helperRuntime(t, "hang")
	stream, err := rt.Query(context.Background(), runtime.Request{Prompt: "wait", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		stream.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Close() did not return")
	}
}

func TestQueryUnavailableBinary(t *testing.T) {
	rt := New(Config{Binary: filepath.Join(t.TempDir(), "missing-agent")})
	_, err := rt.Query(context.Background(), runtime.Request{Prompt: "hi"})
	if !errors.Is(err, runtime.ErrUnavailable) {
		t.Fatalf("Query() error = %v, want ErrUnavailable", err)
	}
	if err := rt.Available(); !errors.Is(err, runtime.ErrUnavailable) {
		t.Fatalf("Available() = %v, want ErrUnavailable", err)
	}
}

func TestArgs(t *testing.T) {
	rt := New(Config{Binary: "claude", ExtraArgs: []string{"--debug"}})
	args := rt.args(runtime.Request{
		Resume:         "rt-9",
		Model:          "opus",
		PermissionMode: models.PermissionModeAcceptEdits,
		MaxTurns:       12,
		MaxBudgetUSD:   2.5,
		CanUseTool: func(context.Context, runtime.ToolPermission) models.PermissionDecision {
			return models.PermissionDecision{}
		},
	})
	got := strings.Join(args, " ")
	for _, want := range []string{
		"--output-format stream-json",
		"--input-format stream-json",
		"--include-partial-messages",
		"--resume rt-9",
		"--model opus",
		"--max-turns 12",
		"--max-budget-usd 2.5",
		"--permission-mode acceptEdits",
		"--permission-prompt-tool stdio",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("args %q missing %q", got, want)
		}
	}
	if args[len(args)-1] != "--debug" {
		t.Errorf("extra args not appended last: %q", got)
	}

	minimal := strings.Join(rt.args(runtime.Request{Model: "default"}), " ")
	for _, unwanted := range []string{"--resume", "--model", "--max-turns", "--permission-prompt-tool"} {
		if strings.Contains(minimal, unwanted) {
			t.Errorf("minimal args %q contain %q", minimal, unwanted)
		}
	}
	if !strings.Contains(minimal, "--permission-mode default") {
		t.Errorf("minimal args %q missing default permission mode", minimal)
	}
}

func TestModels(t *testing.T) {
	list, err := New(Config{}).Models(context.Background())
	if err != nil {
		t.Fatalf("Models() error = %v", err)
	}
	if len(list) != len(DefaultModels) || list[0].Value != "default" {
		t.Errorf("Models() = %+v", list)
	}

	custom := []runtime.ModelInfo{{Value: "opus"}}
	list, _ = New(Config{Models: custom}).Models(context.Background())
	if len(list) != 1 || list[0].Value != "opus" {
		t.Errorf("Models() with override = %+v", list)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCommandsDiscovery(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()

	writeFile(t, filepath.Join(home, ".claude", "commands", "review.md"),
		"---\ndescription: Review the diff\nargument-hint: \"[files]\"\n---\nReview $ARGUMENTS\n")
	writeFile(t, filepath.Join(home, ".claude", "commands", "frontend", "lint.md"),
		"\n# Run the linter\n\nRun eslint.\n")
	writeFile(t, filepath.Join(home, ".claude", "commands", "notes.txt"), "ignored")
	writeFile(t, filepath.Join(project, ".claude", "commands", "deploy.md"),
		"---\ndescription: Deploy to staging\n---\nDeploy.\n")

	rt := New(Config{HomeDir: home})
	cmds, err := rt.Commands(context.Background(), project)
	if err != nil {
		t.Fatalf("Commands() error = %v", err)
	}

	want := []runtime.CommandInfo{
		{Name: "deploy", Description: "Deploy to staging", Source: SourceProject},
		{Name: "frontend:lint", Description: "Run the linter", Source: SourceUser},
		{Name: "review", Description: "Review the diff", ArgumentHint: "[files]", Source: SourceUser},
	}
	if len(cmds) != len(want) {
		t.Fatalf("Commands() = %+v, want %d commands", cmds, len(want))
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("command[%d] = %+v, want %+v", i, cmds[i], want[i])
		}
	}
}

func TestProjectCommandsShadowUserCommands(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	writeFile(t, filepath.Join(home, ".claude", "commands", "review.md"), "User review\n")
	writeFile(t, filepath.Join(project, ".claude", "commands", "review.md"), "Project review\n")

	cmds, err := New(Config{HomeDir: home}).Commands(context.Background(), project)
	if err != nil {
		t.Fatalf("Commands() error = %v", err)
	}
	if len(cmds) != 1 || cmds[0].Source != SourceProject || cmds[0].Description != "Project review" {
		t.Errorf("Commands() = %+v", cmds)
	}
}

func TestCommandsMissingDirectories(t *testing.T) {
	cmds, err := New(Config{HomeDir: t.TempDir()}).Commands(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Commands() error = %v", err)
	}
	if len(cmds) != 0 {
		t.Errorf("Commands() = %+v, want none", cmds)
	}
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	buf := newTailBuffer(5)
	buf.Write([]byte("abc"))
	buf.Write([]byte("defg"))
	if got := buf.String(); got != "cdefg" {
		t.Errorf("tail = %q, want %q", got, "cdefg")
	}
}
