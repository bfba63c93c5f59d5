package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/internal/runtime"
)

const (
	maxStdoutLine   = 16 << 20
	stderrTailBytes = 8 << 10
)

// Control protocol message types.
const (
	typeControlRequest  = "control_request"
	typeControlResponse = "control_response"

	subtypeCanUseTool = "can_use_tool"
	subtypeInterrupt  = "interrupt"
	subtypeSuccess    = "success"
)

type controlRequest struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Request   controlEnvelope `json:"request"`
}

type controlEnvelope struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

type controlResponse struct {
	Type     string             `json:"type"`
	Response controlResponseEnv `json:"response"`
}

type controlResponseEnv struct {
	Subtype   string         `json:"subtype"`
	RequestID string         `json:"request_id"`
	Response  map[string]any `json:"response,omitempty"`
}

// stream is one running CLI process.
type stream struct {
	ctx        context.Context
	cmd        *exec.Cmd
	stdout     io.Reader
	stderr     *tailBuffer
	canUseTool runtime.PermissionFunc
	killGrace  time.Duration
	logger     *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser
	closed  bool

	messages chan runtime.Message
	done     chan struct{}
	exited   chan struct{}
	err      error

	// permCtx scopes in-flight permission callbacks.
	permCtx    context.Context
	permCancel context.CancelFunc
	perms      sync.WaitGroup

	closeOnce sync.Once
}

func newStream(ctx context.Context, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, stderr *tailBuffer,
	canUseTool runtime.PermissionFunc, killGrace time.Duration, logger *slog.Logger) *stream {
	permCtx, permCancel := context.WithCancel(context.WithoutCancel(ctx))
	return &stream{
		ctx:        ctx,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		canUseTool: canUseTool,
		killGrace:  killGrace,
		logger:     logger,
		messages:   make(chan runtime.Message, 64),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
		permCtx:    permCtx,
		permCancel: permCancel,
	}
}

func (s *stream) start() {
	go s.read()
	go s.watch()
}

// watch kills the process group when the invocation context ends.
func (s *stream) watch() {
	select {
	case <-s.ctx.Done():
		s.logger.Debug("context ended; killing agent process", "pid", s.cmd.Process.Pid)
		killProcessGroup(s.cmd)
	case <-s.done:
	}
}

func (s *stream) read() {
	defer close(s.done)
	defer close(s.messages)

	sawResult := false
	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStdoutLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &head); err != nil {
			s.logger.Debug("ignoring non-json output", "line", truncate(line, 200))
			continue
		}
		switch head.Type {
		case typeControlRequest:
			s.handleControl([]byte(line))
			continue
		case typeControlResponse:
			continue
		}

		var msg runtime.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Warn("failed to decode agent message", "type", head.Type, "error", err)
			continue
		}
		select {
		case s.messages <- msg:
		case <-s.ctx.Done():
		}
		if msg.Type == runtime.TypeResult {
			sawResult = true
			s.closeStdin()
		}
	}
	scanErr := scanner.Err()

	s.permCancel()
	s.perms.Wait()
	waitErr := s.cmd.Wait()
	close(s.exited)

	switch {
	case sawResult:
	case s.ctx.Err() != nil:
		s.err = s.ctx.Err()
	case scanErr != nil:
		s.err = fmt.Errorf("read agent output: %w", scanErr)
	case waitErr != nil:
		s.err = s.exitError(waitErr)
	default:
		s.err = s.exitError(errors.New("exited without a result"))
	}
}

func (s *stream) exitError(err error) error {
	if tail := strings.TrimSpace(s.stderr.String()); tail != "" {
		return fmt.Errorf("agent process: %w: %s", err, truncate(tail, 2000))
	}
	return fmt.Errorf("agent process: %w", err)
}

func (s *stream) handleControl(raw []byte) {
	var req controlRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.logger.Warn("malformed control request", "error", err)
		return
	}
	if req.Request.Subtype != subtypeCanUseTool {
		s.logger.Debug("unsupported control request", "subtype", req.Request.Subtype)
		s.respond(req.RequestID, map[string]any{"behavior": "deny", "message": "unsupported request"})
		return
	}
	if s.canUseTool == nil {
		s.respond(req.RequestID, map[string]any{"behavior": "allow", "updatedInput": inputObject(req.Request.Input)})
		return
	}

	s.perms.Add(1)
	go func() {
		defer s.perms.Done()
		decision := s.canUseTool(s.permCtx, runtime.ToolPermission{
			ToolName:  req.Request.ToolName,
			Input:     req.Request.Input,
			ToolUseID: req.Request.ToolUseID,
		})
		if decision.Allowed {
			input := req.Request.Input
			if len(decision.UpdatedInput) > 0 {
				input = decision.UpdatedInput
			}
			s.respond(req.RequestID, map[string]any{"behavior": "allow", "updatedInput": inputObject(input)})
			return
		}
		message := decision.Reason
		if message == "" {
			message = "denied by user"
		}
		s.respond(req.RequestID, map[string]any{"behavior": "deny", "message": message})
	}()
}

func (s *stream) respond(requestID string, body map[string]any) {
	err := s.writeJSON(controlResponse{
		Type: typeControlResponse,
		Response: controlResponseEnv{
			Subtype:   subtypeSuccess,
			RequestID: requestID,
			Response:  body,
		},
	})
	if err != nil {
		s.logger.Debug("failed to answer control request", "request_id", requestID, "error", err)
	}
}

func inputObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func (s *stream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	_, err = s.stdin.Write(data)
	return err
}

func (s *stream) closeStdin() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.stdin.Close()
}

// Next returns the next message, or io.EOF once the process has finished.
func (s *stream) Next(ctx context.Context) (runtime.Message, error) {
	select {
	case msg, ok := <-s.messages:
		if !ok {
			<-s.done
			if s.err != nil {
				return runtime.Message{}, s.err
			}
			return runtime.Message{}, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return runtime.Message{}, ctx.Err()
	}
}

// Interrupt sends an interrupt control request.
func (s *stream) Interrupt(ctx context.Context) error {
	return s.writeJSON(controlRequest{
		Type:      typeControlRequest,
		RequestID: "req_" + uuid.NewString(),
		Request:   controlEnvelope{Subtype: subtypeInterrupt},
	})
}

// Close closes stdin and waits for the process, killing its group after the
// grace period.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeStdin()
		s.permCancel()
		go func() {
			// Unblock the reader if nobody drains messages.
			for range s.messages {
			}
		}()
		timer := time.NewTimer(s.killGrace)
		defer timer.Stop()
		select {
		case <-s.exited:
		case <-timer.C:
			s.logger.Debug("agent process did not exit; killing", "pid", s.cmd.Process.Pid)
			killProcessGroup(s.cmd)
		}
		<-s.done
	})
	return nil
}

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
