package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrelay/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type chanSource chan domain.UserMessage

func (c chanSource) Next(ctx context.Context) (domain.UserMessage, error) {
	select {
	case m := <-c:
		return m, nil
	case <-ctx.Done():
		return domain.UserMessage{}, ctx.Err()
	}
}

// pipeHarness wires a claudeStream to in-memory pipes in place of a CLI.
type pipeHarness struct {
	stream *claudeStream
	stdout *io.PipeWriter
	stdin  *bufio.Reader
	input  chanSource
}

func newHarness(t *testing.T, mode domain.PermissionMode) *pipeHarness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	h := &pipeHarness{
		stream: newClaudeStream(ctx, cancel, inW, mode, discardLogger()),
		stdout: outW,
		stdin:  bufio.NewReader(inR),
		input:  make(chanSource, 4),
	}
	go h.stream.readLoop(outR, nil)
	go h.stream.writeLoop(h.input)
	t.Cleanup(func() {
		outW.Close()
		inR.Close()
		h.stream.Close()
	})
	return h
}

func (h *pipeHarness) emit(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(h.stdout, line+"\n")
	require.NoError(t, err)
}

func (h *pipeHarness) recv(t *testing.T) domain.EngineEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := h.stream.Recv(ctx)
	require.NoError(t, err)
	return ev
}

func (h *pipeHarness) written(t *testing.T) map[string]any {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := h.stdin.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		var v map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.line), &v))
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("nothing written to stdin")
		return nil
	}
}

func TestBuildArgs(t *testing.T) {
	c := NewClaudeCLI(ClaudeConfig{ExtraArgs: []string{"--model", "x"}}, discardLogger())

	args := c.BuildArgs(domain.EngineOptions{})
	assert.Equal(t, []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
		"--model", "x",
	}, args)

	args = c.BuildArgs(domain.EngineOptions{Resume: "sess-9", PermissionMode: domain.PermissionPlan})
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "sess-9")
	assert.Contains(t, args, "--permission-mode")
	assert.Contains(t, args, "plan")

	args = c.BuildArgs(domain.EngineOptions{PermissionMode: domain.PermissionDefault})
	assert.NotContains(t, args, "--permission-mode")
}

func TestNewClaudeCLIDefaults(t *testing.T) {
	c := NewClaudeCLI(ClaudeConfig{}, discardLogger())
	assert.Equal(t, "claude", c.cfg.CLIPath)
	assert.Equal(t, defaultStopGrace, c.cfg.StopGrace)
}

func TestStartRequiresInput(t *testing.T) {
	c := NewClaudeCLI(ClaudeConfig{}, discardLogger())
	_, err := c.Start(context.Background(), domain.EngineOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestStartMissingBinary(t *testing.T) {
	c := NewClaudeCLI(ClaudeConfig{CLIPath: "agentrelay-no-such-cli"}, discardLogger())
	_, err := c.Start(context.Background(), domain.EngineOptions{CWD: t.TempDir(), Input: make(chanSource)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestStreamMessages(t *testing.T) {
	h := newHarness(t, "")

	h.emit(t, `{"type":"assistant","session_id":"s1","message":{"content":[]}}`)
	h.emit(t, `not json`)
	h.emit(t, `{"type":"result","subtype":"success","session_id":"s1"}`)

	msg, ok := h.recv(t).(domain.EngineMessage)
	require.True(t, ok)
	assert.Equal(t, "assistant", msg.Type)
	assert.Equal(t, "s1", msg.SessionID)

	msg, ok = h.recv(t).(domain.EngineMessage)
	require.True(t, ok)
	assert.True(t, msg.IsTurnEnd())

	h.stdout.Close()
	_, err := h.stream.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamExitError(t *testing.T) {
	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	defer inR.Close()
	ctx, cancel := context.WithCancel(context.Background())
	s := newClaudeStream(ctx, cancel, inW, "", discardLogger())
	go s.readLoop(outR, func() error { return errors.New("exit status 1") })

	outW.Close()
	_, err := s.Recv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 1")
	require.NoError(t, s.Close())
}

func TestStreamToolApproval(t *testing.T) {
	h := newHarness(t, "")

	h.emit(t, `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}`)
	ev, ok := h.recv(t).(domain.EngineInputRequest)
	require.True(t, ok)
	assert.Equal(t, "req-1", ev.Request.ID)
	assert.Equal(t, "req-1", ev.Request.EngineRef)
	assert.Equal(t, domain.InputToolApproval, ev.Request.Kind)
	assert.Equal(t, "Bash", ev.Request.ToolName)
	assert.JSONEq(t, `{"command":"ls"}`, string(ev.Request.ToolInput))

	h.input <- domain.UserMessage{Response: &domain.InputResponse{RequestID: "req-1", Allow: true}}
	out := h.written(t)
	assert.Equal(t, "control_response", out["type"])
	resp := out["response"].(map[string]any)
	assert.Equal(t, "success", resp["subtype"])
	assert.Equal(t, "req-1", resp["request_id"])
	inner := resp["response"].(map[string]any)
	assert.Equal(t, "allow", inner["behavior"])
	assert.Equal(t, map[string]any{"command": "ls"}, inner["updatedInput"])
}

func TestStreamDenyAndQuestion(t *testing.T) {
	h := newHarness(t, "")

	h.emit(t, `{"type":"control_request","request_id":"q-1","request":{"subtype":"can_use_tool","tool_name":"AskUserQuestion","input":{"questions":[{"question":"Which db?","options":[{"label":"sqlite"},{"label":"postgres"}]}]}}}`)
	ev, ok := h.recv(t).(domain.EngineInputRequest)
	require.True(t, ok)
	assert.Equal(t, domain.InputQuestion, ev.Request.Kind)
	assert.Equal(t, "Which db?", ev.Request.Prompt)
	assert.Equal(t, []string{"sqlite", "postgres"}, ev.Request.Choices)

	h.input <- domain.UserMessage{Response: &domain.InputResponse{RequestID: "q-1", Allow: true, Answer: "sqlite"}}
	inner := h.written(t)["response"].(map[string]any)["response"].(map[string]any)
	updated := inner["updatedInput"].(map[string]any)
	assert.Equal(t, "sqlite", updated["answer"])

	h.emit(t, `{"type":"control_request","request_id":"req-2","request":{"subtype":"can_use_tool","tool_name":"Write","input":{}}}`)
	h.recv(t)
	h.input <- domain.UserMessage{Response: &domain.InputResponse{RequestID: "req-2"}}
	inner = h.written(t)["response"].(map[string]any)["response"].(map[string]any)
	assert.Equal(t, "deny", inner["behavior"])
	assert.Equal(t, "denied by user", inner["message"])
}

func TestStreamUserMessage(t *testing.T) {
	h := newHarness(t, "")

	h.input <- domain.UserMessage{Content: "hello"}
	out := h.written(t)
	assert.Equal(t, "user", out["type"])
	assert.Equal(t, map[string]any{"role": "user", "content": "hello"}, out["message"])
}

func TestStreamModeChangeFromSystem(t *testing.T) {
	h := newHarness(t, domain.PermissionDefault)

	h.emit(t, `{"type":"system","subtype":"init","session_id":"s1","permissionMode":"default"}`)
	_, ok := h.recv(t).(domain.EngineMessage)
	require.True(t, ok)

	h.emit(t, `{"type":"system","subtype":"status","permissionMode":"plan"}`)
	_, ok = h.recv(t).(domain.EngineMessage)
	require.True(t, ok)
	change, ok := h.recv(t).(domain.EngineModeChange)
	require.True(t, ok)
	assert.Equal(t, domain.PermissionPlan, change.Mode)

	// Unchanged mode produces only the message.
	h.emit(t, `{"type":"system","subtype":"status","permissionMode":"plan"}`)
	h.emit(t, `{"type":"assistant"}`)
	_, ok = h.recv(t).(domain.EngineMessage)
	require.True(t, ok)
	msg, ok := h.recv(t).(domain.EngineMessage)
	require.True(t, ok)
	assert.Equal(t, "assistant", msg.Type)
}

func TestStreamSetPermissionMode(t *testing.T) {
	h := newHarness(t, "")

	errc := make(chan error, 1)
	go func() { errc <- h.stream.SetPermissionMode(context.Background(), domain.PermissionAcceptEdits) }()

	out := h.written(t)
	assert.Equal(t, "control_request", out["type"])
	req := out["request"].(map[string]any)
	assert.Equal(t, "set_permission_mode", req["subtype"])
	assert.Equal(t, "acceptEdits", req["mode"])

	id := out["request_id"].(string)
	h.emit(t, `{"type":"control_response","response":{"subtype":"success","request_id":"`+id+`"}}`)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SetPermissionMode did not return")
	}

	// The engine echoing the mode it was told is not a change.
	h.emit(t, `{"type":"system","permissionMode":"acceptEdits"}`)
	h.emit(t, `{"type":"result"}`)
	h.recv(t)
	msg, ok := h.recv(t).(domain.EngineMessage)
	require.True(t, ok)
	assert.Equal(t, "result", msg.Type)
}

func TestStreamSetPermissionModeRejected(t *testing.T) {
	h := newHarness(t, "")

	errc := make(chan error, 1)
	go func() { errc <- h.stream.SetPermissionMode(context.Background(), domain.PermissionBypass) }()

	id := h.written(t)["request_id"].(string)
	h.emit(t, `{"type":"control_response","response":{"subtype":"error","request_id":"`+id+`","error":"not allowed"}}`)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, domain.ErrProviderError)
	case <-time.After(2 * time.Second):
		t.Fatal("SetPermissionMode did not return")
	}
}

func TestStreamPlainMessageDeniesOutstandingRequests(t *testing.T) {
	h := newHarness(t, "")

	h.emit(t, `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf build"}}}`)
	_, ok := h.recv(t).(domain.EngineInputRequest)
	require.True(t, ok)

	h.input <- domain.UserMessage{Content: "no, use grep instead"}

	deny := h.written(t)
	require.Equal(t, "control_response", deny["type"])
	resp := deny["response"].(map[string]any)
	assert.Equal(t, "req-1", resp["request_id"])
	inner := resp["response"].(map[string]any)
	assert.Equal(t, "deny", inner["behavior"])
	assert.Equal(t, "no, use grep instead", inner["message"])

	user := h.written(t)
	assert.Equal(t, "user", user["type"])
	assert.Empty(t, h.stream.outstanding())
}
