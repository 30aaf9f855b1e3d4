// Package engine drives agent engines as subprocesses speaking a
// line-delimited JSON protocol.
package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"agentrelay/internal/domain"
)

const (
	maxLineBytes     = 16 << 20
	askUserQuestion  = "AskUserQuestion"
	defaultStopGrace = 2 * time.Second
)

// ClaudeConfig configures the claude CLI engine.
type ClaudeConfig struct {
	CLIPath   string            // default: "claude"
	ExtraArgs []string          // appended verbatim
	Env       map[string]string // added to the inherited environment
	StopGrace time.Duration     // SIGTERM to SIGKILL delay (default: 2s)
}

// ClaudeCLI starts claude CLI runs in stream-json mode.
type ClaudeCLI struct {
	cfg    ClaudeConfig
	logger *slog.Logger
}

// NewClaudeCLI creates the engine.
func NewClaudeCLI(cfg ClaudeConfig, logger *slog.Logger) *ClaudeCLI {
	if cfg.CLIPath == "" {
		cfg.CLIPath = "claude"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &ClaudeCLI{cfg: cfg, logger: logger}
}

// BuildArgs returns the CLI arguments for one run.
func (c *ClaudeCLI) BuildArgs(opts domain.EngineOptions) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.PermissionMode != "" && opts.PermissionMode != domain.PermissionDefault {
		args = append(args, "--permission-mode", string(opts.PermissionMode))
	}
	return append(args, c.cfg.ExtraArgs...)
}

// Start spawns the CLI in opts.CWD. The subprocess is terminated when ctx
// is cancelled or the stream is closed.
func (c *ClaudeCLI) Start(ctx context.Context, opts domain.EngineOptions) (domain.EngineStream, error) {
	if opts.Input == nil {
		return nil, domain.NewSubSystemError("engine", "ClaudeCLI.Start", domain.ErrInvalidInput, "no message source")
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, c.cfg.CLIPath, c.BuildArgs(opts)...)
	cmd.Dir = opts.CWD
	if len(c.cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = c.cfg.StopGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("claude: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("claude: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("claude: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("claude: %s not found: %w", c.cfg.CLIPath, err)
		}
		return nil, fmt.Errorf("claude: start: %w", err)
	}

	logger := c.logger.With("pid", cmd.Process.Pid, "cwd", opts.CWD)
	logger.Info("claude process started", "resume", opts.Resume)

	s := newClaudeStream(runCtx, cancel, stdin, opts.PermissionMode, logger)
	go s.logStderr(stderr)
	go s.readLoop(stdout, cmd.Wait)
	go s.writeLoop(opts.Input)
	return s, nil
}

// claudeStream is one running CLI conversation.
type claudeStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	events chan domain.EngineEvent
	done   chan struct{}
	err    error // set before done is closed

	mu      sync.Mutex
	mode    domain.PermissionMode
	inputs  map[string]json.RawMessage // can_use_tool request id -> tool input
	kinds   map[string]domain.InputKind
	waiters map[string]chan error // control request id -> response
}

func newClaudeStream(ctx context.Context, cancel context.CancelFunc, stdin io.WriteCloser, mode domain.PermissionMode, logger *slog.Logger) *claudeStream {
	if mode == "" {
		mode = domain.PermissionDefault
	}
	return &claudeStream{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		stdin:   stdin,
		events:  make(chan domain.EngineEvent, 64),
		done:    make(chan struct{}),
		mode:    mode,
		inputs:  make(map[string]json.RawMessage),
		kinds:   make(map[string]domain.InputKind),
		waiters: make(map[string]chan error),
	}
}

// Recv returns the next event, io.EOF once the CLI has exited cleanly, or
// the exit error otherwise.
func (s *claudeStream) Recv(ctx context.Context) (domain.EngineEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			if s.err != nil {
				return nil, s.err
			}
			return nil, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the CLI and waits for the reader to finish.
func (s *claudeStream) Close() error {
	s.cancel()
	s.writeMu.Lock()
	err := s.stdin.Close()
	s.writeMu.Unlock()
	<-s.done
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// SetPermissionMode sends set_permission_mode and waits for the CLI to
// acknowledge it.
func (s *claudeStream) SetPermissionMode(ctx context.Context, mode domain.PermissionMode) error {
	id := ulid.Make().String()
	wait := make(chan error, 1)
	s.mu.Lock()
	s.waiters[id] = wait
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
	}()

	err := s.writeLine(map[string]any{
		"type":       "control_request",
		"request_id": id,
		"request":    map[string]any{"subtype": "set_permission_mode", "mode": string(mode)},
	})
	if err != nil {
		return err
	}

	select {
	case err := <-wait:
		if err != nil {
			return domain.NewSubSystemError("engine", "ClaudeCLI.SetPermissionMode", domain.ErrProviderError, err.Error())
		}
		s.mu.Lock()
		s.mode = mode
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return domain.ErrProcessEnded
	}
}

func (s *claudeStream) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("claude: encode: %w", err)
	}
	b = append(b, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(b); err != nil {
		return fmt.Errorf("claude: write: %w", err)
	}
	return nil
}

// writeLoop feeds queued user messages and input responses to the CLI.
func (s *claudeStream) writeLoop(src domain.MessageSource) {
	for {
		msg, err := src.Next(s.ctx)
		if err != nil {
			return
		}
		if msg.Response != nil {
			if err := s.writeLine(s.permissionResponse(*msg.Response)); err != nil {
				s.logger.Warn("claude input response failed", "error", err)
				return
			}
		}
		if msg.Content != "" && msg.Response == nil {
			// A new turn would leave the CLI blocked on unanswered requests.
			for _, id := range s.outstanding() {
				resp := domain.InputResponse{RequestID: id, Answer: msg.Content}
				if err := s.writeLine(s.permissionResponse(resp)); err != nil {
					s.logger.Warn("claude input response failed", "error", err)
					return
				}
			}
		}
		if msg.Content != "" {
			err := s.writeLine(map[string]any{
				"type":    "user",
				"message": map[string]any{"role": "user", "content": msg.Content},
			})
			if err != nil {
				s.logger.Warn("claude user message failed", "error", err)
				return
			}
		}
	}
}

// outstanding returns the ids of can_use_tool requests not yet answered, in
// request id order.
func (s *claudeStream) outstanding() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.kinds))
	for id := range s.kinds {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// permissionResponse builds the control_response for a can_use_tool request.
func (s *claudeStream) permissionResponse(resp domain.InputResponse) map[string]any {
	s.mu.Lock()
	input := s.inputs[resp.RequestID]
	kind := s.kinds[resp.RequestID]
	delete(s.inputs, resp.RequestID)
	delete(s.kinds, resp.RequestID)
	s.mu.Unlock()

	var result map[string]any
	if resp.Allow {
		updated := map[string]any{}
		if len(input) > 0 {
			_ = json.Unmarshal(input, &updated)
		}
		if kind == domain.InputQuestion && resp.Answer != "" {
			updated["answer"] = resp.Answer
		}
		result = map[string]any{"behavior": "allow", "updatedInput": updated}
	} else {
		msg := resp.Answer
		if msg == "" {
			msg = "denied by user"
		}
		result = map[string]any{"behavior": "deny", "message": msg}
	}

	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": resp.RequestID,
			"response":   result,
		},
	}
}

func (s *claudeStream) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		s.logger.Debug("claude stderr", "line", sc.Text())
	}
}

// readLoop decodes stdout until EOF, then reaps the process with wait.
func (s *claudeStream) readLoop(r io.Reader, wait func() error) {
	defer close(s.done)
	defer close(s.events)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		for _, ev := range s.decodeLine(line) {
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				// Keep draining so the CLI never blocks on a full pipe.
			}
		}
	}
	if err := sc.Err(); err != nil {
		s.logger.Warn("claude stdout read failed", "error", err)
	}

	if wait != nil {
		if err := wait(); err != nil && s.ctx.Err() == nil {
			s.err = fmt.Errorf("claude exited: %w", err)
		}
	}
	s.logger.Info("claude process exited", "error", s.err)
}

// decodeLine turns one stdout line into zero or more engine events.
func (s *claudeStream) decodeLine(line []byte) []domain.EngineEvent {
	var head struct {
		Type           string          `json:"type"`
		Subtype        string          `json:"subtype"`
		RequestID      string          `json:"request_id"`
		Request        json.RawMessage `json:"request"`
		Response       json.RawMessage `json:"response"`
		PermissionMode string          `json:"permissionMode"`
		SessionID      string          `json:"session_id"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		s.logger.Debug("claude: skipping non-json line", "error", err)
		return nil
	}

	switch head.Type {
	case "control_request":
		if ev, ok := s.controlRequest(head.RequestID, head.SessionID, head.Request); ok {
			return []domain.EngineEvent{ev}
		}
		return nil
	case "control_response":
		s.controlResponse(head.Response)
		return nil
	}

	msg, err := domain.ParseEngineMessage(line)
	if err != nil {
		return nil
	}
	events := []domain.EngineEvent{msg}

	if head.Type == "system" && head.PermissionMode != "" {
		mode := domain.PermissionMode(head.PermissionMode)
		s.mu.Lock()
		changed := mode.Valid() && mode != s.mode
		if changed {
			s.mode = mode
		}
		s.mu.Unlock()
		if changed {
			events = append(events, domain.EngineModeChange{Mode: mode})
		}
	}
	return events
}

func (s *claudeStream) controlRequest(requestID, sessionID string, raw json.RawMessage) (domain.EngineEvent, bool) {
	var req struct {
		Subtype  string          `json:"subtype"`
		ToolName string          `json:"tool_name"`
		Input    json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.Subtype != "can_use_tool" {
		s.logger.Debug("claude: unhandled control request", "subtype", req.Subtype)
		return nil, false
	}

	kind := domain.InputToolApproval
	prompt := fmt.Sprintf("Allow %s?", req.ToolName)
	if req.ToolName == askUserQuestion {
		kind = domain.InputQuestion
		prompt = questionPrompt(req.Input)
	}

	s.mu.Lock()
	s.inputs[requestID] = req.Input
	s.kinds[requestID] = kind
	s.mu.Unlock()

	return domain.EngineInputRequest{Request: domain.InputRequest{
		ID:        requestID,
		SessionID: sessionID,
		Kind:      kind,
		Prompt:    prompt,
		Choices:   questionChoices(req.Input),
		ToolName:  req.ToolName,
		ToolInput: req.Input,
		Timestamp: time.Now(),
		EngineRef: requestID,
	}}, true
}

func (s *claudeStream) controlResponse(raw json.RawMessage) {
	var resp struct {
		Subtype   string `json:"subtype"`
		RequestID string `json:"request_id"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return
	}

	s.mu.Lock()
	wait, ok := s.waiters[resp.RequestID]
	s.mu.Unlock()
	if !ok {
		return
	}
	var err error
	if resp.Subtype == "error" {
		err = errors.New(resp.Error)
	}
	wait <- err
}

// questionPrompt and questionChoices read the first question of an
// AskUserQuestion input.
func questionPrompt(input json.RawMessage) string {
	q := firstQuestion(input)
	if q.Question == "" {
		return "The agent has a question"
	}
	return q.Question
}

func questionChoices(input json.RawMessage) []string {
	q := firstQuestion(input)
	choices := make([]string, 0, len(q.Options))
	for _, o := range q.Options {
		choices = append(choices, o.Label)
	}
	if len(choices) == 0 {
		return nil
	}
	return choices
}

type question struct {
	Question string `json:"question"`
	Options  []struct {
		Label string `json:"label"`
	} `json:"options"`
}

func firstQuestion(input json.RawMessage) question {
	var in struct {
		Questions []question `json:"questions"`
	}
	if len(input) == 0 || json.Unmarshal(input, &in) != nil || len(in.Questions) == 0 {
		return question{}
	}
	return in.Questions[0]
}
