package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"agentrelay/internal/domain"
)

// Defaults for AgentProcess options.
const (
	DefaultIdleTimeout  = 2 * time.Second
	DefaultHistoryLimit = 1000
)

// Options configures an AgentProcess.
type Options struct {
	ProcessID      string
	SessionID      string // empty until the engine assigns one
	ProjectPath    string
	ProjectID      string
	Resume         bool // ask the engine to resume SessionID
	IdleTimeout    time.Duration
	HistoryLimit   int
	PermissionMode domain.PermissionMode
	Logger         *slog.Logger

	// OnSessionID is called once, outside any process lock, when the engine
	// assigns a session id to a process started without one.
	OnSessionID func(p *AgentProcess, sessionID string)
}

// Snapshot is a consistent view of a process taken by Attach.
type Snapshot struct {
	Info      domain.ProcessInfo
	State     domain.ProcessState
	History   []domain.EngineMessage
	Completed bool
}

// AgentProcess wraps one driving-engine run bound to a session. It owns the
// state machine, the pending message queue, the replay history and the
// subscriber fan-out.
//
// Lock order: emitMu before mu. Events are dispatched with emitMu held so
// that state mutation and delivery are one step from a subscriber's point of
// view. Handlers must not call QueueMessage, SetPermissionMode or Attach
// synchronously.
type AgentProcess struct {
	id          string
	projectPath string
	projectID   string
	startedAt   time.Time
	idleTimeout time.Duration
	logger      *slog.Logger
	onSessionID func(p *AgentProcess, sessionID string)

	emitMu sync.Mutex

	mu          sync.Mutex
	sessionID   string
	state       domain.ProcessState
	queue       []domain.UserMessage
	inFlight    int // turns handed to the engine without a result yet
	mode        domain.PermissionMode
	modeVersion int64
	idleTimer   *time.Timer
	idleGen     uint64
	completed   bool

	subsMu sync.RWMutex
	subs   []processSub
	hooks  map[uint64]func()
	nextID atomic.Uint64

	history *ringBuffer[domain.EngineMessage]
	notify  chan struct{}
	stream  domain.EngineStream
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

type processSub struct {
	id      uint64
	handler domain.ProcessHandler
}

// Launch creates a process, starts an engine run feeding on the process's
// message queue, and begins driving it. Engine start errors are returned.
func Launch(engine domain.Engine, opts Options) (*AgentProcess, error) {
	p := newAgentProcess(opts)

	resume := ""
	if opts.Resume {
		resume = opts.SessionID
	}
	stream, err := engine.Start(p.ctx, domain.EngineOptions{
		CWD:            opts.ProjectPath,
		Resume:         resume,
		PermissionMode: p.mode,
		Input:          messageSource{p},
	})
	if err != nil {
		p.cancel()
		return nil, err
	}
	p.stream = stream
	go p.run()
	return p, nil
}

func newAgentProcess(opts Options) *AgentProcess {
	if opts.ProcessID == "" {
		opts.ProcessID = ulid.Make().String()
	}
	if opts.IdleTimeout < 0 {
		opts.IdleTimeout = 0
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.PermissionMode == "" {
		opts.PermissionMode = domain.PermissionDefault
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AgentProcess{
		id:          opts.ProcessID,
		projectPath: opts.ProjectPath,
		projectID:   opts.ProjectID,
		startedAt:   time.Now(),
		idleTimeout: opts.IdleTimeout,
		logger:      opts.Logger.With("process_id", opts.ProcessID),
		onSessionID: opts.OnSessionID,
		sessionID:   opts.SessionID,
		state:       domain.StateRunning{},
		mode:        opts.PermissionMode,
		hooks:       make(map[uint64]func()),
		history:     newRingBuffer[domain.EngineMessage](opts.HistoryLimit),
		notify:      make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// ID returns the process id.
func (p *AgentProcess) ID() string { return p.id }

// SessionID returns the session id, or "" if the engine has not assigned one yet.
func (p *AgentProcess) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// ProjectID returns the encoded project id.
func (p *AgentProcess) ProjectID() string { return p.projectID }

// State returns the current state.
func (p *AgentProcess) State() domain.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the process has emitted Complete.
func (p *AgentProcess) Done() <-chan struct{} { return p.done }

// QueueMessage appends msg to the pending queue. It never blocks. A process
// that is idle or waiting for input goes back to running. Plain text queued
// while a request is pending resolves that request: it answers a question
// and denies a tool approval with the text as the reason.
func (p *AgentProcess) QueueMessage(msg domain.UserMessage) error {
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = time.Now()
	}

	p.emitMu.Lock()
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		p.emitMu.Unlock()
		return domain.NewSubSystemError("process", "AgentProcess.QueueMessage", domain.ErrProcessEnded, p.id)
	}
	if w, ok := p.state.(domain.StateWaitingInput); ok && msg.Response == nil && msg.Content != "" {
		msg.Response = &domain.InputResponse{
			RequestID: w.Request.ID,
			Allow:     w.Request.Kind != domain.InputToolApproval,
			Answer:    msg.Content,
		}
		msg.Content = ""
	}
	p.queue = append(p.queue, msg)
	p.stopIdleTimerLocked()
	var changed domain.ProcessState
	if p.state.Kind() != domain.StateKindRunning {
		p.state = domain.StateRunning{}
		changed = p.state
	}
	p.mu.Unlock()
	if changed != nil {
		p.dispatch(domain.StateChangeEvent{State: changed})
	}
	p.emitMu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe registers handler for live events. The returned function
// removes it and may be called any number of times.
func (p *AgentProcess) Subscribe(handler domain.ProcessHandler) func() {
	id := p.nextID.Add(1)
	p.subsMu.Lock()
	p.subs = append(p.subs, processSub{id: id, handler: handler})
	p.subsMu.Unlock()

	return func() {
		p.subsMu.Lock()
		defer p.subsMu.Unlock()
		for i, s := range p.subs {
			if s.id == id {
				p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
				return
			}
		}
	}
}

// Attach snapshots the process and subscribes handler in one step, so the
// handler receives exactly the events emitted after the snapshot.
func (p *AgentProcess) Attach(handler domain.ProcessHandler) (Snapshot, func()) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	snap := Snapshot{
		Info:      p.infoLocked(),
		State:     p.state,
		History:   p.history.Snapshot(),
		Completed: p.completed,
	}
	p.mu.Unlock()

	if snap.Completed {
		return snap, func() {}
	}
	return snap, p.Subscribe(handler)
}

// OnComplete registers fn to run once after Complete has been emitted. If
// the process has already completed, fn runs immediately.
func (p *AgentProcess) OnComplete(fn func()) func() {
	p.subsMu.Lock()
	select {
	case <-p.done:
		p.subsMu.Unlock()
		fn()
		return func() {}
	default:
	}
	id := p.nextID.Add(1)
	p.hooks[id] = fn
	p.subsMu.Unlock()

	return func() {
		p.subsMu.Lock()
		delete(p.hooks, id)
		p.subsMu.Unlock()
	}
}

// ListenerCount returns the number of live subscribers plus pending
// completion hooks.
func (p *AgentProcess) ListenerCount() int {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	return len(p.subs) + len(p.hooks)
}

// MessageHistory returns a copy of the replay history, oldest first.
func (p *AgentProcess) MessageHistory() []domain.EngineMessage {
	return p.history.Snapshot()
}

// PendingInputRequest returns the request the process is waiting on, if any.
func (p *AgentProcess) PendingInputRequest() (domain.InputRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.state.(domain.StateWaitingInput); ok {
		return w.Request, true
	}
	return domain.InputRequest{}, false
}

// PermissionMode returns the current permission mode and its version.
func (p *AgentProcess) PermissionMode() (domain.PermissionMode, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode, p.modeVersion
}

// SetPermissionMode changes the permission mode, forwarding it to the engine
// when the engine supports mid-run changes.
func (p *AgentProcess) SetPermissionMode(ctx context.Context, mode domain.PermissionMode) error {
	if !mode.Valid() {
		return domain.NewDomainError("AgentProcess.SetPermissionMode", domain.ErrInvalidInput, string(mode))
	}
	if setter, ok := p.stream.(domain.ModeSetter); ok {
		if err := setter.SetPermissionMode(ctx, mode); err != nil {
			return domain.WrapOp("AgentProcess.SetPermissionMode", err)
		}
	}
	p.applyMode(mode, true)
	return nil
}

// Abort cancels the engine run. It is idempotent and safe to call while the
// process is already completing.
func (p *AgentProcess) Abort() {
	p.cancel()
}

// Info returns a serializable projection of the process.
func (p *AgentProcess) Info() domain.ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.infoLocked()
}

func (p *AgentProcess) infoLocked() domain.ProcessInfo {
	return domain.ProcessInfo{
		ID:             p.id,
		SessionID:      p.sessionID,
		ProjectID:      p.projectID,
		ProjectPath:    p.projectPath,
		State:          p.state.Kind(),
		StartedAt:      p.startedAt,
		QueueDepth:     len(p.queue),
		PermissionMode: p.mode,
		ModeVersion:    p.modeVersion,
	}
}

// --- internal ---

func (p *AgentProcess) run() {
	defer p.finish()

	for {
		ev, err := p.stream.Recv(p.ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				p.logger.Info("engine completed")
			case p.ctx.Err() != nil:
				p.logger.Info("engine aborted")
			default:
				p.logger.Warn("engine stream failed", "error", err)
				p.emit(domain.ErrorEvent{Err: err})
			}
			return
		}

		switch e := ev.(type) {
		case domain.EngineMessage:
			p.handleMessage(e)
		case domain.EngineInputRequest:
			p.handleInputRequest(e.Request)
		case domain.EngineModeChange:
			p.applyMode(e.Mode, false)
		case domain.EngineError:
			p.logger.Warn("engine error", "error", e.Err)
			p.emit(domain.ErrorEvent{Err: e.Err})
		}
	}
}

func (p *AgentProcess) handleMessage(msg domain.EngineMessage) {
	if msg.SessionID != "" {
		p.adoptSessionID(msg.SessionID)
	}

	p.emitMu.Lock()
	p.history.Push(msg)
	p.dispatch(domain.MessageEvent{Message: msg})
	p.emitMu.Unlock()

	if msg.IsTurnEnd() {
		p.endTurn()
	}
}

func (p *AgentProcess) adoptSessionID(sessionID string) {
	p.mu.Lock()
	if p.sessionID != "" {
		p.mu.Unlock()
		return
	}
	p.sessionID = sessionID
	p.mu.Unlock()

	p.logger.Info("session id assigned", "session_id", sessionID)
	if p.onSessionID != nil {
		p.onSessionID(p, sessionID)
	}
}

func (p *AgentProcess) handleInputRequest(req domain.InputRequest) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if req.SessionID == "" {
		req.SessionID = p.sessionID
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	p.stopIdleTimerLocked()
	p.state = domain.StateWaitingInput{Request: req}
	state := p.state
	p.mu.Unlock()

	p.dispatch(domain.StateChangeEvent{State: state})
}

func (p *AgentProcess) applyMode(mode domain.PermissionMode, force bool) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if !force && mode == p.mode {
		p.mu.Unlock()
		return
	}
	p.mode = mode
	p.modeVersion++
	ev := domain.ModeChangeEvent{Mode: p.mode, Version: p.modeVersion}
	p.mu.Unlock()

	p.dispatch(ev)
}

// endTurn marks the in-flight turn finished and, if nothing is queued,
// schedules the transition to idle.
func (p *AgentProcess) endTurn() {
	p.mu.Lock()
	if p.inFlight > 0 {
		p.inFlight--
	}
	p.mu.Unlock()
	p.maybeIdle()
}

// maybeIdle schedules the transition to idle when no turn is in flight and
// nothing is queued.
func (p *AgentProcess) maybeIdle() {
	p.mu.Lock()
	if len(p.queue) > 0 || p.inFlight > 0 || p.completed {
		p.mu.Unlock()
		return
	}
	p.stopIdleTimerLocked()
	gen := p.idleGen
	if p.idleTimeout > 0 {
		p.idleTimer = time.AfterFunc(p.idleTimeout, func() { p.goIdle(gen) })
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.goIdle(gen)
}

func (p *AgentProcess) goIdle(gen uint64) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if gen != p.idleGen || p.completed || p.inFlight > 0 || len(p.queue) > 0 ||
		p.state.Kind() != domain.StateKindRunning {
		p.mu.Unlock()
		return
	}
	p.idleTimer = nil
	p.state = domain.StateIdle{Since: time.Now()}
	state := p.state
	p.mu.Unlock()

	p.dispatch(domain.StateChangeEvent{State: state})
}

// stopIdleTimerLocked cancels any pending idle transition. The generation
// bump makes a timer that already fired a no-op.
func (p *AgentProcess) stopIdleTimerLocked() {
	p.idleGen++
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

// next pops the oldest queued message, blocking until one is available.
// Only messages with content start a turn; an input response continues the
// turn that asked for it.
func (p *AgentProcess) next(ctx context.Context) (domain.UserMessage, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			msg := p.queue[0]
			p.queue[0] = domain.UserMessage{}
			p.queue = p.queue[1:]
			startsTurn := msg.Content != ""
			if startsTurn {
				p.inFlight++
			}
			p.mu.Unlock()
			if !startsTurn {
				// A turn may have ended while this response sat in the queue.
				p.maybeIdle()
			}
			return msg, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-ctx.Done():
			return domain.UserMessage{}, ctx.Err()
		case <-p.ctx.Done():
			return domain.UserMessage{}, p.ctx.Err()
		}
	}
}

func (p *AgentProcess) emit(ev domain.ProcessEvent) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.mu.Lock()
	completed := p.completed
	p.mu.Unlock()
	if completed {
		return
	}
	p.dispatch(ev)
}

// dispatch delivers ev to every subscriber. Caller holds emitMu.
func (p *AgentProcess) dispatch(ev domain.ProcessEvent) {
	p.subsMu.RLock()
	subs := make([]processSub, len(p.subs))
	copy(subs, p.subs)
	p.subsMu.RUnlock()

	for _, sub := range subs {
		p.deliver(sub, ev)
	}
}

func (p *AgentProcess) deliver(sub processSub, ev domain.ProcessEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("process subscriber panicked", "subscription", sub.id, "panic", r)
		}
	}()
	sub.handler(ev)
}

// finish emits Complete exactly once and runs completion hooks.
func (p *AgentProcess) finish() {
	p.emitMu.Lock()
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		p.emitMu.Unlock()
		return
	}
	p.completed = true
	p.stopIdleTimerLocked()
	p.mu.Unlock()
	p.dispatch(domain.CompleteEvent{At: time.Now()})
	p.emitMu.Unlock()

	p.cancel()
	if err := p.stream.Close(); err != nil {
		p.logger.Debug("engine close", "error", err)
	}

	p.subsMu.Lock()
	close(p.done)
	hooks := make([]func(), 0, len(p.hooks))
	for id, fn := range p.hooks {
		hooks = append(hooks, fn)
		delete(p.hooks, id)
	}
	p.subs = nil
	p.subsMu.Unlock()

	for _, fn := range hooks {
		p.runHook(fn)
	}
}

func (p *AgentProcess) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("completion hook panicked", "panic", r)
		}
	}()
	fn()
}

// messageSource adapts the process queue to domain.MessageSource.
type messageSource struct {
	p *AgentProcess
}

func (s messageSource) Next(ctx context.Context) (domain.UserMessage, error) {
	return s.p.next(ctx)
}
