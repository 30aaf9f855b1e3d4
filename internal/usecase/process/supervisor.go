package process

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentrelay/internal/domain"
	"agentrelay/internal/infra/tracer"
)

// SupervisorConfig holds configuration for the Supervisor.
type SupervisorConfig struct {
	MaxProcesses          int           // max concurrently registered processes (default: 20)
	IdleTimeout           time.Duration // turn end to Idle delay (default: 2s, negative: immediate)
	HistoryLimit          int           // replay messages kept per process (default: 1000)
	IdleReapAfter         time.Duration // abort processes idle this long (default: 30m, negative: never)
	CleanupInterval       time.Duration // how often the reaper runs (default: 1m)
	DefaultPermissionMode domain.PermissionMode
}

// Supervisor owns the registry of live agent processes. At most one process
// is registered per session id.
type Supervisor struct {
	mu        sync.Mutex
	processes map[string]*AgentProcess // by process id
	sessions  map[string]*AgentProcess // by session id
	starting  int                      // launches holding a slot but not yet registered
	pending   map[string]chan struct{} // resumes in flight, closed once registered or failed

	config   SupervisorConfig
	engine   domain.Engine
	bus      domain.EventBus
	logger   *slog.Logger
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSupervisor creates a Supervisor and starts the idle reaper.
func NewSupervisor(cfg SupervisorConfig, engine domain.Engine, bus domain.EventBus, logger *slog.Logger) *Supervisor {
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = 20
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.IdleReapAfter == 0 {
		cfg.IdleReapAfter = 30 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.DefaultPermissionMode == "" {
		cfg.DefaultPermissionMode = domain.PermissionDefault
	}

	s := &Supervisor{
		processes: make(map[string]*AgentProcess),
		sessions:  make(map[string]*AgentProcess),
		pending:   make(map[string]chan struct{}),
		config:    cfg,
		engine:    engine,
		bus:       bus,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	if cfg.IdleReapAfter > 0 {
		go s.cleanupLoop()
	}
	return s
}

// StartSession starts a new session in projectPath and queues message as its
// first turn.
func (s *Supervisor) StartSession(ctx context.Context, projectPath, message string) (*AgentProcess, error) {
	ctx, span := tracer.StartSpan(ctx, "supervisor.start_session",
		trace.WithAttributes(tracer.StringAttr("project.path", projectPath)),
	)
	defer span.End()

	projectID, err := domain.EncodeProjectID(projectPath)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	p, err := s.launch("Supervisor.StartSession", "", projectPath, projectID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	s.afterRegister(ctx, p)
	if err := p.QueueMessage(domain.UserMessage{Content: message}); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(tracer.StringAttr("process.id", p.ID()), tracer.IntAttr("process.count", s.count()))
	tracer.SetOK(span)
	s.logger.Info("session started", "process_id", p.ID(), "project_id", projectID)
	return p, nil
}

// ResumeSession queues message onto the process owning sessionID, starting
// one that resumes the session when none is registered.
func (s *Supervisor) ResumeSession(ctx context.Context, sessionID, projectPath, message string) (*AgentProcess, error) {
	ctx, span := tracer.StartSpan(ctx, "supervisor.resume_session",
		trace.WithAttributes(
			tracer.StringAttr("session.id", sessionID),
			tracer.StringAttr("project.path", projectPath),
		),
	)
	defer span.End()

	if sessionID == "" {
		err := domain.NewSubSystemError("process", "Supervisor.ResumeSession", domain.ErrInvalidInput, "session id is required")
		tracer.RecordError(span, err)
		return nil, err
	}
	projectID, err := domain.EncodeProjectID(projectPath)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	msg := domain.UserMessage{Content: message}

	s.mu.Lock()
	for {
		if existing, ok := s.sessions[sessionID]; ok {
			if err := existing.QueueMessage(msg); err == nil {
				s.mu.Unlock()
				span.SetAttributes(tracer.StringAttr("process.id", existing.ID()), tracer.StringAttr("resume.mode", "join"))
				tracer.SetOK(span)
				s.logger.Debug("message queued on existing process", "process_id", existing.ID(), "session_id", sessionID)
				return existing, nil
			}
			// Ended but not yet deregistered; replace it.
			s.removeLocked(existing)
		}
		wait, starting := s.pending[sessionID]
		if !starting {
			break
		}
		// Another caller is starting this session; join its process.
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			tracer.RecordError(span, ctx.Err())
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}
	s.mu.Unlock()

	p, err := s.launch("Supervisor.ResumeSession", sessionID, projectPath, projectID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	s.afterRegister(ctx, p)
	if err := p.QueueMessage(msg); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(tracer.StringAttr("process.id", p.ID()), tracer.IntAttr("process.count", s.count()))
	tracer.SetOK(span)
	s.logger.Info("session resumed", "process_id", p.ID(), "session_id", sessionID)
	return p, nil
}

func (s *Supervisor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processes)
}

// GetProcess returns the process registered under id.
func (s *Supervisor) GetProcess(id string) (*AgentProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[id]
	return p, ok
}

// GetProcessForSession returns the process owning sessionID.
func (s *Supervisor) GetProcessForSession(sessionID string) (*AgentProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[sessionID]
	return p, ok
}

// IsOwned reports whether a process owns sessionID and returns its id.
func (s *Supervisor) IsOwned(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.sessions[sessionID]; ok {
		return p.ID(), true
	}
	return "", false
}

// AllProcesses returns the registered processes ordered by start time.
func (s *Supervisor) AllProcesses() []*AgentProcess {
	s.mu.Lock()
	out := make([]*AgentProcess, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].startedAt.Equal(out[j].startedAt) {
			return out[i].id < out[j].id
		}
		return out[i].startedAt.Before(out[j].startedAt)
	})
	return out
}

// ProcessInfoList returns ProcessInfo for every registered process.
func (s *Supervisor) ProcessInfoList() []domain.ProcessInfo {
	procs := s.AllProcesses()
	infos := make([]domain.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, p.Info())
	}
	return infos
}

// AbortProcess deregisters and aborts the process. It reports false when no
// process is registered under id.
func (s *Supervisor) AbortProcess(id string) bool {
	s.mu.Lock()
	p, ok := s.processes[id]
	var sessionID string
	if ok {
		sessionID = s.removeLocked(p)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	p.Abort()
	s.publishIdle(sessionID, p)
	s.logger.Info("process aborted", "process_id", id)
	return true
}

// Stop shuts down the reaper and aborts every process, waiting for each to
// complete or for ctx to end.
func (s *Supervisor) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	procs := s.AllProcesses()
	for _, p := range procs {
		p.Abort()
	}
	for _, p := range procs {
		select {
		case <-p.Done():
		case <-ctx.Done():
			s.logger.Warn("supervisor stop timed out", "pending_process", p.ID())
			return
		}
	}
}

// --- internal ---

// launch reserves a process slot, starts the engine without holding mu and
// registers the result. While a resume is starting, other resumes of the same
// session wait on its pending channel instead of starting a second process.
func (s *Supervisor) launch(op, sessionID, projectPath, projectID string) (*AgentProcess, error) {
	s.mu.Lock()
	if n := len(s.processes) + s.starting; n >= s.config.MaxProcesses {
		s.mu.Unlock()
		return nil, domain.NewSubSystemError("process", op, domain.ErrLimitReached,
			fmt.Sprintf("%d/%d processes running", n, s.config.MaxProcesses))
	}
	s.starting++
	if sessionID != "" {
		s.pending[sessionID] = make(chan struct{})
	}
	s.mu.Unlock()

	p, err := Launch(s.engine, Options{
		SessionID:      sessionID,
		Resume:         sessionID != "",
		ProjectPath:    projectPath,
		ProjectID:      projectID,
		IdleTimeout:    s.config.IdleTimeout,
		HistoryLimit:   s.config.HistoryLimit,
		PermissionMode: s.config.DefaultPermissionMode,
		Logger:         s.logger,
		OnSessionID:    s.adoptSession,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting--
	if wait, ok := s.pending[sessionID]; ok {
		delete(s.pending, sessionID)
		defer close(wait)
	}
	if err != nil {
		return nil, domain.NewSubSystemError("engine", op, domain.ErrProviderError,
			fmt.Sprintf("%v: %v", domain.ErrEngineStart, err))
	}

	s.processes[p.ID()] = p
	// The engine may have assigned a session id before registration, in
	// which case adoptSession skipped it.
	if sid := p.SessionID(); sid != "" {
		if _, taken := s.sessions[sid]; !taken {
			s.sessions[sid] = p
		}
	}
	return p, nil
}

// afterRegister attaches the deregistration hook and publishes ownership.
// It must run without mu held: the hook fires inline for a process that has
// already completed.
func (s *Supervisor) afterRegister(ctx context.Context, p *AgentProcess) {
	p.OnComplete(func() { s.deregister(p) })
	if sid := p.SessionID(); sid != "" {
		s.publish(ctx, sid, p.ProjectID(), domain.Owned(p.ID()))
	}
}

// adoptSession indexes a process by the session id its engine assigned.
func (s *Supervisor) adoptSession(p *AgentProcess, sessionID string) {
	s.mu.Lock()
	if _, registered := s.processes[p.ID()]; !registered {
		s.mu.Unlock()
		return
	}
	if other, ok := s.sessions[sessionID]; ok && other != p {
		s.mu.Unlock()
		s.logger.Warn("session already owned", "session_id", sessionID,
			"owner", other.ID(), "process_id", p.ID())
		return
	}
	s.sessions[sessionID] = p
	s.mu.Unlock()

	s.publish(context.Background(), sessionID, p.ProjectID(), domain.Owned(p.ID()))
}

func (s *Supervisor) deregister(p *AgentProcess) {
	s.mu.Lock()
	cur, ok := s.processes[p.ID()]
	var sessionID string
	if ok && cur == p {
		sessionID = s.removeLocked(p)
	}
	s.mu.Unlock()
	if !ok || cur != p {
		return
	}

	s.publishIdle(sessionID, p)
	s.logger.Info("process deregistered", "process_id", p.ID(), "session_id", sessionID)
}

// removeLocked drops p from both indexes and returns the session id it owned.
func (s *Supervisor) removeLocked(p *AgentProcess) string {
	delete(s.processes, p.ID())
	sid := p.SessionID()
	if sid != "" && s.sessions[sid] == p {
		delete(s.sessions, sid)
		return sid
	}
	return ""
}

func (s *Supervisor) publishIdle(sessionID string, p *AgentProcess) {
	if sessionID == "" {
		return
	}
	s.publish(context.Background(), sessionID, p.ProjectID(), domain.Idle())
}

func (s *Supervisor) publish(ctx context.Context, sessionID, projectID string, status domain.SessionStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(ctx, domain.SessionStatusEvent{
		SessionID: sessionID,
		ProjectID: projectID,
		Status:    status,
		Timestamp: time.Now(),
	})
}

func (s *Supervisor) cleanupLoop() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

// reapIdle aborts processes that have been idle longer than IdleReapAfter.
func (s *Supervisor) reapIdle() {
	cutoff := time.Now().Add(-s.config.IdleReapAfter)
	for _, p := range s.AllProcesses() {
		idle, ok := p.State().(domain.StateIdle)
		if !ok || idle.Since.After(cutoff) {
			continue
		}
		s.logger.Info("reaping idle process", "process_id", p.ID(), "idle_since", idle.Since)
		s.AbortProcess(p.ID())
	}
}
