// Package ownership tracks sessions whose files are being written by a
// program other than this server.
package ownership

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"agentrelay/internal/domain"
)

// DefaultDecay is how long a session stays external after its last file change.
const DefaultDecay = 30 * time.Second

// OwnershipChecker reports whether a live process owns a session.
type OwnershipChecker interface {
	IsOwned(sessionID string) (processID string, ok bool)
}

// ExternalSessionInfo describes a session seen changing on disk while no
// local process owned it.
type ExternalSessionInfo struct {
	SessionID    string    `json:"sessionId"`
	ProjectID    string    `json:"projectId"`
	DetectedAt   time.Time `json:"detectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

type entry struct {
	info  ExternalSessionInfo
	timer *time.Timer
	gen   uint64
}

// Tracker turns file change events into external/idle session statuses.
type Tracker struct {
	bus    domain.EventBus
	owner  OwnershipChecker
	decay  time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	disposed bool
	unsub    func()
}

// New creates a Tracker and subscribes it to bus.
func New(bus domain.EventBus, owner OwnershipChecker, decay time.Duration, logger *slog.Logger) *Tracker {
	if decay <= 0 {
		decay = DefaultDecay
	}
	t := &Tracker{
		bus:     bus,
		owner:   owner,
		decay:   decay,
		logger:  logger,
		entries: make(map[string]*entry),
	}
	t.unsub = bus.Subscribe(t.handle)
	return t
}

// IsExternal reports whether sessionID is currently tracked as external.
func (t *Tracker) IsExternal(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[sessionID]
	return ok
}

// Info returns the tracked entry for sessionID.
func (t *Tracker) Info(sessionID string) (ExternalSessionInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[sessionID]
	if !ok {
		return ExternalSessionInfo{}, false
	}
	return e.info, true
}

// ExternalSessions returns every tracked session, most recently active first.
func (t *Tracker) ExternalSessions() []ExternalSessionInfo {
	t.mu.Lock()
	out := make([]ExternalSessionInfo, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.info)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Dispose unsubscribes from the bus and stops every decay timer. Safe to
// call more than once.
func (t *Tracker) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	for id, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, id)
	}
	unsub := t.unsub
	t.mu.Unlock()

	unsub()
}

func (t *Tracker) handle(ctx context.Context, ev domain.BusEvent) {
	fc, ok := ev.(domain.FileChangeEvent)
	if !ok {
		return
	}
	if fc.FileType != domain.FileTypeSession && fc.FileType != domain.FileTypeAgentSession {
		return
	}
	projectID, sessionID, ok := ParseSessionPath(fc.RelativePath)
	if !ok {
		return
	}

	if _, owned := t.owner.IsOwned(sessionID); owned {
		t.release(ctx, sessionID)
		return
	}
	t.touch(ctx, sessionID, projectID, fc.Timestamp)
}

// release drops a tracked session that a local process now owns.
func (t *Tracker) release(ctx context.Context, sessionID string) {
	t.mu.Lock()
	e, ok := t.entries[sessionID]
	if ok {
		e.timer.Stop()
		e.gen++
		delete(t.entries, sessionID)
	}
	t.mu.Unlock()

	if ok {
		t.logger.Debug("external session now owned", "session_id", sessionID)
		t.publish(ctx, e.info, domain.Idle())
	}
}

// touch creates or refreshes the entry and reschedules its decay.
func (t *Tracker) touch(ctx context.Context, sessionID, projectID string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}

	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	e, exists := t.entries[sessionID]
	if exists {
		e.timer.Stop()
		e.gen++
		e.info.LastActivity = at
	} else {
		e = &entry{info: ExternalSessionInfo{
			SessionID:    sessionID,
			ProjectID:    projectID,
			DetectedAt:   at,
			LastActivity: at,
		}}
		t.entries[sessionID] = e
	}
	gen := e.gen
	e.timer = time.AfterFunc(t.decay, func() { t.expire(sessionID, gen) })
	info := e.info
	t.mu.Unlock()

	if !exists {
		t.logger.Info("external session detected", "session_id", sessionID, "project_id", projectID)
		t.publish(ctx, info, domain.External())
	}
}

// expire fires when a decay timer runs out. A firing from a superseded timer
// finds a newer generation (or no entry) and does nothing.
func (t *Tracker) expire(sessionID string, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[sessionID]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, sessionID)
	t.mu.Unlock()

	if _, owned := t.owner.IsOwned(sessionID); owned {
		return
	}
	t.logger.Debug("external session decayed", "session_id", sessionID)
	t.publish(context.Background(), e.info, domain.Idle())
}

func (t *Tracker) publish(ctx context.Context, info ExternalSessionInfo, status domain.SessionStatus) {
	t.bus.Emit(ctx, domain.SessionStatusEvent{
		SessionID: info.SessionID,
		ProjectID: info.ProjectID,
		Status:    status,
		Timestamp: time.Now(),
	})
}

// ParseSessionPath extracts the project and session ids from a path of the
// form projects/<projectId...>/<sessionId>.<ext>. Agent transcripts
// (stem starting with "agent-") are rejected.
func ParseSessionPath(rel string) (projectID, sessionID string, ok bool) {
	rel = strings.TrimPrefix(path.Clean(strings.ReplaceAll(rel, "\\", "/")), "/")
	parts := strings.Split(rel, "/")
	if len(parts) < 3 || parts[0] != "projects" {
		return "", "", false
	}

	file := parts[len(parts)-1]
	ext := path.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	if ext == "" || stem == "" || strings.HasPrefix(stem, "agent-") {
		return "", "", false
	}

	projectID = strings.Join(parts[1:len(parts)-1], "/")
	if projectID == "" {
		return "", "", false
	}
	return projectID, stem, true
}
