package domain

import (
	"context"
	"time"
)

// BusEvent is the closed set of events carried by the event bus:
// FileChangeEvent and SessionStatusEvent.
type BusEvent interface {
	busEvent()
	// EventTime reports when the event was produced.
	EventTime() time.Time
}

// ChangeType describes what happened to a watched file.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
)

// FileType classifies a watched file.
type FileType string

const (
	FileTypeSession      FileType = "session"
	FileTypeAgentSession FileType = "agent-session"
	FileTypeOther        FileType = "other"
)

// FileChangeEvent reports on-disk activity under the watched root.
type FileChangeEvent struct {
	Path         string     `json:"path"`
	RelativePath string     `json:"relativePath"`
	ChangeType   ChangeType `json:"changeType"`
	FileType     FileType   `json:"fileType"`
	Timestamp    time.Time  `json:"timestamp"`
}

func (FileChangeEvent) busEvent()              {}
func (e FileChangeEvent) EventTime() time.Time { return e.Timestamp }

// StatusKind is the ownership status of a session.
type StatusKind string

const (
	StatusIdle     StatusKind = "idle"
	StatusOwned    StatusKind = "owned"
	StatusExternal StatusKind = "external"
)

// SessionStatus is exactly one of idle, owned(processID) or external.
type SessionStatus struct {
	Kind      StatusKind `json:"kind"`
	ProcessID string     `json:"processId,omitempty"`
}

// Idle returns the idle status.
func Idle() SessionStatus { return SessionStatus{Kind: StatusIdle} }

// Owned returns the status of a session owned by processID.
func Owned(processID string) SessionStatus {
	return SessionStatus{Kind: StatusOwned, ProcessID: processID}
}

// External returns the status of a session touched by an outside program.
func External() SessionStatus { return SessionStatus{Kind: StatusExternal} }

// SessionStatusEvent announces an ownership transition for a session.
//
// ProjectID depends on the publisher. The supervisor publishes the
// EncodeProjectID form of the project path. The ownership tracker only sees
// the engine's on-disk directory name, which is lossy and cannot be mapped
// back to a path, so its External and Idle events carry that name instead.
// Correlate events across publishers by SessionID.
type SessionStatusEvent struct {
	SessionID string        `json:"sessionId"`
	ProjectID string        `json:"projectId"` // see above: encoded id or engine directory name
	Status    SessionStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

func (SessionStatusEvent) busEvent()              {}
func (e SessionStatusEvent) EventTime() time.Time { return e.Timestamp }

// BusHandler is a callback invoked when an event is emitted.
type BusHandler func(ctx context.Context, event BusEvent)

// EventBus provides a publish/subscribe mechanism for bus events.
type EventBus interface {
	// Emit synchronously delivers event to every current subscriber.
	Emit(ctx context.Context, event BusEvent)
	// Subscribe registers a handler. Returns an unsubscribe function.
	Subscribe(handler BusHandler) func()
	// SubscriberCount reports the number of live subscribers.
	SubscriberCount() int
}
