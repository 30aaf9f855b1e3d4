package domain

import (
	"encoding/json"
	"time"
)

// StateKind names a ProcessState variant on the wire.
type StateKind string

const (
	StateKindRunning      StateKind = "running"
	StateKindIdle         StateKind = "idle"
	StateKindWaitingInput StateKind = "waiting-input"
)

// ProcessState is the closed set of agent process states:
// StateRunning, StateIdle and StateWaitingInput.
type ProcessState interface {
	Kind() StateKind
	processState()
}

// StateRunning means the engine is working on (or ready for) a turn.
type StateRunning struct{}

// StateIdle means the process has had nothing to do since Since.
type StateIdle struct {
	Since time.Time
}

// StateWaitingInput means the engine is blocked on a human decision.
type StateWaitingInput struct {
	Request InputRequest
}

func (StateRunning) Kind() StateKind      { return StateKindRunning }
func (StateIdle) Kind() StateKind         { return StateKindIdle }
func (StateWaitingInput) Kind() StateKind { return StateKindWaitingInput }

func (StateRunning) processState()      {}
func (StateIdle) processState()         {}
func (StateWaitingInput) processState() {}

// InputKind distinguishes the decisions an engine may ask for.
type InputKind string

const (
	InputToolApproval InputKind = "tool-approval"
	InputQuestion     InputKind = "question"
	InputChoice       InputKind = "choice"
)

// InputRequest is a pending human decision surfaced by the engine.
type InputRequest struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Kind      InputKind       `json:"kind"`
	Prompt    string          `json:"prompt"`
	Choices   []string        `json:"choices,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	// EngineRef correlates the request with the engine's own request id.
	EngineRef string `json:"-"`
}

// PermissionMode controls how the engine asks for tool approval.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPlan        PermissionMode = "plan"
	PermissionBypass      PermissionMode = "bypassPermissions"
)

// Valid reports whether m is a known permission mode.
func (m PermissionMode) Valid() bool {
	switch m {
	case PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypass:
		return true
	}
	return false
}

// InputResponse resolves a pending InputRequest.
type InputResponse struct {
	RequestID string `json:"requestId"`
	Allow     bool   `json:"allow"`
	Answer    string `json:"answer,omitempty"`
}

// UserMessage is a message queued for delivery to the engine.
type UserMessage struct {
	Content  string         `json:"content"`
	Response *InputResponse `json:"response,omitempty"`
	QueuedAt time.Time      `json:"queuedAt"`
}

// ProcessEvent is the closed set of events an agent process emits to its
// subscribers. CompleteEvent is always the last one.
type ProcessEvent interface {
	processEvent()
}

// MessageEvent carries one engine message.
type MessageEvent struct {
	Message EngineMessage
}

// StateChangeEvent carries the new process state.
type StateChangeEvent struct {
	State ProcessState
}

// ModeChangeEvent carries a permission-mode change. Version increases
// monotonically per process so consumers can discard stale updates.
type ModeChangeEvent struct {
	Mode    PermissionMode
	Version int64
}

// ErrorEvent reports a non-fatal engine error.
type ErrorEvent struct {
	Err error
}

// CompleteEvent is the terminal event of a process.
type CompleteEvent struct {
	At time.Time
}

func (MessageEvent) processEvent()     {}
func (StateChangeEvent) processEvent() {}
func (ModeChangeEvent) processEvent()  {}
func (ErrorEvent) processEvent()       {}
func (CompleteEvent) processEvent()    {}

// ProcessHandler receives process events.
type ProcessHandler func(event ProcessEvent)

// ProcessInfo is a serializable projection of an agent process.
type ProcessInfo struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"sessionId"`
	ProjectID      string         `json:"projectId"`
	ProjectPath    string         `json:"projectPath"`
	State          StateKind      `json:"state"`
	StartedAt      time.Time      `json:"startedAt"`
	QueueDepth     int            `json:"queueDepth"`
	PermissionMode PermissionMode `json:"permissionMode"`
	ModeVersion    int64          `json:"modeVersion"`
}
