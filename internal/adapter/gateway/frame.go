package gateway

import (
	"context"
	"encoding/json"
	"time"

	"agentrelay/internal/domain"
)

// Frame is the envelope of one viewer stream event. ID increases
// monotonically within a connection.
type Frame struct {
	ID    uint64                 `json:"id"`
	Event domain.StreamEventType `json:"event"`
	Data  json.RawMessage        `json:"data"`
}

// Sink writes frames to one viewer connection. Send is never called
// concurrently for the same sink.
type Sink interface {
	Send(ctx context.Context, f Frame) error
}

type connectedPayload struct {
	ProcessID      string                `json:"processId"`
	SessionID      string                `json:"sessionId"`
	State          domain.StateKind      `json:"state"`
	PermissionMode domain.PermissionMode `json:"permissionMode"`
	ModeVersion    int64                 `json:"modeVersion"`
	Request        *domain.InputRequest  `json:"request,omitempty"`
}

type statusPayload struct {
	State   domain.StateKind     `json:"state"`
	Request *domain.InputRequest `json:"request,omitempty"`
}

type modeChangePayload struct {
	PermissionMode domain.PermissionMode `json:"permissionMode"`
	ModeVersion    int64                 `json:"modeVersion"`
}

type pendingPayload struct {
	HTML string `json:"html"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type timestampPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// pendingRequest returns the request carried by a waiting-input state.
func pendingRequest(state domain.ProcessState) *domain.InputRequest {
	if w, ok := state.(domain.StateWaitingInput); ok {
		req := w.Request
		return &req
	}
	return nil
}

// annotateMessage returns the raw engine message, adding isSubagent and
// parentToolUseId when the message belongs to a sub-agent.
func annotateMessage(msg domain.EngineMessage) json.RawMessage {
	if msg.ParentToolUseID == "" {
		return msg.Raw
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(msg.Raw, &obj); err != nil || obj == nil {
		return msg.Raw
	}
	obj["isSubagent"] = json.RawMessage("true")
	parent, _ := json.Marshal(msg.ParentToolUseID)
	obj["parentToolUseId"] = parent
	out, err := json.Marshal(obj)
	if err != nil {
		return msg.Raw
	}
	return out
}
