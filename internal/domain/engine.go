package domain

import (
	"context"
	"encoding/json"
)

// EngineEvent is the closed set of events produced by an engine stream:
// EngineMessage, EngineInputRequest, EngineModeChange and EngineError.
type EngineEvent interface {
	engineEvent()
}

// EngineMessage is one raw conversational message from the engine.
// Raw holds the message exactly as produced; the typed fields are
// extracted for routing only.
type EngineMessage struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

// EngineInputRequest asks for a human decision.
type EngineInputRequest struct {
	Request InputRequest
}

// EngineModeChange reports a permission-mode change made by the engine.
type EngineModeChange struct {
	Mode PermissionMode
}

// EngineError is a non-fatal error surfaced mid-stream.
type EngineError struct {
	Err error
}

func (EngineMessage) engineEvent()      {}
func (EngineInputRequest) engineEvent() {}
func (EngineModeChange) engineEvent()   {}
func (EngineError) engineEvent()        {}

// ParseEngineMessage extracts routing fields from a raw engine message.
func ParseEngineMessage(raw []byte) (EngineMessage, error) {
	var head struct {
		Type            string  `json:"type"`
		Subtype         string  `json:"subtype"`
		SessionID       string  `json:"session_id"`
		ParentToolUseID *string `json:"parent_tool_use_id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return EngineMessage{}, err
	}
	msg := EngineMessage{
		Type:      head.Type,
		Subtype:   head.Subtype,
		SessionID: head.SessionID,
		Raw:       append(json.RawMessage(nil), raw...),
	}
	if head.ParentToolUseID != nil {
		msg.ParentToolUseID = *head.ParentToolUseID
	}
	return msg, nil
}

// TextDelta returns the text carried by a streaming text delta.
func (m EngineMessage) TextDelta() (string, bool) {
	if m.Type != "stream_event" || len(m.Raw) == 0 {
		return "", false
	}
	var env struct {
		Event struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		} `json:"event"`
	}
	if err := json.Unmarshal(m.Raw, &env); err != nil {
		return "", false
	}
	if env.Event.Type != "content_block_delta" || env.Event.Delta.Type != "text_delta" {
		return "", false
	}
	return env.Event.Delta.Text, true
}

// IsTurnEnd reports whether the message closes the current turn.
func (m EngineMessage) IsTurnEnd() bool {
	return m.Type == "result"
}

// EngineOptions configures one engine run.
type EngineOptions struct {
	CWD            string
	Resume         string // session id to resume; empty starts a new session
	PermissionMode PermissionMode
	Input          MessageSource
}

// MessageSource yields queued user messages in order. Next blocks until a
// message is available or ctx is done.
type MessageSource interface {
	Next(ctx context.Context) (UserMessage, error)
}

// Engine starts driving-engine runs.
type Engine interface {
	Start(ctx context.Context, opts EngineOptions) (EngineStream, error)
}

// EngineStream is the event iterator of one engine run. Recv returns
// io.EOF when the engine completes naturally.
type EngineStream interface {
	Recv(ctx context.Context) (EngineEvent, error)
	Close() error
}

// ModeSetter is implemented by engine streams that accept permission-mode
// changes mid-run.
type ModeSetter interface {
	SetPermissionMode(ctx context.Context, mode PermissionMode) error
}
