package domain

import "context"

// StreamEventType names an event on the viewer stream.
type StreamEventType string

const (
	StreamConnected  StreamEventType = "connected"
	StreamMessage    StreamEventType = "message"
	StreamStatus     StreamEventType = "status"
	StreamModeChange StreamEventType = "mode-change"
	StreamAugment    StreamEventType = "augment"
	StreamPending    StreamEventType = "pending"
	StreamError      StreamEventType = "error"
	StreamComplete   StreamEventType = "complete"
	StreamHeartbeat  StreamEventType = "heartbeat"
)

// Augment is a pre-rendered fragment for one completed block of streamed text.
type Augment struct {
	BlockIndex int    `json:"blockIndex"`
	HTML       string `json:"html"`
	Type       string `json:"type"`
}

// RenderResult is what a renderer produced for one call.
type RenderResult struct {
	Augments    []Augment
	PendingHTML string
}

// Renderer turns streamed text into HTML fragments. Implementations are
// stateful per stream and are not required to be goroutine safe.
type Renderer interface {
	OnChunk(ctx context.Context, text string) (RenderResult, error)
	Flush(ctx context.Context) (RenderResult, error)
	Reset()
}

// RendererFactory builds a renderer for one viewer stream.
type RendererFactory func() Renderer
