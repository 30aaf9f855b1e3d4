package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentrelay/internal/domain"
	"agentrelay/internal/usecase/process"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rawMessage(t *testing.T, raw string) domain.EngineMessage {
	t.Helper()
	msg, err := domain.ParseEngineMessage([]byte(raw))
	require.NoError(t, err)
	return msg
}

func textDelta(t *testing.T, text string) domain.EngineMessage {
	return rawMessage(t, fmt.Sprintf(
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":%q}}}`, text))
}

// scriptEngine hands out streams whose events the test pushes directly.
type scriptEngine struct {
	mu      sync.Mutex
	streams []*scriptStream
}

func (e *scriptEngine) Start(ctx context.Context, opts domain.EngineOptions) (domain.EngineStream, error) {
	st := &scriptStream{events: make(chan domain.EngineEvent, 64), closed: make(chan struct{})}
	go func() {
		for {
			if _, err := opts.Input.Next(ctx); err != nil {
				return
			}
		}
	}()
	e.mu.Lock()
	e.streams = append(e.streams, st)
	e.mu.Unlock()
	return st, nil
}

func (e *scriptEngine) last() *scriptStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streams[len(e.streams)-1]
}

type scriptStream struct {
	events    chan domain.EngineEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *scriptStream) Recv(ctx context.Context) (domain.EngineEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *scriptStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func launch(t *testing.T) (*process.AgentProcess, *scriptStream) {
	t.Helper()
	eng := &scriptEngine{}
	p, err := process.Launch(eng, process.Options{
		SessionID:   "sess-1",
		IdleTimeout: time.Hour,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(p.Abort)
	return p, eng.last()
}

// memSink records frames. failAfter > 0 makes the nth and later sends fail.
type memSink struct {
	mu        sync.Mutex
	frames    []Frame
	failAfter int
}

func (s *memSink) Send(_ context.Context, f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.frames)+1 >= s.failAfter {
		return errors.New("viewer gone")
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *memSink) snapshot() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *memSink) events() []domain.StreamEventType {
	var out []domain.StreamEventType
	for _, f := range s.snapshot() {
		out = append(out, f.Event)
	}
	return out
}

func (s *memSink) has(event domain.StreamEventType) bool {
	for _, e := range s.events() {
		if e == event {
			return true
		}
	}
	return false
}

// upperRenderer emits one augment per chunk and echoes the chunk as pending.
type upperRenderer struct {
	mu     sync.Mutex
	block  int
	resets int
	fail   bool
}

func (r *upperRenderer) OnChunk(_ context.Context, text string) (domain.RenderResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return domain.RenderResult{}, errors.New("render broke")
	}
	aug := domain.Augment{BlockIndex: r.block, HTML: "<p>" + strings.ToUpper(text) + "</p>", Type: "paragraph"}
	r.block++
	return domain.RenderResult{Augments: []domain.Augment{aug}, PendingHTML: text}, nil
}

func (r *upperRenderer) Flush(context.Context) (domain.RenderResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.RenderResult{Augments: []domain.Augment{{BlockIndex: r.block, HTML: "<p>final</p>", Type: "paragraph"}}}, nil
}

func (r *upperRenderer) Reset() {
	r.mu.Lock()
	r.block = 0
	r.resets++
	r.mu.Unlock()
}
