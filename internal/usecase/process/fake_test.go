package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"agentrelay/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func engineMsg(typ, sessionID string) domain.EngineMessage {
	raw := fmt.Sprintf(`{"type":%q,"session_id":%q}`, typ, sessionID)
	msg, err := domain.ParseEngineMessage([]byte(raw))
	if err != nil {
		panic(err)
	}
	return msg
}

// fakeEngine records every Start call. With autoReply set, each user message
// is answered by an assistant message and a result carrying the session id.
type fakeEngine struct {
	mu        sync.Mutex
	starts    []domain.EngineOptions
	streams   []*fakeStream
	startErr  error
	autoReply bool
	seq       int
}

func (e *fakeEngine) Start(ctx context.Context, opts domain.EngineOptions) (domain.EngineStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.seq++
	sessionID := opts.Resume
	if sessionID == "" {
		sessionID = fmt.Sprintf("sess-%d", e.seq)
	}
	st := &fakeStream{
		events:    make(chan domain.EngineEvent, 64),
		received:  make(chan domain.UserMessage, 64),
		closed:    make(chan struct{}),
		sessionID: sessionID,
	}
	e.starts = append(e.starts, opts)
	e.streams = append(e.streams, st)
	go st.readInput(ctx, opts.Input, e.autoReply)
	return st, nil
}

func (e *fakeEngine) startCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.starts)
}

func (e *fakeEngine) stream(i int) *fakeStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streams[i]
}

func (e *fakeEngine) options(i int) domain.EngineOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts[i]
}

type fakeStream struct {
	events    chan domain.EngineEvent
	received  chan domain.UserMessage
	closed    chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
	sessionID string

	mu    sync.Mutex
	modes []domain.PermissionMode
}

func (s *fakeStream) readInput(ctx context.Context, src domain.MessageSource, autoReply bool) {
	for {
		msg, err := src.Next(ctx)
		if err != nil {
			return
		}
		select {
		case s.received <- msg:
		default:
		}
		if autoReply {
			s.events <- engineMsg("assistant", s.sessionID)
			s.events <- engineMsg("result", s.sessionID)
		}
	}
}

func (s *fakeStream) Recv(ctx context.Context) (domain.EngineEvent, error) {
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

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) SetPermissionMode(_ context.Context, mode domain.PermissionMode) error {
	if mode == domain.PermissionBypass {
		return errors.New("refused")
	}
	s.mu.Lock()
	s.modes = append(s.modes, mode)
	s.mu.Unlock()
	return nil
}

// end makes Recv report natural completion.
func (s *fakeStream) end() {
	s.endOnce.Do(func() { close(s.events) })
}

func (s *fakeStream) next(timeout time.Duration) (domain.UserMessage, bool) {
	select {
	case m := <-s.received:
		return m, true
	case <-time.After(timeout):
		return domain.UserMessage{}, false
	}
}

// eventRecorder collects process events.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.ProcessEvent
}

func (r *eventRecorder) handle(ev domain.ProcessEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []domain.ProcessEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ProcessEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) states() []domain.StateKind {
	var out []domain.StateKind
	for _, ev := range r.snapshot() {
		if sc, ok := ev.(domain.StateChangeEvent); ok {
			out = append(out, sc.State.Kind())
		}
	}
	return out
}

func (r *eventRecorder) count(match func(domain.ProcessEvent) bool) int {
	n := 0
	for _, ev := range r.snapshot() {
		if match(ev) {
			n++
		}
	}
	return n
}

func isComplete(ev domain.ProcessEvent) bool {
	_, ok := ev.(domain.CompleteEvent)
	return ok
}

// recordingBus is a synchronous domain.EventBus that keeps every event.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.BusEvent
}

func (b *recordingBus) Emit(_ context.Context, ev domain.BusEvent) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.BusHandler) func() { return func() {} }

func (b *recordingBus) SubscriberCount() int { return 0 }

func (b *recordingBus) statuses(sessionID string) []domain.StatusKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StatusKind
	for _, ev := range b.events {
		if st, ok := ev.(domain.SessionStatusEvent); ok && st.SessionID == sessionID {
			out = append(out, st.Status.Kind)
		}
	}
	return out
}
