package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentrelay/internal/domain"
	"agentrelay/internal/usecase/process"
)

// RelayConfig tunes a StreamRelay.
type RelayConfig struct {
	HeartbeatInterval time.Duration // default: 30s
	QueueSize         int           // live events buffered per connection (default: 256)
	FlushTimeout      time.Duration // max wait for the final render flush (default: 2s)
}

// StreamRelay bridges one agent process to one viewer connection. A single
// StreamRelay serves any number of concurrent connections.
type StreamRelay struct {
	cfg       RelayConfig
	renderers domain.RendererFactory // nil disables rendering
	logger    *slog.Logger
}

// NewStreamRelay creates a relay. renderers may be nil.
func NewStreamRelay(cfg RelayConfig, renderers domain.RendererFactory, logger *slog.Logger) *StreamRelay {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	return &StreamRelay{cfg: cfg, renderers: renderers, logger: logger}
}

// relayConn is the per-connection state. mu serializes sink writes and the
// sequence counter so the render worker and the event loop can both send.
type relayConn struct {
	mu   sync.Mutex
	sink Sink
	seq  uint64
}

func (c *relayConn) send(ctx context.Context, event domain.StreamEventType, data any) error {
	var raw json.RawMessage
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", event, err)
		}
		raw = b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.sink.Send(ctx, Frame{ID: c.seq, Event: event, Data: raw})
}

// Run streams p to sink. It returns nil when the process completes or the
// viewer goes away, domain.ErrStreamOverflow when the viewer falls too far
// behind, and the write error when the sink fails.
func (r *StreamRelay) Run(ctx context.Context, p *process.AgentProcess, sink Sink) error {
	if p == nil {
		return domain.NewSubSystemError("stream", "StreamRelay.Run", domain.ErrNotFound, "no process owns the session")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := &relayConn{sink: sink}
	logger := r.logger.With("process_id", p.ID())

	queue := make(chan domain.ProcessEvent, r.cfg.QueueSize)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	snap, unsubscribe := p.Attach(func(ev domain.ProcessEvent) {
		select {
		case queue <- ev:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	completed := make(chan struct{})
	var completedOnce sync.Once
	unhook := p.OnComplete(func() { completedOnce.Do(func() { close(completed) }) })
	defer unhook()

	info := snap.Info
	if err := conn.send(ctx, domain.StreamConnected, connectedPayload{
		ProcessID:      info.ID,
		SessionID:      info.SessionID,
		State:          snap.State.Kind(),
		PermissionMode: info.PermissionMode,
		ModeVersion:    info.ModeVersion,
		Request:        pendingRequest(snap.State),
	}); err != nil {
		return err
	}
	for _, msg := range snap.History {
		if err := conn.send(ctx, domain.StreamMessage, annotateMessage(msg)); err != nil {
			return err
		}
	}
	if snap.Completed {
		return conn.send(ctx, domain.StreamComplete, timestampPayload{Timestamp: time.Now()})
	}

	var (
		worker    *renderWorker
		renderErr <-chan error
	)
	if r.renderers != nil {
		worker = newRenderWorker(r.renderers(), conn, logger)
		go worker.run(ctx)
		defer worker.stop()
		renderErr = worker.errc
	}

	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	logger.Debug("viewer attached", "history", len(snap.History))

	for {
		select {
		case <-ctx.Done():
			logger.Debug("viewer disconnected")
			return nil

		case <-overflow:
			logger.Warn("viewer too slow, closing stream", "queue_size", r.cfg.QueueSize)
			_ = conn.send(ctx, domain.StreamError, errorPayload{Message: "stream overflow"})
			return domain.NewSubSystemError("stream", "StreamRelay.Run", domain.ErrStreamOverflow, p.ID())

		case err := <-renderErr:
			logger.Debug("viewer write failed in render worker", "error", err)
			return err

		case <-heartbeat.C:
			if err := conn.send(ctx, domain.StreamHeartbeat, timestampPayload{Timestamp: time.Now()}); err != nil {
				return err
			}

		case ev := <-queue:
			done, err := r.forward(ctx, conn, worker, ev)
			if err != nil || done {
				return err
			}

		case <-completed:
			// Backstop for a Complete that raced the subscription: drain
			// whatever is queued, then close out.
			for {
				select {
				case ev := <-queue:
					done, err := r.forward(ctx, conn, worker, ev)
					if err != nil || done {
						return err
					}
				default:
					return r.complete(ctx, conn, worker, time.Now())
				}
			}
		}
	}
}

// forward relays one live event. done reports that the stream is finished.
func (r *StreamRelay) forward(ctx context.Context, conn *relayConn, worker *renderWorker, ev domain.ProcessEvent) (bool, error) {
	switch e := ev.(type) {
	case domain.MessageEvent:
		if err := conn.send(ctx, domain.StreamMessage, annotateMessage(e.Message)); err != nil {
			return true, err
		}
		if worker != nil {
			if text, ok := e.Message.TextDelta(); ok {
				worker.chunk(text)
			}
			if e.Message.IsTurnEnd() {
				worker.flush(nil)
			}
		}
		return false, nil

	case domain.StateChangeEvent:
		return false, conn.send(ctx, domain.StreamStatus, statusPayload{
			State:   e.State.Kind(),
			Request: pendingRequest(e.State),
		})

	case domain.ModeChangeEvent:
		return false, conn.send(ctx, domain.StreamModeChange, modeChangePayload{
			PermissionMode: e.Mode,
			ModeVersion:    e.Version,
		})

	case domain.ErrorEvent:
		msg := "unknown error"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return false, conn.send(ctx, domain.StreamError, errorPayload{Message: msg})

	case domain.CompleteEvent:
		return true, r.complete(ctx, conn, worker, e.At)
	}
	return false, nil
}

// complete flushes the renderer with a bounded wait and sends the final event.
func (r *StreamRelay) complete(ctx context.Context, conn *relayConn, worker *renderWorker, at time.Time) error {
	if worker != nil {
		flushed := make(chan struct{})
		worker.flush(flushed)
		select {
		case <-flushed:
		case <-worker.exited:
		case <-time.After(r.cfg.FlushTimeout):
			r.logger.Warn("render flush timed out")
		case <-ctx.Done():
			return nil
		}
	}
	if at.IsZero() {
		at = time.Now()
	}
	return conn.send(ctx, domain.StreamComplete, timestampPayload{Timestamp: at})
}

// renderJob is a unit of work for the render worker: either a text chunk or
// a flush request.
type renderJob struct {
	text  string
	flush bool
	done  chan struct{}
}

// renderWorker runs the rendering collaborator off the forwarding path.
// Jobs are queued without bound so submitting never blocks the relay.
type renderWorker struct {
	renderer domain.Renderer
	conn     *relayConn
	logger   *slog.Logger

	mu     sync.Mutex
	jobs   []renderJob
	wake   chan struct{}
	quit   chan struct{}
	closed sync.Once
	errc   chan error    // receives the sink write error that stopped the worker
	exited chan struct{} // closed when run returns
}

func newRenderWorker(renderer domain.Renderer, conn *relayConn, logger *slog.Logger) *renderWorker {
	return &renderWorker{
		renderer: renderer,
		conn:     conn,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		errc:     make(chan error, 1),
		exited:   make(chan struct{}),
	}
}

func (w *renderWorker) chunk(text string) {
	w.push(renderJob{text: text})
}

// flush queues a flush and reset. done, if non-nil, is closed once the
// flushed output has been sent.
func (w *renderWorker) flush(done chan struct{}) {
	w.push(renderJob{flush: true, done: done})
}

func (w *renderWorker) push(job renderJob) {
	w.mu.Lock()
	w.jobs = append(w.jobs, job)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *renderWorker) stop() {
	w.closed.Do(func() { close(w.quit) })
}

func (w *renderWorker) run(ctx context.Context) {
	defer close(w.exited)
	for {
		w.mu.Lock()
		jobs := w.jobs
		w.jobs = nil
		w.mu.Unlock()

		for _, job := range jobs {
			if err := w.process(ctx, job); err != nil {
				w.logger.Debug("render worker stopped", "error", err)
				if ctx.Err() == nil {
					w.errc <- err
				}
				w.stop()
				return
			}
		}

		select {
		case <-w.wake:
		case <-w.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// process runs one job. Renderer errors are logged and skipped; only sink
// write errors are returned.
func (w *renderWorker) process(ctx context.Context, job renderJob) error {
	if job.done != nil {
		defer close(job.done)
	}

	var (
		res domain.RenderResult
		err error
	)
	if job.flush {
		res, err = w.renderer.Flush(ctx)
		defer w.renderer.Reset()
	} else {
		res, err = w.renderer.OnChunk(ctx, job.text)
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Warn("render failed", "error", err)
		}
		return nil
	}

	for _, aug := range res.Augments {
		if err := w.conn.send(ctx, domain.StreamAugment, aug); err != nil {
			return err
		}
	}
	if !job.flush && res.PendingHTML != "" {
		if err := w.conn.send(ctx, domain.StreamPending, pendingPayload{HTML: res.PendingHTML}); err != nil {
			return err
		}
	}
	return nil
}
