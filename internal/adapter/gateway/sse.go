package gateway

import (
	"context"
	"fmt"
	"net/http"
)

// sseSink writes frames as server-sent events, flushing after each one.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSESink writes the event-stream headers and returns the sink. It fails
// when the response writer cannot flush.
func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) Send(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", f.ID, f.Event, f.Data); err != nil {
		return fmt.Errorf("sse write: %w", err)
	}
	s.flusher.Flush()
	return nil
}
