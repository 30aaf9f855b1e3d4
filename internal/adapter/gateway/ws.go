package gateway

import (
	"context"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// wsSink writes frames as JSON websocket messages.
type wsSink struct {
	ws *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.ws, f)
}

// acceptOptions restricts websocket origins to loopback unless extra
// patterns are configured.
func acceptOptions(origins []string) *websocket.AcceptOptions {
	patterns := []string{
		"localhost",
		"localhost:*",
		"127.0.0.1",
		"127.0.0.1:*",
		"[::1]",
		"[::1]:*",
	}
	return &websocket.AcceptOptions{OriginPatterns: append(patterns, origins...)}
}
