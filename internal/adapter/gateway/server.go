package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"agentrelay/internal/domain"
	"agentrelay/internal/infra/middleware"
	"agentrelay/internal/usecase/ownership"
	"agentrelay/internal/usecase/process"
)

// ExternalSessions lists sessions owned by outside programs.
type ExternalSessions interface {
	ExternalSessions() []ownership.ExternalSessionInfo
}

// StatusJournal reads back recorded session status transitions.
type StatusJournal interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]domain.SessionStatusEvent, error)
}

// Deps holds what the HTTP handlers need.
type Deps struct {
	Supervisor *process.Supervisor
	External   ExternalSessions // can be nil
	Journal    StatusJournal    // can be nil (journal disabled)
	Relay      *StreamRelay
	Auth       Authenticator // can be nil (auth disabled)
	Logger     *slog.Logger
}

// ServerConfig configures the HTTP listener and its middleware.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string // extra websocket origin patterns
	RateLimitRPM   int      // 0 disables rate limiting
	RateLimitBurst int
	TrustedProxies []string
}

// Server exposes the session API and viewer streams over HTTP.
type Server struct {
	cfg       ServerConfig
	deps      Deps
	logger    *slog.Logger
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates a gateway server.
func NewServer(cfg ServerConfig, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps, logger: deps.Logger}
}

// Handler builds the routed, authenticated and rate-limited handler. ctx
// bounds the rate limiter's cleanup goroutine.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("POST /sessions", s.handleStartSession)
	api.HandleFunc("GET /sessions/external", s.handleExternalSessions)
	api.HandleFunc("POST /sessions/{sessionId}/resume", s.handleResumeSession)
	api.HandleFunc("POST /sessions/{sessionId}/messages", s.handleQueueMessage)
	api.HandleFunc("GET /sessions/{sessionId}/stream", s.handleStream)
	api.HandleFunc("GET /sessions/{sessionId}/ws", s.handleWebSocket)
	api.HandleFunc("GET /sessions/{sessionId}/statuses", s.handleStatuses)
	api.HandleFunc("GET /processes", s.handleListProcesses)
	api.HandleFunc("DELETE /processes/{id}", s.handleAbortProcess)
	api.HandleFunc("PUT /processes/{id}/mode", s.handleSetMode)
	mux.Handle("/", requireAuth(s.deps.Auth, api))

	var h http.Handler = mux
	if s.cfg.RateLimitRPM > 0 {
		h = middleware.RateLimitWithConfig(ctx, middleware.RateLimitConfig{
			RequestsPerMin: s.cfg.RateLimitRPM,
			BurstSize:      s.cfg.RateLimitBurst,
			TrustedProxies: s.cfg.TrustedProxies,
		})(h)
	}
	return middleware.RequestLog(s.logger)(middleware.SecurityHeaders(h))
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server. Open streams end when their
// request contexts are cancelled.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }
