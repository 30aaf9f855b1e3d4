package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"nhooyr.io/websocket"

	"agentrelay/internal/domain"
	"agentrelay/internal/usecase/ownership"
)

const maxBodyBytes = 1 << 20

type startSessionRequest struct {
	ProjectPath string `json:"projectPath"`
	Message     string `json:"message"`
}

type queueMessageRequest struct {
	Message  string                `json:"message"`
	Response *domain.InputResponse `json:"response,omitempty"`
}

type setModeRequest struct {
	Mode domain.PermissionMode `json:"mode"`
}

type errorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps domain sentinels to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrLimitReached):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrProcessEnded):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrProviderError):
		status = http.StatusBadGateway
	case errors.Is(err, domain.ErrAuthInvalid):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrDisabled):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"processes": len(s.deps.Supervisor.AllProcesses()),
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProjectPath == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "projectPath and message are required")
		return
	}

	p, err := s.deps.Supervisor.StartSession(r.Context(), req.ProjectPath, req.Message)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p.Info())
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProjectPath == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "projectPath and message are required")
		return
	}

	p, err := s.deps.Supervisor.ResumeSession(r.Context(), r.PathValue("sessionId"), req.ProjectPath, req.Message)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Info())
}

func (s *Server) handleQueueMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	p, ok := s.deps.Supervisor.GetProcessForSession(sessionID)
	if !ok {
		writeDomainError(w, domain.NewSubSystemError("stream", "QueueMessage", domain.ErrNotFound, sessionID))
		return
	}

	var req queueMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" && req.Response == nil {
		writeError(w, http.StatusBadRequest, "message or response is required")
		return
	}

	if err := p.QueueMessage(domain.UserMessage{Content: req.Message, Response: req.Response}); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p.Info())
}

func (s *Server) handleExternalSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := []ownership.ExternalSessionInfo{}
	if s.deps.External != nil {
		sessions = s.deps.External.ExternalSessions()
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleListProcesses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Supervisor.ProcessInfoList())
}

func (s *Server) handleAbortProcess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Supervisor.AbortProcess(id) {
		writeDomainError(w, domain.NewSubSystemError("process", "AbortProcess", domain.ErrNotFound, id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, ok := s.deps.Supervisor.GetProcess(id)
	if !ok {
		writeDomainError(w, domain.NewSubSystemError("process", "SetPermissionMode", domain.ErrNotFound, id))
		return
	}

	var req setModeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := p.SetPermissionMode(r.Context(), req.Mode); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Info())
}

func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeDomainError(w, domain.NewSubSystemError("journal", "Statuses", domain.ErrDisabled, "journal is not enabled"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := s.deps.Journal.Recent(r.Context(), r.PathValue("sessionId"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	p, ok := s.deps.Supervisor.GetProcessForSession(sessionID)
	if !ok {
		writeDomainError(w, domain.NewSubSystemError("stream", "Stream", domain.ErrNotFound, sessionID))
		return
	}

	sink, err := newSSESink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	start := time.Now()
	err = s.deps.Relay.Run(r.Context(), p, sink)
	s.logger.Info("sse stream closed", "session_id", sessionID, "process_id", p.ID(),
		"duration", time.Since(start), "error", err)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	p, ok := s.deps.Supervisor.GetProcessForSession(sessionID)
	if !ok {
		writeDomainError(w, domain.NewSubSystemError("stream", "WebSocket", domain.ErrNotFound, sessionID))
		return
	}

	ws, err := websocket.Accept(w, r, acceptOptions(s.cfg.AllowedOrigins))
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	// Viewers only read; CloseRead cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())
	err = s.deps.Relay.Run(ctx, p, &wsSink{ws: ws})

	switch {
	case err == nil:
		ws.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, domain.ErrStreamOverflow):
		ws.Close(websocket.StatusPolicyViolation, "stream overflow")
	default:
		ws.Close(websocket.StatusInternalError, "stream failed")
	}
	s.logger.Info("websocket stream closed", "session_id", sessionID, "process_id", p.ID(), "error", err)
}
