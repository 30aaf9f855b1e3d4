package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentrelay/internal/domain"
	"agentrelay/internal/usecase/ownership"
	"agentrelay/internal/usecase/process"
)

type staticExternal []ownership.ExternalSessionInfo

func (s staticExternal) ExternalSessions() []ownership.ExternalSessionInfo { return s }

type memJournal struct {
	mu     sync.Mutex
	events []domain.SessionStatusEvent
}

func (j *memJournal) Recent(_ context.Context, sessionID string, limit int) ([]domain.SessionStatusEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.SessionStatusEvent
	for _, ev := range j.events {
		if ev.SessionID == sessionID && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

type testEnv struct {
	srv        *httptest.Server
	supervisor *process.Supervisor
	engine     *scriptEngine
}

func newTestEnv(t *testing.T, auth Authenticator) *testEnv {
	t.Helper()
	eng := &scriptEngine{}
	sup := process.NewSupervisor(process.SupervisorConfig{IdleTimeout: time.Hour}, eng, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(ServerConfig{}, Deps{
		Supervisor: sup,
		External: staticExternal{{
			SessionID: "ext-1",
			ProjectID: "p",
		}},
		Journal: &memJournal{events: []domain.SessionStatusEvent{
			{SessionID: "abc", Status: domain.Owned("proc")},
			{SessionID: "abc", Status: domain.Idle()},
		}},
		Relay:  NewStreamRelay(RelayConfig{}, nil, discardLogger()),
		Auth:   auth,
		Logger: discardLogger(),
	})
	srv := httptest.NewServer(s.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		stopCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		sup.Stop(stopCtx)
	})
	return &testEnv{srv: srv, supervisor: sup, engine: eng}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServerHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestServerStartAndListSessions(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, "POST", "/sessions", `{"projectPath":"/work/app","message":"hi"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	info := decode[domain.ProcessInfo](t, resp)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "/work/app", info.ProjectPath)

	resp = env.do(t, "GET", "/processes", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]domain.ProcessInfo](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, info.ID, list[0].ID)
}

func TestServerStartSessionValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, "POST", "/sessions", `{"projectPath":"/work/app"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, "POST", "/sessions", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, "POST", "/sessions", `{"projectPath":"relative","message":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[errorResponse](t, resp)
	assert.Equal(t, domain.CodeProjectIDInvalid, body.Code)
}

func TestServerResumeAndQueue(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, "POST", "/sessions/abc/resume", `{"projectPath":"/work/app","message":"one"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[domain.ProcessInfo](t, resp)
	assert.Equal(t, "abc", first.SessionID)

	resp = env.do(t, "POST", "/sessions/abc/resume", `{"projectPath":"/work/app","message":"two"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[domain.ProcessInfo](t, resp)
	assert.Equal(t, first.ID, second.ID)

	resp = env.do(t, "POST", "/sessions/abc/messages", `{"message":"three"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, "POST", "/sessions/nope/messages", `{"message":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerAbortAndMode(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, "POST", "/sessions/abc/resume", `{"projectPath":"/work/app","message":"one"}`)
	info := decode[domain.ProcessInfo](t, resp)

	resp = env.do(t, "PUT", "/processes/"+info.ID+"/mode", `{"mode":"plan"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[domain.ProcessInfo](t, resp)
	assert.Equal(t, domain.PermissionPlan, updated.PermissionMode)
	assert.Equal(t, int64(1), updated.ModeVersion)

	resp = env.do(t, "PUT", "/processes/"+info.ID+"/mode", `{"mode":"yolo"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, "DELETE", "/processes/"+info.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, "DELETE", "/processes/"+info.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[errorResponse](t, resp)
	assert.Equal(t, domain.CodeProcessNotFound, body.Code)
}

func TestServerExternalAndStatuses(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, "GET", "/sessions/external", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ext := decode[[]ownership.ExternalSessionInfo](t, resp)
	require.Len(t, ext, 1)
	assert.Equal(t, "ext-1", ext[0].SessionID)

	resp = env.do(t, "GET", "/sessions/abc/statuses?limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	statuses := decode[[]domain.SessionStatusEvent](t, resp)
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.StatusOwned, statuses[0].Status.Kind)

	resp = env.do(t, "GET", "/sessions/abc/statuses?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerAuth(t *testing.T) {
	env := newTestEnv(t, NewStaticTokenAuth([]TokenEntry{{Token: "secret", Name: "viewer"}}))

	resp := env.do(t, "GET", "/processes", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest("GET", env.srv.URL+"/processes", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	resp = env.do(t, "GET", "/processes?token=secret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open.
	resp = env.do(t, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerStreamUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, "GET", "/sessions/missing/stream", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[errorResponse](t, resp)
	assert.Equal(t, domain.CodeSessionNotOwned, body.Code)
}

func TestServerSSEStream(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, "POST", "/sessions/abc/resume", `{"projectPath":"/work/app","message":"one"}`)
	info := decode[domain.ProcessInfo](t, resp)

	stream := env.do(t, "GET", "/sessions/abc/stream", "")
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(stream.Body)
		for sc.Scan() {
			if ev, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- ev
			}
		}
	}()

	next := func() string {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no sse event")
			return ""
		}
	}

	assert.Equal(t, "connected", next())
	env.engine.last().events <- rawMessage(t, `{"type":"assistant"}`)
	assert.Equal(t, "message", next())

	require.True(t, env.supervisor.AbortProcess(info.ID))
	assert.Equal(t, "complete", next())
}

func TestServerWebSocketStream(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "POST", "/sessions/abc/resume", `{"projectPath":"/work/app","message":"one"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/sessions/abc/ws"
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	var f Frame
	require.NoError(t, wsjson.Read(ctx, ws, &f))
	assert.Equal(t, domain.StreamConnected, f.Event)
	assert.Equal(t, uint64(1), f.ID)

	env.engine.last().events <- rawMessage(t, `{"type":"assistant","x":1}`)
	require.NoError(t, wsjson.Read(ctx, ws, &f))
	assert.Equal(t, domain.StreamMessage, f.Event)
	assert.Equal(t, uint64(2), f.ID)
	assert.JSONEq(t, `{"type":"assistant","x":1}`, string(f.Data))
}
