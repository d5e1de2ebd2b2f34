package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codervisor/clawden/internal/agent/adapter"
	"github.com/codervisor/clawden/internal/agent/agentconfig"
	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/agent/clawtest"
	"github.com/codervisor/clawden/internal/agent/lifecycle"
	"github.com/codervisor/clawden/internal/audit"
	"github.com/codervisor/clawden/internal/common/errors"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/metrics"
	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router  *gin.Engine
	manager *lifecycle.Manager
	claw    *clawtest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewNop()

	catalog, err := runtime.Builtin()
	require.NoError(t, err)
	desc, ok := catalog.Get("ironclaw")
	require.True(t, ok)
	reg := adapter.NewRegistry(log)
	reg.Register(adapter.NewRemoteAdapter(desc, adapter.Deps{ReadyTimeout: 2 * time.Second}, log))

	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	mt := metrics.New(nil)
	lm := lifecycle.NewManager(reg, lifecycle.NewMemoryRepository(), auditLog, nil,
		lifecycle.Options{InstancesDir: t.TempDir()}, log)
	lm.SetMetrics(mt)

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), lm, reg, auditLog, mt, log)
	return &testEnv{router: router, manager: lm, claw: clawtest.NewServer(t)}
}

func (env *testEnv) do(t *testing.T, method, path string, body any, actor string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// runningAgent registers, installs and starts an ironclaw agent against the fake claw.
func (env *testEnv) runningAgent(t *testing.T) v1.AgentRecord {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{
		Name:     "support-bot",
		Runtime:  "ironclaw",
		Endpoint: env.claw.URL,
		Config: agentconfig.Config{
			Name:  "support-bot",
			Model: agentconfig.ModelConfig{Provider: "anthropic", Name: "claude", APIKeyRef: "env:CLAWDEN_TEST_API_KEY"},
		},
	}, "alice")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decode[v1.AgentRecord](t, w)

	w = env.do(t, http.MethodPost, "/api/v1/agents/"+rec.ID+"/install", nil, "alice")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, "/api/v1/agents/"+rec.ID+"/start", nil, "alice")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[v1.AgentRecord](t, w)
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	t.Setenv("CLAWDEN_TEST_API_KEY", "sk-test")
	env := newTestEnv(t)

	rec := env.runningAgent(t)
	assert.Equal(t, v1.AgentStateRunning, rec.State)
	assert.Equal(t, v1.ModeRemote, rec.Mode)
	assert.Equal(t, env.claw.URL, rec.Locator.Endpoint)

	w := env.do(t, http.MethodPost, "/api/v1/agents/"+rec.ID+"/send", v1.Message{Content: "hello"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[v1.MessageResponse](t, w)
	assert.Equal(t, "echo: hello", resp.Content)
	assert.Equal(t, rec.ID, resp.AgentID)

	w = env.do(t, http.MethodGet, "/api/v1/agents/"+rec.ID+"/config", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cfg := decode[agentconfig.Config](t, w)
	assert.Equal(t, "support-bot", cfg.Name)
	assert.Equal(t, agentconfig.RedactedValue, cfg.Model.APIKeyRef)
	assert.NotContains(t, w.Body.String(), "sk-test")

	w = env.do(t, http.MethodGet, "/api/v1/agents/"+rec.ID+"/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.InDelta(t, 1.5, decode[v1.AgentMetrics](t, w).CPUPercent, 0.001)

	w = env.do(t, http.MethodGet, "/api/v1/agents/"+rec.ID+"/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/fleet/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	fleet := decode[v1.FleetStatus](t, w)
	assert.Equal(t, 1, fleet.Total)
	assert.Equal(t, 1, fleet.Running)

	w = env.do(t, http.MethodGet, "/api/v1/agents?state=running", nil, "")
	assert.Equal(t, 1, decode[AgentsListResponse](t, w).Total)
	w = env.do(t, http.MethodGet, "/api/v1/agents?state=stopped", nil, "")
	assert.Equal(t, 0, decode[AgentsListResponse](t, w).Total)

	w = env.do(t, http.MethodPost, "/api/v1/agents/"+rec.ID+"/stop", nil, "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, v1.AgentStateStopped, decode[v1.AgentRecord](t, w).State)

	w = env.do(t, http.MethodPost, "/api/v1/agents/"+rec.ID+"/send", v1.Message{Content: "hello"}, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.True(t, decode[errors.AppError](t, w).Retryable)

	w = env.do(t, http.MethodDelete, "/api/v1/agents/"+rec.ID, nil, "alice")
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/agents/"+rec.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.ErrCodeNotFound, decode[errors.AppError](t, w).Code)
}

func TestRequestErrors(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"name": "x"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "runtime is required")

	w = env.do(t, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{Runtime: "nosuchclaw"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{Runtime: "ironclaw", Endpoint: env.claw.URL}, "")
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[v1.AgentRecord](t, w).ID

	w = env.do(t, http.MethodPost, "/api/v1/agents/"+id+"/start", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code, "start before install")

	w = env.do(t, http.MethodPost, "/api/v1/agents/"+id+"/send", v1.Message{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty content")

	w = env.do(t, http.MethodPost, "/api/v1/agents/missing/stop", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/"+id+"/install", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rw := httptest.NewRecorder()
	env.router.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestSendTask(t *testing.T) {
	t.Setenv("CLAWDEN_TEST_API_KEY", "sk-test")
	env := newTestEnv(t)
	rec := env.runningAgent(t)

	w := env.do(t, http.MethodPost, "/api/v1/tasks/send", SendTaskRequest{
		Capabilities: []string{"chat", "sandbox"},
		Message:      v1.Message{Content: "route me"},
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[TaskResponse](t, w)
	assert.Equal(t, rec.ID, res.AgentID)
	assert.Equal(t, "ironclaw", res.Runtime)
	assert.Equal(t, "echo: route me", res.Response.Content)

	w = env.do(t, http.MethodPost, "/api/v1/tasks/send", SendTaskRequest{
		Capabilities: []string{"gpu"},
		Message:      v1.Message{Content: "nobody"},
	}, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuditQuery(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{Runtime: "ironclaw", Endpoint: env.claw.URL}, "alice")
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.do(t, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{Runtime: "ironclaw", Endpoint: env.claw.URL}, "")
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/audit?actor=alice&action=agent.register", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[AuditListResponse](t, w)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, v1.OutcomeSuccess, list.Events[0].Outcome)

	w = env.do(t, http.MethodGet, "/api/v1/audit?action=agent.register&limit=5", nil, "")
	list = decode[AuditListResponse](t, w)
	require.Equal(t, 2, list.Total)
	assert.True(t, strings.HasPrefix(list.Events[1].Actor, "api:"), list.Events[1].Actor)

	w = env.do(t, http.MethodGet, "/api/v1/audit?since=yesterday", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/audit?limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	since := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	w = env.do(t, http.MethodGet, "/api/v1/audit?since="+since, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[AuditListResponse](t, w).Total)
}

func TestRuntimesHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/runtimes", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	rts := decode[RuntimesListResponse](t, w)
	require.Equal(t, 1, rts.Total)
	assert.Equal(t, runtime.Name("ironclaw"), rts.Runtimes[0].Name)

	w = env.do(t, http.MethodGet, "/api/v1/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, w).Status)

	w = env.do(t, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{Runtime: "ironclaw", Endpoint: env.claw.URL}, "")
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `clawden_agents{state="registered"} 1`)
}

func TestStreamEvents(t *testing.T) {
	t.Setenv("CLAWDEN_TEST_API_KEY", "sk-test")
	env := newTestEnv(t)
	rec := env.runningAgent(t)

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/agents/" + rec.ID + "/events?topic=logs"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for i := 0; i < 3; i++ {
		var ev v1.StreamEvent
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, "logs", ev.Topic)
		assert.Equal(t, "tick", ev.Type)
	}
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStreamEventsRefusedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{Runtime: "ironclaw", Endpoint: env.claw.URL}, "")
	id := decode[v1.AgentRecord](t, w).ID

	w = env.do(t, http.MethodGet, "/api/v1/agents/"+id+"/events", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestToAppError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("get a: %w", agenterr.ErrAgentNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: zzz", agenterr.ErrUnknownRuntime), http.StatusBadRequest},
		{fmt.Errorf("%w: bad mode", lifecycle.ErrInvalidRequest), http.StatusBadRequest},
		{agenterr.Transition("stop", v1.AgentStateRegistered), http.StatusConflict},
		{agenterr.ErrNotInstalled, http.StatusConflict},
		{agenterr.ErrPortConflict, http.StatusConflict},
		{agenterr.ErrUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("send: %w", agenterr.ErrCommunication), http.StatusBadGateway},
		{agenterr.ErrLockContention, http.StatusLocked},
		{agenterr.ErrInstallValidationFailed, http.StatusUnprocessableEntity},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, toAppError(tt.err).HTTPStatus)
		})
	}
}
