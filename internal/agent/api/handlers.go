package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/agent/adapter"
	"github.com/codervisor/clawden/internal/agent/agentconfig"
	"github.com/codervisor/clawden/internal/agent/lifecycle"
	"github.com/codervisor/clawden/internal/audit"
	"github.com/codervisor/clawden/internal/common/errors"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/metrics"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// ActorHeader names the operator on whose behalf a request acts.
const ActorHeader = "X-Clawden-Actor"

// AuditQuerier reads the audit log.
type AuditQuerier interface {
	Query(f audit.Filter) ([]v1.AuditEvent, error)
}

// Handler contains the HTTP handlers of the control plane API
type Handler struct {
	lifecycle *lifecycle.Manager
	registry  *adapter.Registry
	audit     AuditQuerier
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
	logger    *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	lm *lifecycle.Manager,
	reg *adapter.Registry,
	auditLog AuditQuerier,
	mt *metrics.Metrics,
	log *logger.Logger,
) *Handler {
	return &Handler{
		lifecycle: lm,
		registry:  reg,
		audit:     auditLog,
		metrics:   mt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "agent-api")),
	}
}

// Actor tags the request context with the calling operator.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := c.GetHeader(ActorHeader)
		if actor == "" {
			actor = "api:" + c.ClientIP()
		}
		c.Request = c.Request.WithContext(audit.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	appErr := toAppError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", zap.String("agent_id", c.Param("id")), zap.Error(err))
	} else {
		h.logger.Debug(op+" rejected", zap.String("agent_id", c.Param("id")), zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// HealthCheck returns the control plane's health
// GET /api/v1/health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Fleet:     h.lifecycle.FleetStatus(),
	})
}

// Metrics serves the Prometheus exposition
// GET /api/v1/metrics
func (h *Handler) Metrics(c *gin.Context) {
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// ListAgents returns every registered agent, optionally filtered by state
// GET /api/v1/agents?state=
func (h *Handler) ListAgents(c *gin.Context) {
	state := v1.AgentState(c.Query("state"))
	all := h.lifecycle.ListAgents()
	agents := make([]v1.AgentRecord, 0, len(all))
	for _, rec := range all {
		if state == "" || rec.State == state {
			agents = append(agents, rec)
		}
	}
	c.JSON(http.StatusOK, AgentsListResponse{Agents: agents, Total: len(agents)})
}

// RegisterAgent registers a new agent
// POST /api/v1/agents
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	rec, err := h.lifecycle.Register(c.Request.Context(), lifecycle.RegisterRequest{
		Name:         req.Name,
		Runtime:      req.Runtime,
		Mode:         req.Mode,
		Capabilities: req.Capabilities,
		Endpoint:     req.Endpoint,
		Port:         req.Port,
		Args:         req.Args,
		Env:          req.Env,
		Secrets:      req.Secrets,
		Config:       req.Config,
	})
	if err != nil {
		h.fail(c, "register", err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// GetAgent returns one agent record
// GET /api/v1/agents/:id
func (h *Handler) GetAgent(c *gin.Context) {
	rec, err := h.lifecycle.Get(c.Param("id"))
	if err != nil {
		h.fail(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DecommissionAgent stops and removes an agent
// DELETE /api/v1/agents/:id
func (h *Handler) DecommissionAgent(c *gin.Context) {
	rec, err := h.lifecycle.Decommission(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "decommission", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// InstallAgent installs the agent's runtime
// POST /api/v1/agents/:id/install
func (h *Handler) InstallAgent(c *gin.Context) {
	var req InstallAgentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			appErr := errors.BadRequest("invalid request body: " + err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}
	rec, err := h.lifecycle.Install(c.Request.Context(), c.Param("id"), lifecycle.InstallRequest{
		Version:  req.Version,
		Source:   req.Source,
		Checksum: req.Checksum,
	})
	if err != nil {
		h.fail(c, "install", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// StartAgent, StopAgent and RestartAgent drive the lifecycle
// POST /api/v1/agents/:id/{start,stop,restart}
func (h *Handler) StartAgent(c *gin.Context) { h.transition(c, "start", h.lifecycle.Start) }
func (h *Handler) StopAgent(c *gin.Context) { h.transition(c, "stop", h.lifecycle.Stop) }
func (h *Handler) RestartAgent(c *gin.Context) { h.transition(c, "restart", h.lifecycle.Restart) }

func (h *Handler) transition(c *gin.Context, op string, fn func(context.Context, string) (v1.AgentRecord, error)) {
	rec, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// SendMessage passes a message through to one agent
// POST /api/v1/agents/:id/send
func (h *Handler) SendMessage(c *gin.Context) {
	var msg v1.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if msg.Content == "" {
		appErr := errors.ValidationError("content", "must not be empty")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	resp, err := h.lifecycle.Send(c.Request.Context(), c.Param("id"), msg)
	if err != nil {
		h.fail(c, "send", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetConfig returns the agent's canonical config with secrets redacted
// GET /api/v1/agents/:id/config
func (h *Handler) GetConfig(c *gin.Context) {
	cfg, err := h.lifecycle.GetConfig(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get config", err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// SetConfig replaces the agent's canonical config
// PUT /api/v1/agents/:id/config
func (h *Handler) SetConfig(c *gin.Context) {
	var cfg agentconfig.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	rec, err := h.lifecycle.SetConfig(c.Request.Context(), c.Param("id"), cfg)
	if err != nil {
		h.fail(c, "set config", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetHealth returns the latest health table entry
// GET /api/v1/agents/:id/health
func (h *Handler) GetHealth(c *gin.Context) {
	health, err := h.lifecycle.GetHealth(c.Param("id"))
	if err != nil {
		h.fail(c, "get health", err)
		return
	}
	c.JSON(http.StatusOK, health)
}

// GetMetrics returns live resource figures
// GET /api/v1/agents/:id/metrics
func (h *Handler) GetMetrics(c *gin.Context) {
	m, err := h.lifecycle.Metrics(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "metrics", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// FleetStatus summarizes the fleet
// GET /api/v1/fleet/status
func (h *Handler) FleetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.lifecycle.FleetStatus())
}

// SendTask routes a message by capability
// POST /api/v1/tasks/send
func (h *Handler) SendTask(c *gin.Context) {
	var req SendTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	res, err := h.lifecycle.SendTask(c.Request.Context(), lifecycle.TaskRequest{
		Capabilities: req.Capabilities,
		Message:      req.Message,
		Target:       req.Target,
	})
	if err != nil {
		h.fail(c, "send task", err)
		return
	}
	c.JSON(http.StatusOK, TaskResponse{
		AgentID:   res.Agent.ID,
		AgentName: res.Agent.Name,
		Runtime:   res.Agent.Runtime,
		Response:  res.Response,
	})
}

// ListRuntimes returns the enabled runtime descriptors
// GET /api/v1/runtimes
func (h *Handler) ListRuntimes(c *gin.Context) {
	descs := h.registry.Descriptors()
	c.JSON(http.StatusOK, RuntimesListResponse{Runtimes: descs, Total: len(descs)})
}

// ListAudit queries the audit log
// GET /api/v1/audit?actor=&action=&target=&outcome=&since=&until=&limit=
func (h *Handler) ListAudit(c *gin.Context) {
	filter := audit.Filter{
		Actor:   c.Query("actor"),
		Action:  c.Query("action"),
		Target:  c.Query("target"),
		Outcome: v1.Outcome(c.Query("outcome")),
	}
	for _, q := range []struct {
		name string
		dst  *time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		raw := c.Query(q.name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			appErr := errors.ValidationError(q.name, "must be an RFC 3339 timestamp")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		*q.dst = ts
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			appErr := errors.ValidationError("limit", "must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		filter.Limit = n
	}

	evs, err := h.audit.Query(filter)
	if err != nil {
		h.fail(c, "audit query", err)
		return
	}
	if evs == nil {
		evs = []v1.AuditEvent{}
	}
	c.JSON(http.StatusOK, AuditListResponse{Events: evs, Total: len(evs)})
}
