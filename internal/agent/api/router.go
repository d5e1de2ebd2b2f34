package api

import (
	"github.com/gin-gonic/gin"

	"github.com/codervisor/clawden/internal/agent/adapter"
	"github.com/codervisor/clawden/internal/agent/lifecycle"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/metrics"
)

// SetupRoutes configures the control plane API routes.
// router should be the /api/v1 group
func SetupRoutes(
	router *gin.RouterGroup,
	lm *lifecycle.Manager,
	reg *adapter.Registry,
	auditLog AuditQuerier,
	mt *metrics.Metrics,
	log *logger.Logger,
) *Handler {
	handler := NewHandler(lm, reg, auditLog, mt, log)
	router.Use(Actor())

	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", handler.Metrics)
	router.GET("/fleet/status", handler.FleetStatus)
	router.POST("/tasks/send", handler.SendTask)
	router.GET("/runtimes", handler.ListRuntimes)
	router.GET("/audit", handler.ListAudit)

	agents := router.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.POST("", handler.RegisterAgent)

		agents.GET("/:id", handler.GetAgent)
		agents.DELETE("/:id", handler.DecommissionAgent)

		// Lifecycle
		agents.POST("/:id/install", handler.InstallAgent)
		agents.POST("/:id/start", handler.StartAgent)
		agents.POST("/:id/stop", handler.StopAgent)
		agents.POST("/:id/restart", handler.RestartAgent)

		// Pass-through to the running instance
		agents.POST("/:id/send", handler.SendMessage)
		agents.GET("/:id/config", handler.GetConfig)
		agents.PUT("/:id/config", handler.SetConfig)
		agents.GET("/:id/health", handler.GetHealth)
		agents.GET("/:id/metrics", handler.GetMetrics)
		agents.GET("/:id/events", handler.StreamEvents)
	}
	return handler
}
