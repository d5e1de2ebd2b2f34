// Package api provides the HTTP handlers of the clawden control plane.
package api

import (
	"time"

	"github.com/codervisor/clawden/internal/agent/agentconfig"
	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// RegisterAgentRequest registers a new instance.
type RegisterAgentRequest struct {
	Name         string             `json:"name"`
	Runtime      string             `json:"runtime" binding:"required"`
	Mode         v1.ExecutionMode   `json:"mode,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty"`
	Endpoint     string             `json:"endpoint,omitempty"`
	Port         int                `json:"port,omitempty"`
	Args         []string           `json:"args,omitempty"`
	Env          map[string]string  `json:"env,omitempty"`
	Secrets      map[string]string  `json:"secrets,omitempty"` // env var -> vault reference
	Config       agentconfig.Config `json:"config"`
}

// InstallAgentRequest pins what to install. Every field is optional.
type InstallAgentRequest struct {
	Version  string `json:"version,omitempty"`
	Source   string `json:"source,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// SendTaskRequest routes a message to the best matching instance.
type SendTaskRequest struct {
	Capabilities []string   `json:"capabilities,omitempty"`
	Target       string     `json:"target,omitempty"`
	Message      v1.Message `json:"message"`
}

// TaskResponse reports which instance served a task.
type TaskResponse struct {
	AgentID   string              `json:"agent_id"`
	AgentName string              `json:"agent_name"`
	Runtime   string              `json:"runtime"`
	Response  *v1.MessageResponse `json:"response"`
}

// AgentsListResponse for listing agents
type AgentsListResponse struct {
	Agents []v1.AgentRecord `json:"agents"`
	Total  int              `json:"total"`
}

// RuntimesListResponse for listing the enabled runtimes
type RuntimesListResponse struct {
	Runtimes []runtime.Descriptor `json:"runtimes"`
	Total    int                  `json:"total"`
}

// AuditListResponse for audit queries
type AuditListResponse struct {
	Events []v1.AuditEvent `json:"events"`
	Total  int             `json:"total"`
}

// HealthResponse for the control plane's own health check
type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Fleet     v1.FleetStatus `json:"fleet"`
}
