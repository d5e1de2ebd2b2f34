package v1

import "time"

// AgentState is the lifecycle state of a managed agent instance.
type AgentState string

const (
	AgentStateRegistered AgentState = "registered"
	AgentStateInstalled  AgentState = "installed"
	AgentStateRunning    AgentState = "running"
	AgentStateDegraded   AgentState = "degraded" // Failing health checks, recovery in progress
	AgentStateStopped    AgentState = "stopped"
)

// HealthStatus is the result of the most recent health evaluation.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// ExecutionMode selects how an instance is hosted.
type ExecutionMode string

const (
	ModeContainer ExecutionMode = "container"
	ModeNative    ExecutionMode = "native"
	ModeRemote    ExecutionMode = "remote"
	ModeAuto      ExecutionMode = "auto" // Input only, resolved at registration
)

// Health is the health table entry for an instance.
type Health struct {
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastCheck           *time.Time   `json:"last_check,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
}

// Locator identifies where a running instance lives.
type Locator struct {
	ContainerID string `json:"container_id,omitempty"`
	PID         int    `json:"pid,omitempty"`
	LogPath     string `json:"log_path,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	HealthURL   string `json:"health_url,omitempty"`
}

// InstallRecord describes an installed runtime version.
type InstallRecord struct {
	Runtime     string    `json:"runtime"`
	Version     string    `json:"version"`
	Path        string    `json:"path"`
	Executable  string    `json:"executable,omitempty"`
	Checksum    string    `json:"checksum"`
	InstalledAt time.Time `json:"installed_at"`
}

// AgentRecord is the externally visible view of a managed instance.
type AgentRecord struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Runtime          string         `json:"runtime"`
	Mode             ExecutionMode  `json:"mode"`
	Capabilities     []string       `json:"capabilities,omitempty"`
	State            AgentState     `json:"state"`
	Health           Health         `json:"health"`
	Locator          Locator        `json:"locator"`
	Install          *InstallRecord `json:"install,omitempty"`
	TaskCount        int64          `json:"task_count"`
	RecoveryAttempts int            `json:"recovery_attempts"`
	NextRecoveryAt   *time.Time     `json:"next_recovery_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// FleetStatus summarizes instance counts by state.
type FleetStatus struct {
	Total    int                `json:"total"`
	ByState  map[AgentState]int `json:"by_state"`
	Running  int                `json:"running"`
	Degraded int                `json:"degraded"`
}

// Outcome of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AuditEvent is one immutable audit log record.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
}

// Message is a payload passed through to a runtime instance.
type Message struct {
	ID      string            `json:"id,omitempty"`
	Channel string            `json:"channel,omitempty"`
	Content string            `json:"content"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// MessageResponse is the runtime's reply to a Message.
type MessageResponse struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
	AgentID string `json:"agent_id,omitempty"`
}

// StreamEvent is one event emitted by a runtime subscription.
type StreamEvent struct {
	Topic     string         `json:"topic"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AgentMetrics are point-in-time resource figures for an instance.
type AgentMetrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	QueueDepth int     `json:"queue_depth"`
}
