// Package process runs claw instances as Docker containers or native OS
// processes behind one Manager interface. The backend is chosen by the
// instance's ExecutionMode.
package process

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// Labels applied to every managed container.
const (
	LabelInstance = "clawden.instance"
	LabelRuntime  = "clawden.runtime"
)

// SpawnSpec describes an instance to launch.
type SpawnSpec struct {
	InstanceID string
	Runtime    runtime.Name
	// Binary is the absolute path of the native executable. No PATH lookup is done.
	Binary string
	Args   []string
	// Image is the container image reference.
	Image   string
	Env     map[string]string
	WorkDir string
	// Port is the control port the instance listens on, 0 for none.
	Port int
	// HostPort pins the published host port in container mode; 0 picks one.
	HostPort   int
	HealthPath string
}

// Process locates a launched instance.
type Process struct {
	InstanceID  string           `json:"instance_id"`
	Runtime     runtime.Name     `json:"runtime"`
	Mode        v1.ExecutionMode `json:"mode"`
	PID         int              `json:"pid,omitempty"`
	Executable  string           `json:"executable,omitempty"`
	StartTicks  uint64           `json:"start_ticks,omitempty"`
	ContainerID string           `json:"container_id,omitempty"`
	LogPath     string           `json:"log_path,omitempty"`
	Endpoint    string           `json:"endpoint,omitempty"`
	HealthURL   string           `json:"health_url,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
}

// Locator renders p for the agent record.
func (p Process) Locator() v1.Locator {
	return v1.Locator{
		ContainerID: p.ContainerID,
		PID:         p.PID,
		LogPath:     p.LogPath,
		Endpoint:    p.Endpoint,
		HealthURL:   p.HealthURL,
	}
}

// FromLocator rebuilds the Process view of a recorded instance.
func FromLocator(instanceID string, rt runtime.Name, mode v1.ExecutionMode, loc v1.Locator) Process {
	return Process{
		InstanceID:  instanceID,
		Runtime:     rt,
		Mode:        mode,
		PID:         loc.PID,
		ContainerID: loc.ContainerID,
		LogPath:     loc.LogPath,
		Endpoint:    loc.Endpoint,
		HealthURL:   loc.HealthURL,
	}
}

// Manager launches and supervises instances for one execution mode.
type Manager interface {
	Mode() v1.ExecutionMode
	Spawn(ctx context.Context, spec SpawnSpec) (*Process, error)
	// Stop is idempotent: stopping an instance that is already gone succeeds.
	Stop(ctx context.Context, p Process) error
	Alive(ctx context.Context, p Process) (bool, error)
	Logs(ctx context.Context, p Process, lines int) ([]string, error)
	Stats(ctx context.Context, p Process) (*v1.AgentMetrics, error)
}

// Backends selects a Manager by execution mode.
type Backends map[v1.ExecutionMode]Manager

// For returns the backend for mode.
func (b Backends) For(mode v1.ExecutionMode) (Manager, error) {
	m, ok := b[mode]
	if !ok || m == nil {
		return nil, fmt.Errorf("%w: no process backend for %s mode", agenterr.ErrResourceUnavailable, mode)
	}
	return m, nil
}

// HealthURL returns the health endpoint for an instance. CLAWDEN_HEALTH_URL_<RT>
// and CLAWDEN_HEALTH_PORT_<RT> override the computed address.
func HealthURL(rt runtime.Name, port int, healthPath string) string {
	key := rt.EnvKey()
	if u := strings.TrimSpace(os.Getenv("CLAWDEN_HEALTH_URL_" + key)); u != "" {
		return u
	}
	if p := strings.TrimSpace(os.Getenv("CLAWDEN_HEALTH_PORT_" + key)); p != "" {
		return "http://127.0.0.1:" + p + "/health"
	}
	if port <= 0 || healthPath == "" {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath)
}

func endpointFor(port int) string {
	if port <= 0 {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}
