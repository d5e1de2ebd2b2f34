// Package adapter puts every claw runtime behind one contract so the
// lifecycle engine never branches on runtime or transport.
package adapter

import (
	"context"

	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// Handle identifies one managed instance. Adapters receive a copy and report
// location changes by returning a new Locator.
type Handle struct {
	ID         string
	Descriptor runtime.Descriptor
	Mode       v1.ExecutionMode
	Locator    v1.Locator
	Install    *v1.InstallRecord
}

// StartConfig carries everything an instance needs at start.
type StartConfig struct {
	// Config is the runtime-native configuration document.
	Config []byte
	// Env holds resolved secrets and extra variables, in plaintext.
	Env     map[string]string
	Args    []string
	WorkDir string
	// Port requests a specific control port; 0 lets the backend choose.
	Port int
}

// InstallSpec requests an install of the adapter's runtime.
type InstallSpec struct {
	Mode     v1.ExecutionMode
	Version  string
	Source   string
	Checksum string
}

// Adapter is the contract every runtime variant implements.
type Adapter interface {
	Descriptor() runtime.Descriptor

	// Install is idempotent. Reinstalling the same version and checksum succeeds without work.
	Install(ctx context.Context, spec InstallSpec) (*v1.InstallRecord, error)
	Start(ctx context.Context, h Handle, cfg StartConfig) (v1.Locator, error)
	// Stop succeeds on an instance that is already stopped.
	Stop(ctx context.Context, h Handle) error
	Restart(ctx context.Context, h Handle, cfg StartConfig) (v1.Locator, error)

	// Health is bounded by ctx. A timeout yields HealthUnknown and ErrHealthCheckTimeout.
	Health(ctx context.Context, h Handle) (v1.HealthStatus, error)
	Metrics(ctx context.Context, h Handle) (*v1.AgentMetrics, error)

	Send(ctx context.Context, h Handle, msg v1.Message) (*v1.MessageResponse, error)
	Subscribe(ctx context.Context, h Handle, topic string) (<-chan v1.StreamEvent, error)

	GetConfig(ctx context.Context, h Handle) ([]byte, error)
	SetConfig(ctx context.Context, h Handle, native []byte) error
}
