package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/agent/agentclient"
	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/agent/install"
	"github.com/codervisor/clawden/internal/agent/process"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/common/procutil"
	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// ConfigFileName is written into the work dir before a process instance starts.
const ConfigFileName = "clawden-config.json"

// Installer installs native runtime binaries.
type Installer interface {
	Install(ctx context.Context, spec install.Spec) (*v1.InstallRecord, error)
	Current(rt runtime.Name) (*v1.InstallRecord, error)
}

// ImageStore makes container images available.
type ImageStore interface {
	Ping(ctx context.Context) error
	ImageID(ctx context.Context, ref string) (string, error)
	PullImage(ctx context.Context, ref string) (string, error)
}

// ProcessAdapter drives runtimes that run locally, as a container or a native
// process, and expose an HTTP control port.
type ProcessAdapter struct {
	desc         runtime.Descriptor
	backends     process.Backends
	installer    Installer
	images       ImageStore
	readyTimeout time.Duration
	logger       *logger.Logger
}

// NewProcessAdapter creates the adapter for d.
func NewProcessAdapter(d runtime.Descriptor, deps Deps, log *logger.Logger) *ProcessAdapter {
	return &ProcessAdapter{
		desc:         d,
		backends:     deps.Backends,
		installer:    deps.Installer,
		images:       deps.Images,
		readyTimeout: readyTimeout(deps.ReadyTimeout),
		logger:       log.WithRuntime(string(d.Name)).WithFields(zap.String("adapter", "process")),
	}
}

func (a *ProcessAdapter) Descriptor() runtime.Descriptor { return a.desc }

// Install pulls the image in container mode and installs the binary otherwise.
func (a *ProcessAdapter) Install(ctx context.Context, spec InstallSpec) (*v1.InstallRecord, error) {
	if spec.Mode == v1.ModeContainer {
		return a.installImage(ctx, spec)
	}
	if a.installer == nil {
		return nil, fmt.Errorf("%w: no installer configured", agenterr.ErrResourceUnavailable)
	}
	return a.installer.Install(ctx, install.Spec{
		Runtime:  a.desc.Name,
		Version:  spec.Version,
		Source:   spec.Source,
		Checksum: spec.Checksum,
	})
}

func (a *ProcessAdapter) installImage(ctx context.Context, spec InstallSpec) (*v1.InstallRecord, error) {
	if a.images == nil {
		return nil, fmt.Errorf("%w: container engine unavailable", agenterr.ErrResourceUnavailable)
	}
	ref := imageRef(a.desc.Image, spec.Version)
	if ref == "" {
		return nil, fmt.Errorf("%w: runtime %s has no image", agenterr.ErrNotInstalled, a.desc.Name)
	}
	id, err := a.images.ImageID(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agenterr.ErrResourceUnavailable, err)
	}
	if id == "" || strings.HasSuffix(ref, ":latest") {
		if id, err = a.images.PullImage(ctx, ref); err != nil {
			return nil, fmt.Errorf("%w: pull %s: %v", agenterr.ErrResourceUnavailable, ref, err)
		}
	}
	if spec.Checksum != "" && !strings.EqualFold(strings.TrimPrefix(id, "sha256:"), strings.TrimPrefix(spec.Checksum, "sha256:")) {
		return nil, fmt.Errorf("%w: image id %s does not match %s", agenterr.ErrInstallValidationFailed, id, spec.Checksum)
	}
	return &v1.InstallRecord{
		Runtime:     string(a.desc.Name),
		Version:     spec.Version,
		Path:        ref,
		Checksum:    id,
		InstalledAt: time.Now().UTC(),
	}, nil
}

// Start spawns the instance and waits until its health endpoint answers.
func (a *ProcessAdapter) Start(ctx context.Context, h Handle, cfg StartConfig) (v1.Locator, error) {
	mode := modeOrDefault(h)
	backend, err := a.backends.For(mode)
	if err != nil {
		return v1.Locator{}, err
	}

	spec := process.SpawnSpec{
		InstanceID: h.ID,
		Runtime:    a.desc.Name,
		Args:       cfg.Args,
		Env:        copyEnv(cfg.Env),
		WorkDir:    cfg.WorkDir,
		HealthPath: a.desc.HealthPath,
	}
	switch mode {
	case v1.ModeContainer:
		spec.Image = a.desc.Image
		if h.Install != nil && h.Install.Path != "" {
			spec.Image = h.Install.Path
		}
		spec.Port = a.desc.Port
		spec.HostPort = cfg.Port
	default:
		if spec.Binary, err = a.executable(h); err != nil {
			return v1.Locator{}, err
		}
		spec.Port = cfg.Port
		if spec.Port == 0 && a.desc.Port > 0 {
			if spec.Port, err = procutil.AllocatePort(); err != nil {
				return v1.Locator{}, fmt.Errorf("%w: %v", agenterr.ErrResourceUnavailable, err)
			}
		}
	}

	if len(cfg.Config) > 0 && cfg.WorkDir != "" {
		if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
			return v1.Locator{}, fmt.Errorf("failed to create work dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(cfg.WorkDir, ConfigFileName), cfg.Config, 0o600); err != nil {
			return v1.Locator{}, fmt.Errorf("failed to write runtime config: %w", err)
		}
		if mode == v1.ModeContainer {
			spec.Env["CLAWDEN_CONFIG"] = "/data/" + ConfigFileName
		} else {
			spec.Env["CLAWDEN_CONFIG"] = filepath.Join(cfg.WorkDir, ConfigFileName)
		}
	}

	proc, err := backend.Spawn(ctx, spec)
	if err != nil {
		return v1.Locator{}, err
	}
	loc := proc.Locator()

	if loc.HealthURL != "" {
		client := agentclient.New(loc.Endpoint, loc.HealthURL, a.logger)
		if err := client.WaitForReady(ctx, a.readyTimeout); err != nil {
			a.logger.Warn("instance never became ready, stopping it", zap.String("agent_id", h.ID), zap.Error(err))
			_ = backend.Stop(context.WithoutCancel(ctx), *proc)
			return v1.Locator{}, err
		}
	}
	return loc, nil
}

func (a *ProcessAdapter) executable(h Handle) (string, error) {
	if h.Install != nil && h.Install.Executable != "" {
		return h.Install.Executable, nil
	}
	if a.installer == nil {
		return "", fmt.Errorf("%w: %s", agenterr.ErrNotInstalled, a.desc.Name)
	}
	rec, err := a.installer.Current(a.desc.Name)
	if err != nil {
		return "", err
	}
	return rec.Executable, nil
}

// Stop is idempotent; the backends treat a missing process as stopped.
func (a *ProcessAdapter) Stop(ctx context.Context, h Handle) error {
	backend, err := a.backends.For(modeOrDefault(h))
	if err != nil {
		return err
	}
	return backend.Stop(ctx, a.proc(h))
}

func (a *ProcessAdapter) Restart(ctx context.Context, h Handle, cfg StartConfig) (v1.Locator, error) {
	if err := a.Stop(ctx, h); err != nil {
		return v1.Locator{}, err
	}
	return a.Start(ctx, h, cfg)
}

// Health reports unhealthy without a network call when the process is gone.
func (a *ProcessAdapter) Health(ctx context.Context, h Handle) (v1.HealthStatus, error) {
	backend, err := a.backends.For(modeOrDefault(h))
	if err != nil {
		return v1.HealthUnknown, err
	}
	alive, err := backend.Alive(ctx, a.proc(h))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return v1.HealthUnknown, fmt.Errorf("%w: %v", agenterr.ErrHealthCheckTimeout, err)
		}
		return v1.HealthUnknown, fmt.Errorf("%w: %v", agenterr.ErrCommunication, err)
	}
	if !alive {
		return v1.HealthUnhealthy, nil
	}
	if h.Locator.HealthURL == "" {
		return v1.HealthHealthy, nil
	}
	return a.client(h).Health(ctx)
}

// Metrics merges backend resource figures with the instance's own report.
func (a *ProcessAdapter) Metrics(ctx context.Context, h Handle) (*v1.AgentMetrics, error) {
	backend, err := a.backends.For(modeOrDefault(h))
	if err != nil {
		return nil, err
	}
	out, statsErr := backend.Stats(ctx, a.proc(h))
	if out == nil {
		out = &v1.AgentMetrics{}
	}
	if h.Locator.Endpoint != "" {
		if m, err := a.client(h).Metrics(ctx); err == nil {
			out.QueueDepth = m.QueueDepth
			if statsErr != nil {
				out.CPUPercent, out.MemoryMB = m.CPUPercent, m.MemoryMB
				statsErr = nil
			}
		}
	}
	if statsErr != nil {
		return nil, statsErr
	}
	return out, nil
}

func (a *ProcessAdapter) Send(ctx context.Context, h Handle, msg v1.Message) (*v1.MessageResponse, error) {
	if err := requireEndpoint(h); err != nil {
		return nil, err
	}
	return a.client(h).Send(ctx, msg)
}

func (a *ProcessAdapter) Subscribe(ctx context.Context, h Handle, topic string) (<-chan v1.StreamEvent, error) {
	if err := requireEndpoint(h); err != nil {
		return nil, err
	}
	return a.client(h).Subscribe(ctx, topic)
}

func (a *ProcessAdapter) GetConfig(ctx context.Context, h Handle) ([]byte, error) {
	if err := requireEndpoint(h); err != nil {
		return nil, err
	}
	return a.client(h).GetConfig(ctx)
}

func (a *ProcessAdapter) SetConfig(ctx context.Context, h Handle, native []byte) error {
	if err := requireEndpoint(h); err != nil {
		return err
	}
	return a.client(h).SetConfig(ctx, native)
}

func (a *ProcessAdapter) proc(h Handle) process.Process {
	return process.FromLocator(h.ID, a.desc.Name, modeOrDefault(h), h.Locator)
}

func (a *ProcessAdapter) client(h Handle) *agentclient.Client {
	return agentclient.New(h.Locator.Endpoint, h.Locator.HealthURL, a.logger)
}

func requireEndpoint(h Handle) error {
	if h.Locator.Endpoint == "" {
		return fmt.Errorf("%w: instance %s has no control endpoint", agenterr.ErrCommunication, h.ID)
	}
	return nil
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env)+1)
	for k, v := range env {
		out[k] = v
	}
	return out
}

// imageRef pins image to version unless version is empty or latest.
func imageRef(image, version string) string {
	if image == "" {
		return ""
	}
	if version == "" || version == install.Latest {
		return image
	}
	base := image
	if i := strings.LastIndex(image, ":"); i > strings.LastIndex(image, "/") {
		base = image[:i]
	}
	return base + ":" + strings.TrimPrefix(version, "v")
}
