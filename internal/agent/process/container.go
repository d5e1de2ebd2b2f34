package process

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/agent/docker"
	"github.com/codervisor/clawden/internal/common/logger"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

const containerDataDir = "/data"

// ContainerEngine is the subset of the Docker client the container backend uses.
type ContainerEngine interface {
	ImageID(ctx context.Context, ref string) (string, error)
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	GetContainerInfo(ctx context.Context, id string) (*docker.ContainerInfo, error)
	Logs(ctx context.Context, id string, tail int) ([]string, error)
	Stats(ctx context.Context, id string) (*docker.Stats, error)
}

// ContainerManager runs instances as Docker containers.
type ContainerManager struct {
	engine      ContainerEngine
	network     string
	gracePeriod time.Duration
	isNotFound  func(error) bool
	logger      *logger.Logger
}

// NewContainerManager creates the container backend over engine.
func NewContainerManager(engine ContainerEngine, network string, gracePeriod time.Duration, log *logger.Logger) *ContainerManager {
	if gracePeriod <= 0 {
		gracePeriod = 2 * time.Second
	}
	return &ContainerManager{
		engine:      engine,
		network:     network,
		gracePeriod: gracePeriod,
		isNotFound:  docker.IsNotFound,
		logger:      log.WithFields(zap.String("component", "container-process")),
	}
}

func (m *ContainerManager) Mode() v1.ExecutionMode { return v1.ModeContainer }

// ContainerName is the deterministic container name for an instance.
func ContainerName(runtime, instanceID string) string {
	id := instanceID
	if len(id) > 12 {
		id = id[:12]
	}
	return fmt.Sprintf("clawden-%s-%s", runtime, id)
}

// Spawn creates and starts a container for spec. The image must already be present.
func (m *ContainerManager) Spawn(ctx context.Context, spec SpawnSpec) (*Process, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("%w: no image configured for %s", agenterr.ErrNotInstalled, spec.Runtime)
	}
	imageID, err := m.engine.ImageID(ctx, spec.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: image inspect: %v", agenterr.ErrResourceUnavailable, err)
	}
	if imageID == "" {
		return nil, fmt.Errorf("%w: image %s not present", agenterr.ErrNotInstalled, spec.Image)
	}

	cfg := docker.ContainerConfig{
		Name:        ContainerName(string(spec.Runtime), spec.InstanceID),
		Image:       spec.Image,
		Cmd:         spec.Args,
		Env:         containerEnv(spec),
		NetworkMode: m.network,
		Labels: map[string]string{
			LabelInstance: spec.InstanceID,
			LabelRuntime:  string(spec.Runtime),
		},
	}
	if spec.WorkDir != "" {
		cfg.Mounts = []docker.MountConfig{{Source: spec.WorkDir, Target: containerDataDir}}
		cfg.WorkingDir = containerDataDir
	}
	if spec.Port > 0 {
		cfg.Ports = []docker.PortBinding{{ContainerPort: spec.Port, HostIP: "127.0.0.1", HostPort: spec.HostPort}}
	}

	id, err := m.engine.CreateContainer(ctx, cfg)
	if err != nil {
		return nil, classifyDockerError("create container", err)
	}
	if err := m.engine.StartContainer(ctx, id); err != nil {
		_ = m.engine.RemoveContainer(context.WithoutCancel(ctx), id, true)
		return nil, classifyDockerError("start container", err)
	}

	info, err := m.engine.GetContainerInfo(ctx, id)
	if err != nil {
		return nil, classifyDockerError("inspect container", err)
	}
	hostPort := 0
	if spec.Port > 0 {
		hostPort = info.HostPorts[spec.Port]
	}

	m.logger.Info("container started",
		zap.String("instance_id", spec.InstanceID),
		zap.String("runtime", string(spec.Runtime)),
		zap.String("container_id", id),
		zap.Int("host_port", hostPort))

	return &Process{
		InstanceID:  spec.InstanceID,
		Runtime:     spec.Runtime,
		Mode:        v1.ModeContainer,
		ContainerID: id,
		Endpoint:    endpointFor(hostPort),
		HealthURL:   HealthURL(spec.Runtime, hostPort, spec.HealthPath),
		StartedAt:   time.Now().UTC(),
	}, nil
}

// Stop stops and removes the container. A missing container counts as stopped.
func (m *ContainerManager) Stop(ctx context.Context, p Process) error {
	if p.ContainerID == "" {
		return nil
	}
	if err := m.engine.StopContainer(ctx, p.ContainerID, m.gracePeriod); err != nil && !m.isNotFound(err) {
		return classifyDockerError("stop container", err)
	}
	if err := m.engine.RemoveContainer(ctx, p.ContainerID, true); err != nil && !m.isNotFound(err) {
		return classifyDockerError("remove container", err)
	}
	m.logger.Info("container stopped", zap.String("instance_id", p.InstanceID), zap.String("container_id", p.ContainerID))
	return nil
}

func (m *ContainerManager) Alive(ctx context.Context, p Process) (bool, error) {
	if p.ContainerID == "" {
		return false, nil
	}
	info, err := m.engine.GetContainerInfo(ctx, p.ContainerID)
	if err != nil {
		if m.isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.Running, nil
}

func (m *ContainerManager) Logs(ctx context.Context, p Process, lines int) ([]string, error) {
	if p.ContainerID == "" {
		return nil, nil
	}
	return m.engine.Logs(ctx, p.ContainerID, lines)
}

func (m *ContainerManager) Stats(ctx context.Context, p Process) (*v1.AgentMetrics, error) {
	if p.ContainerID == "" {
		return nil, fmt.Errorf("%w: no container", agenterr.ErrResourceUnavailable)
	}
	st, err := m.engine.Stats(ctx, p.ContainerID)
	if err != nil {
		return nil, classifyDockerError("container stats", err)
	}
	return &v1.AgentMetrics{CPUPercent: st.CPUPercent, MemoryMB: st.MemoryMB}, nil
}

func containerEnv(spec SpawnSpec) []string {
	env := make([]string, 0, len(spec.Env)+2)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "CLAWDEN_INSTANCE_ID="+spec.InstanceID)
	if spec.Port > 0 {
		env = append(env, fmt.Sprintf("CLAWDEN_PORT=%d", spec.Port))
	}
	sort.Strings(env)
	return env
}

func classifyDockerError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "port is already allocated") || strings.Contains(msg, "address already in use") {
		return fmt.Errorf("%w: %s: %v", agenterr.ErrPortConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %v", agenterr.ErrResourceUnavailable, op, err)
}
