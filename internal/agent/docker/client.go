// Package docker wraps the Docker SDK with the container operations the
// process manager needs.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/common/config"
	"github.com/codervisor/clawden/internal/common/logger"
)

// ContainerConfig describes a container to create.
type ContainerConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []MountConfig
	Ports       []PortBinding
	NetworkMode string
	Labels      map[string]string
}

// MountConfig is a bind mount.
type MountConfig struct {
	Source   string
	Target   string
	ReadOnly bool
}

// PortBinding publishes a container TCP port on the host. HostPort 0 picks an ephemeral port.
type PortBinding struct {
	ContainerPort int
	HostIP        string
	HostPort      int
}

// ContainerInfo is the subset of inspect data clawden uses.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	State     string
	Running   bool
	StartedAt time.Time
	ExitCode  int
	Health    string
	Labels    map[string]string
	// HostPorts maps container TCP ports to their published host ports.
	HostPorts map[int]int
}

// Stats are one-shot resource figures.
type Stats struct {
	CPUPercent float64
	MemoryMB   float64
}

// Client wraps the Docker API client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient creates a Docker client from cfg. It does not contact the daemon.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{cli: cli, logger: log.WithFields(zap.String("component", "docker"))}, nil
}

// IsNotFound reports whether err is a Docker "no such object" error.
func IsNotFound(err error) bool {
	return cerrdefs.IsNotFound(err)
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// ImageID returns the local image id for ref, or "" when the image is absent.
func (c *Client) ImageID(ctx context.Context, ref string) (string, error) {
	inspect, err := c.cli.ImageInspect(ctx, ref)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return inspect.ID, nil
}

// PullImage pulls ref and returns its local image id.
func (c *Client) PullImage(ctx context.Context, ref string) (string, error) {
	c.logger.Info("pulling image", zap.String("image", ref))
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return "", fmt.Errorf("error reading image pull output: %w", err)
	}
	return c.ImageID(ctx, ref)
}

// CreateContainer creates a container and returns its id.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range cfg.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("invalid container port %d: %w", p.ContainerPort, err)
		}
		exposed[port] = struct{}{}
		hostPort := ""
		if p.HostPort > 0 {
			hostPort = strconv.Itoa(p.HostPort)
		}
		bindings[port] = append(bindings[port], nat.PortBinding{HostIP: p.HostIP, HostPort: hostPort})
	}

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        cfg.Image,
			Cmd:          cfg.Cmd,
			Env:          cfg.Env,
			WorkingDir:   cfg.WorkingDir,
			Labels:       cfg.Labels,
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			Mounts:       mounts,
			PortBindings: bindings,
			NetworkMode:  container.NetworkMode(cfg.NetworkMode),
		},
		nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}
	c.logger.Info("container created", zap.String("container_id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// StopContainer stops id, letting Docker escalate to SIGKILL after timeout.
func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// GetContainerInfo inspects id.
func (c *Client) GetContainerInfo(ctx context.Context, id string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}

	info := &ContainerInfo{ID: inspect.ID, Name: strings.TrimPrefix(inspect.Name, "/"), HostPorts: map[int]int{}}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Labels = inspect.Config.Labels
	}
	if inspect.ContainerJSONBase != nil && inspect.State != nil {
		info.State = inspect.State.Status
		info.Running = inspect.State.Running
		info.ExitCode = inspect.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = t
		}
		if inspect.State.Health != nil {
			info.Health = inspect.State.Health.Status
		}
	}
	if inspect.NetworkSettings != nil {
		for port, binds := range inspect.NetworkSettings.Ports {
			for _, b := range binds {
				if hp, err := strconv.Atoi(b.HostPort); err == nil {
					info.HostPorts[port.Int()] = hp
					break
				}
			}
		}
	}
	return info, nil
}

// Logs returns the last tail lines of combined stdout and stderr.
func (c *Client) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	reader, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs for %s: %w", id, err)
	}
	defer func() { _ = reader.Close() }()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return nil, fmt.Errorf("failed to demultiplex logs for %s: %w", id, err)
	}
	text := strings.TrimRight(buf.String(), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// Stats samples CPU and memory once.
func (c *Client) Stats(ctx context.Context, id string) (*Stats, error) {
	resp, err := c.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats for %s: %w", id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var s container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode stats for %s: %w", id, err)
	}
	out := &Stats{MemoryMB: float64(s.MemoryStats.Usage) / (1024 * 1024)}
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(s.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		out.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}
	return out, nil
}

// ListContainers lists containers, running or not, carrying every label in labels.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	out := make([]ContainerInfo, 0, len(list))
	for _, ctr := range list {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		out = append(out, ContainerInfo{
			ID:      ctr.ID,
			Name:    name,
			Image:   ctr.Image,
			State:   string(ctr.State),
			Running: string(ctr.State) == "running",
			Labels:  ctr.Labels,
		})
	}
	return out, nil
}
