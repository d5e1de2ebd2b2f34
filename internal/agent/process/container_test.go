package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/agent/docker"
	"github.com/codervisor/clawden/internal/common/logger"
)

var errNotFound = errors.New("no such container")

type fakeEngine struct {
	mu         sync.Mutex
	images     map[string]string
	created    []docker.ContainerConfig
	running    map[string]bool
	createErr  error
	startErr   error
	removed    []string
	hostPort   int
	stopCalled int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{images: map[string]string{}, running: map[string]bool{}, hostPort: 49153}
}

func (f *fakeEngine) ImageID(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeEngine) CreateContainer(_ context.Context, cfg docker.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, cfg)
	return "c-" + cfg.Name, nil
}

func (f *fakeEngine) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running[id] = true
	return nil
}

func (f *fakeEngine) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalled++
	if _, ok := f.running[id]; !ok {
		return errNotFound
	}
	f.running[id] = false
	return nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	if _, ok := f.running[id]; !ok {
		return errNotFound
	}
	delete(f.running, id)
	return nil
}

func (f *fakeEngine) GetContainerInfo(_ context.Context, id string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.running[id]
	if !ok {
		return nil, errNotFound
	}
	return &docker.ContainerInfo{ID: id, Running: running, HostPorts: map[int]int{18789: f.hostPort}}, nil
}

func (f *fakeEngine) Logs(_ context.Context, _ string, _ int) ([]string, error) {
	return []string{"hello"}, nil
}

func (f *fakeEngine) Stats(_ context.Context, _ string) (*docker.Stats, error) {
	return &docker.Stats{CPUPercent: 12.5, MemoryMB: 64}, nil
}

func newTestContainer(engine *fakeEngine) *ContainerManager {
	m := NewContainerManager(engine, "", time.Second, logger.NewNop())
	m.isNotFound = func(err error) bool { return errors.Is(err, errNotFound) }
	return m
}

func TestContainerSpawnRequiresImage(t *testing.T) {
	m := newTestContainer(newFakeEngine())
	_, err := m.Spawn(context.Background(), SpawnSpec{InstanceID: "i1", Runtime: "openclaw", Image: "ghcr.io/openclaw/openclaw:latest"})
	assert.ErrorIs(t, err, agenterr.ErrNotInstalled)
}

func TestContainerSpawnAndStop(t *testing.T) {
	engine := newFakeEngine()
	engine.images["img"] = "sha256:abc"
	m := newTestContainer(engine)
	ctx := context.Background()

	proc, err := m.Spawn(ctx, SpawnSpec{
		InstanceID: "instance-123456789",
		Runtime:    "openclaw",
		Image:      "img",
		Port:       18789,
		HealthPath: "/health",
		WorkDir:    "/tmp/ws",
		Env:        map[string]string{"A": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:49153", proc.Endpoint)
	assert.Equal(t, "http://127.0.0.1:49153/health", proc.HealthURL)

	require.Len(t, engine.created, 1)
	cfg := engine.created[0]
	assert.Equal(t, "clawden-openclaw-instance-123", cfg.Name)
	assert.Equal(t, "instance-123456789", cfg.Labels[LabelInstance])
	assert.Equal(t, "openclaw", cfg.Labels[LabelRuntime])
	assert.Equal(t, "127.0.0.1", cfg.Ports[0].HostIP)
	assert.Contains(t, cfg.Env, "A=1")
	assert.Contains(t, cfg.Env, "CLAWDEN_PORT=18789")

	alive, err := m.Alive(ctx, *proc)
	require.NoError(t, err)
	assert.True(t, alive)

	metrics, err := m.Stats(ctx, *proc)
	require.NoError(t, err)
	assert.Equal(t, 64.0, metrics.MemoryMB)

	require.NoError(t, m.Stop(ctx, *proc))
	alive, err = m.Alive(ctx, *proc)
	require.NoError(t, err)
	assert.False(t, alive)

	// Already removed.
	require.NoError(t, m.Stop(ctx, *proc))
}

func TestContainerPortConflict(t *testing.T) {
	engine := newFakeEngine()
	engine.images["img"] = "sha256:abc"
	engine.startErr = errors.New("driver failed programming external connectivity: Bind for 127.0.0.1:18789 failed: port is already allocated")
	m := newTestContainer(engine)

	_, err := m.Spawn(context.Background(), SpawnSpec{InstanceID: "i", Runtime: "openclaw", Image: "img", Port: 18789, HostPort: 18789})
	assert.ErrorIs(t, err, agenterr.ErrPortConflict)
	assert.Len(t, engine.removed, 1, "failed container should be removed")
}

func TestContainerCreateFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.images["img"] = "sha256:abc"
	engine.createErr = errors.New("daemon exploded")
	m := newTestContainer(engine)

	_, err := m.Spawn(context.Background(), SpawnSpec{InstanceID: "i", Runtime: "openclaw", Image: "img"})
	assert.ErrorIs(t, err, agenterr.ErrResourceUnavailable)
	assert.True(t, agenterr.Retryable(err))
}
