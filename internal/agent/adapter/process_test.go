package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/agent/clawtest"
	"github.com/codervisor/clawden/internal/agent/process"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

func descriptor(t *testing.T, name runtime.Name) runtime.Descriptor {
	t.Helper()
	d, ok := builtinCatalog(t).Get(name)
	require.True(t, ok)
	return d
}

func newProcessAdapter(t *testing.T, claw *clawtest.Server) (*ProcessAdapter, *fakeBackend, *fakeBackend, *fakeInstaller, *fakeImages) {
	t.Helper()
	native := &fakeBackend{mode: v1.ModeNative, endpoint: claw.URL, healthURL: claw.HealthURL()}
	container := &fakeBackend{mode: v1.ModeContainer, endpoint: claw.URL, healthURL: claw.HealthURL()}
	inst := &fakeInstaller{}
	images := &fakeImages{images: map[string]string{}}
	a := NewProcessAdapter(descriptor(t, "zeroclaw"), Deps{
		Backends:     process.Backends{v1.ModeNative: native, v1.ModeContainer: container},
		Installer:    inst,
		Images:       images,
		ReadyTimeout: 500 * time.Millisecond,
	}, logger.NewNop())
	return a, native, container, inst, images
}

func TestProcessAdapterNativeLifecycle(t *testing.T) {
	claw := clawtest.NewServer(t)
	a, native, _, inst, _ := newProcessAdapter(t, claw)
	ctx := context.Background()
	h := Handle{ID: "agent-1", Descriptor: a.Descriptor(), Mode: v1.ModeNative}

	_, err := a.Start(ctx, h, StartConfig{})
	require.ErrorIs(t, err, agenterr.ErrNotInstalled)

	rec, err := a.Install(ctx, InstallSpec{Mode: v1.ModeNative, Version: "1.0.0"})
	require.NoError(t, err)
	require.Len(t, inst.specs, 1)
	assert.Equal(t, runtime.Name("zeroclaw"), inst.specs[0].Runtime)

	workDir := filepath.Join(t.TempDir(), "ws")
	h.Install = rec
	loc, err := a.Start(ctx, h, StartConfig{Config: []byte(`{"name":"a"}`), WorkDir: workDir, Env: map[string]string{"K": "V"}})
	require.NoError(t, err)
	assert.Equal(t, claw.URL, loc.Endpoint)
	assert.Equal(t, 4242, loc.PID)

	spec := native.lastSpawn()
	assert.Equal(t, "/opt/zeroclaw", spec.Binary)
	assert.Greater(t, spec.Port, 0, "a free port is allocated")
	assert.Equal(t, "V", spec.Env["K"])
	assert.Equal(t, filepath.Join(workDir, ConfigFileName), spec.Env["CLAWDEN_CONFIG"])
	data, err := os.ReadFile(filepath.Join(workDir, ConfigFileName))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a"}`, string(data))

	h.Locator = loc
	status, err := a.Health(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, v1.HealthHealthy, status)

	resp, err := a.Send(ctx, h, v1.Message{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", resp.Content)

	m, err := a.Metrics(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 10.0, m.MemoryMB)
	assert.Equal(t, 2, m.QueueDepth)

	require.NoError(t, a.Stop(ctx, h))
	status, err = a.Health(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, v1.HealthUnhealthy, status, "a dead process is unhealthy without probing")

	require.NoError(t, a.Stop(ctx, h), "stop is idempotent")
}

func TestProcessAdapterStartNotReady(t *testing.T) {
	claw := clawtest.NewServer(t)
	claw.SetHealthy(false)
	a, native, _, _, _ := newProcessAdapter(t, claw)
	h := Handle{ID: "agent-1", Mode: v1.ModeNative, Install: &v1.InstallRecord{Executable: "/opt/zeroclaw"}}

	_, err := a.Start(context.Background(), h, StartConfig{})
	require.ErrorIs(t, err, agenterr.ErrResourceUnavailable)
	assert.Equal(t, 1, native.stopped, "an instance that never became ready is stopped")
}

func TestProcessAdapterContainer(t *testing.T) {
	claw := clawtest.NewServer(t)
	a, _, container, _, images := newProcessAdapter(t, claw)
	ctx := context.Background()

	rec, err := a.Install(ctx, InstallSpec{Mode: v1.ModeContainer, Version: "v0.2.0"})
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/zeroclaw-labs/zeroclaw:0.2.0", rec.Path)
	assert.Equal(t, 1, images.pulls)

	_, err = a.Install(ctx, InstallSpec{Mode: v1.ModeContainer, Version: "v0.2.0"})
	require.NoError(t, err)
	assert.Equal(t, 1, images.pulls, "present image is not pulled again")

	h := Handle{ID: "agent-2", Mode: v1.ModeContainer, Install: rec}
	_, err = a.Start(ctx, h, StartConfig{Port: 50000})
	require.NoError(t, err)
	spec := container.lastSpawn()
	assert.Equal(t, rec.Path, spec.Image)
	assert.Equal(t, 42617, spec.Port)
	assert.Equal(t, 50000, spec.HostPort)
}

func TestProcessAdapterNoEndpoint(t *testing.T) {
	claw := clawtest.NewServer(t)
	a, _, _, _, _ := newProcessAdapter(t, claw)
	_, err := a.Send(context.Background(), Handle{ID: "x", Mode: v1.ModeNative}, v1.Message{Content: "hi"})
	assert.ErrorIs(t, err, agenterr.ErrCommunication)
}

func TestImageRef(t *testing.T) {
	assert.Equal(t, "ghcr.io/a/b:1.2.3", imageRef("ghcr.io/a/b:latest", "v1.2.3"))
	assert.Equal(t, "localhost:5000/b:1.0.0", imageRef("localhost:5000/b", "1.0.0"))
	assert.Equal(t, "ghcr.io/a/b:latest", imageRef("ghcr.io/a/b:latest", "latest"))
	assert.Equal(t, "", imageRef("", "1.0.0"))
}
