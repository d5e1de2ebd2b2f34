package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/agent/install"
	"github.com/codervisor/clawden/internal/agent/process"
	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

type fakeBackend struct {
	mode v1.ExecutionMode

	mu        sync.Mutex
	endpoint  string
	healthURL string
	alive     bool
	spawned   []process.SpawnSpec
	stopped   int
	spawnErr  error
}

func (f *fakeBackend) Mode() v1.ExecutionMode { return f.mode }

func (f *fakeBackend) Spawn(_ context.Context, spec process.SpawnSpec) (*process.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.spawned = append(f.spawned, spec)
	f.alive = true
	return &process.Process{
		InstanceID: spec.InstanceID,
		Runtime:    spec.Runtime,
		Mode:       f.mode,
		PID:        4242,
		Endpoint:   f.endpoint,
		HealthURL:  f.healthURL,
	}, nil
}

func (f *fakeBackend) Stop(_ context.Context, _ process.Process) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.alive = false
	return nil
}

func (f *fakeBackend) Alive(_ context.Context, _ process.Process) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive, nil
}

func (f *fakeBackend) Logs(_ context.Context, _ process.Process, _ int) ([]string, error) {
	return nil, nil
}

func (f *fakeBackend) Stats(_ context.Context, _ process.Process) (*v1.AgentMetrics, error) {
	return &v1.AgentMetrics{MemoryMB: 10}, nil
}

func (f *fakeBackend) lastSpawn() process.SpawnSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned[len(f.spawned)-1]
}

type fakeInstaller struct {
	mu      sync.Mutex
	current *v1.InstallRecord
	specs   []install.Spec
}

func (f *fakeInstaller) Install(_ context.Context, spec install.Spec) (*v1.InstallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	f.current = &v1.InstallRecord{Runtime: string(spec.Runtime), Version: spec.Version, Executable: "/opt/" + string(spec.Runtime)}
	return f.current, nil
}

func (f *fakeInstaller) Current(rt runtime.Name) (*v1.InstallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil, fmt.Errorf("%w: %s", agenterr.ErrNotInstalled, rt)
	}
	return f.current, nil
}

type fakeImages struct {
	mu     sync.Mutex
	images map[string]string
	pulls  int
}

func (f *fakeImages) Ping(context.Context) error { return nil }

func (f *fakeImages) ImageID(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeImages) PullImage(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	id := "sha256:" + fmt.Sprint(len(ref))
	f.images[ref] = id
	return id, nil
}
