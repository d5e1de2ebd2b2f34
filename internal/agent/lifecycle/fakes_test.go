package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codervisor/clawden/internal/agent/adapter"
	"github.com/codervisor/clawden/internal/audit"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

type fakeAdapter struct {
	desc runtime.Descriptor

	mu           sync.Mutex
	calls        map[string]int
	startErr     error
	stopErr      error
	installErr   error
	sendErr      error
	subscribeErr error
	metricsErr   error
	startDelay   time.Duration
	lastStart    adapter.StartConfig
	lastConfig   []byte
	health       v1.HealthStatus
}

func newFakeAdapter(name string, tier int, caps ...string) *fakeAdapter {
	return &fakeAdapter{
		desc: runtime.Descriptor{
			Name:         runtime.Name(name),
			Capabilities: caps,
			Method:       runtime.MethodProcess,
			Modes:        []v1.ExecutionMode{v1.ModeNative},
			CostTier:     tier,
		},
		calls:  make(map[string]int),
		health: v1.HealthHealthy,
	}
}

func (f *fakeAdapter) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAdapter) set(fn func(f *fakeAdapter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAdapter) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

func (f *fakeAdapter) Descriptor() runtime.Descriptor { return f.desc }

func (f *fakeAdapter) Install(_ context.Context, spec adapter.InstallSpec) (*v1.InstallRecord, error) {
	f.record("install")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installErr != nil {
		return nil, f.installErr
	}
	return &v1.InstallRecord{Runtime: string(f.desc.Name), Version: spec.Version, Checksum: "abc"}, nil
}

func (f *fakeAdapter) Start(ctx context.Context, h adapter.Handle, cfg adapter.StartConfig) (v1.Locator, error) {
	f.record("start")
	f.mu.Lock()
	delay, err := f.startDelay, f.startErr
	f.lastStart = cfg
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return v1.Locator{}, ctx.Err()
		}
	}
	if err != nil {
		return v1.Locator{}, err
	}
	return v1.Locator{PID: 4242, Endpoint: "http://127.0.0.1:9000", LogPath: "/tmp/" + h.ID + ".log"}, nil
}

func (f *fakeAdapter) Stop(context.Context, adapter.Handle) error {
	f.record("stop")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopErr
}

func (f *fakeAdapter) Restart(ctx context.Context, h adapter.Handle, cfg adapter.StartConfig) (v1.Locator, error) {
	f.record("restart")
	return f.Start(ctx, h, cfg)
}

func (f *fakeAdapter) Health(context.Context, adapter.Handle) (v1.HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health, nil
}

func (f *fakeAdapter) Metrics(context.Context, adapter.Handle) (*v1.AgentMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metricsErr != nil {
		return nil, f.metricsErr
	}
	return &v1.AgentMetrics{CPUPercent: 1, MemoryMB: 2}, nil
}

func (f *fakeAdapter) Send(_ context.Context, _ adapter.Handle, msg v1.Message) (*v1.MessageResponse, error) {
	f.record("send")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &v1.MessageResponse{Content: "echo: " + msg.Content}, nil
}

func (f *fakeAdapter) Subscribe(ctx context.Context, _ adapter.Handle, topic string) (<-chan v1.StreamEvent, error) {
	f.mu.Lock()
	err := f.subscribeErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch := make(chan v1.StreamEvent, 1)
	ch <- v1.StreamEvent{Topic: topic, Type: "tick"}
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) GetConfig(context.Context, adapter.Handle) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastConfig, nil
}

func (f *fakeAdapter) SetConfig(_ context.Context, _ adapter.Handle, native []byte) error {
	f.record("set_config")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastConfig = native
	return nil
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []Change
}

func (o *recordingObserver) OnStateChange(_ context.Context, c Change) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, c)
}

func (o *recordingObserver) states() []v1.AgentState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]v1.AgentState, len(o.changes))
	for i, c := range o.changes {
		out[i] = c.Record.State
	}
	return out
}

type fixture struct {
	mgr   *Manager
	repo  *MemoryRepository
	audit *audit.Log
	obs   *recordingObserver
}

func newFixture(t *testing.T, opts Options, adapters ...*fakeAdapter) *fixture {
	t.Helper()
	log := logger.NewNop()
	reg := adapter.NewRegistry(log)
	for _, a := range adapters {
		reg.Register(a)
	}
	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"), log)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	repo := NewMemoryRepository()
	mgr := NewManager(reg, repo, auditLog, nil, opts, log)
	obs := &recordingObserver{}
	mgr.AddObserver(obs)
	return &fixture{mgr: mgr, repo: repo, audit: auditLog, obs: obs}
}

// running registers, installs and starts an instance of rt.
func (fx *fixture) running(t *testing.T, rt string) v1.AgentRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := fx.mgr.Register(ctx, RegisterRequest{Runtime: rt})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := fx.mgr.Install(ctx, rec.ID, InstallRequest{Version: "1.0.0"}); err != nil {
		t.Fatalf("install: %v", err)
	}
	rec, err = fx.mgr.Start(ctx, rec.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return rec
}
