package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/codervisor/clawden/internal/agent/adapter"
	"github.com/codervisor/clawden/internal/agent/agentconfig"
	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/audit"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/common/tracing"
	"github.com/codervisor/clawden/internal/events"
	"github.com/codervisor/clawden/internal/events/bus"
	"github.com/codervisor/clawden/internal/metrics"
	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// APIKeyEnv carries the resolved model API key into the instance.
const APIKeyEnv = "CLAWDEN_MODEL_API_KEY"

// ErrInvalidRequest is returned for malformed registration or config input.
var ErrInvalidRequest = errors.New("invalid request")

// Change describes one state change. From is empty for instances restored by
// Load; Removed is set on decommission.
type Change struct {
	Record  v1.AgentRecord
	From    v1.AgentState
	Removed bool
}

// Observer is notified after every state change, in order, while the
// instance's transition lock is held. Implementations must not block.
type Observer interface {
	OnStateChange(ctx context.Context, change Change)
}

// HealthSource reads the shared health table.
type HealthSource interface {
	Get(id string) v1.Health
}

// RegisterRequest contains parameters for registering an instance
type RegisterRequest struct {
	Name         string
	Runtime      string
	Mode         v1.ExecutionMode
	Capabilities []string          // Defaults to the runtime's capabilities
	Endpoint     string            // Remote URL or bridge://<device>
	Port         int               // Fixed control port, 0 for automatic
	Args         []string
	Env          map[string]string
	Secrets      map[string]string // env var -> vault reference
	Config       agentconfig.Config
}

// Options tunes a Manager.
type Options struct {
	// DefaultMode applies when a registration names no mode.
	DefaultMode v1.ExecutionMode
	// DegradedServesTraffic lets Send, Subscribe and SendTask reach degraded instances.
	DegradedServesTraffic bool
	// InstancesDir holds one working directory per instance.
	InstancesDir string
	DockerProbe  runtime.DockerProbe
}

// Manager manages agent instance lifecycles
type Manager struct {
	registry    *adapter.Registry
	repo        Repository
	recorder    audit.Recorder
	eventBus    bus.EventBus
	vault       agentconfig.SecretVault
	translators *agentconfig.TranslatorSet
	health      HealthSource
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	opts        Options
	logger      *logger.Logger

	store   *Store
	flights singleflight.Group

	observers []Observer
	obsMu     sync.RWMutex

	rrIndex int
	rrMu    sync.Mutex
}

// NewManager creates a new lifecycle manager
func NewManager(
	reg *adapter.Registry,
	repo Repository,
	recorder audit.Recorder,
	eventBus bus.EventBus,
	opts Options,
	log *logger.Logger,
) *Manager {
	if opts.DefaultMode == "" {
		opts.DefaultMode = v1.ModeAuto
	}
	return &Manager{
		registry:    reg,
		repo:        repo,
		recorder:    recorder,
		eventBus:    eventBus,
		vault:       agentconfig.EnvVault{},
		translators: agentconfig.NewTranslatorSet(),
		tracer:      tracing.Tracer("clawden/lifecycle"),
		opts:        opts,
		logger:      log.WithFields(zap.String("component", "lifecycle-manager")),
		store:       NewStore(),
	}
}

// SetVault sets the vault used to resolve secret references at start
func (m *Manager) SetVault(v agentconfig.SecretVault) { m.vault = v }

// SetTranslators sets the per-runtime config translators
func (m *Manager) SetTranslators(t *agentconfig.TranslatorSet) { m.translators = t }

// SetHealthSource sets the table GetHealth and Get read from
func (m *Manager) SetHealthSource(h HealthSource) { m.health = h }

func (m *Manager) SetMetrics(mt *metrics.Metrics) { m.metrics = mt }

// AddObserver registers o for state change notifications.
func (m *Manager) AddObserver(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

// DegradedServesTraffic reports the degraded traffic policy.
func (m *Manager) DegradedServesTraffic() bool { return m.opts.DegradedServesTraffic }

// Register creates an instance in the registered state.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (v1.AgentRecord, error) {
	ctx, span := tracing.Start(ctx, m.tracer, "lifecycle.register", "", req.Runtime)
	rec, err := m.register(ctx, req)
	tracing.End(span, err)

	target := rec.ID
	if target == "" {
		target = req.Runtime
	}
	m.audit(ctx, "agent.register", target, err, "")
	return rec, err
}

func (m *Manager) register(ctx context.Context, req RegisterRequest) (v1.AgentRecord, error) {
	if req.Runtime == "" {
		return v1.AgentRecord{}, fmt.Errorf("%w: runtime is required", ErrInvalidRequest)
	}
	a, err := m.registry.Get(runtime.Name(req.Runtime))
	if err != nil {
		return v1.AgentRecord{}, fmt.Errorf("%w: %s", agenterr.ErrUnknownRuntime, req.Runtime)
	}
	desc := a.Descriptor()

	requested := req.Mode
	if requested == "" {
		requested = m.opts.DefaultMode
	}
	mode, err := runtime.ResolveMode(ctx, desc, requested, m.opts.DockerProbe)
	if err != nil {
		return v1.AgentRecord{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	id := uuid.New().String()
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", desc.Name, id[:8])
	}
	caps := req.Capabilities
	if len(caps) == 0 {
		caps = desc.Capabilities
	}
	cfg := req.Config
	if cfg.Name == "" {
		cfg.Name = name
	}
	cfg.Runtime = string(desc.Name)

	now := time.Now().UTC()
	e := &entry{
		adapter: a,
		record: v1.AgentRecord{
			ID:           id,
			Name:         name,
			Runtime:      string(desc.Name),
			Mode:         mode,
			Capabilities: slices.Clone(caps),
			State:        v1.AgentStateRegistered,
			Health:       v1.Health{Status: v1.HealthUnknown},
			Locator:      v1.Locator{Endpoint: req.Endpoint},
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		spec: Spec{
			Name:         name,
			Runtime:      string(desc.Name),
			Mode:         mode,
			Capabilities: slices.Clone(caps),
			Endpoint:     req.Endpoint,
			Port:         req.Port,
			Args:         slices.Clone(req.Args),
			Env:          copyMap(req.Env),
			Secrets:      copyMap(req.Secrets),
			Config:       cfg,
		},
	}
	if err := m.repo.Save(ctx, Persisted{Record: e.snapshot(), Spec: e.specCopy()}); err != nil {
		return v1.AgentRecord{}, err
	}
	m.store.add(e)

	m.logger.Info("registered agent",
		zap.String("agent_id", id),
		zap.String("runtime", string(desc.Name)),
		zap.String("mode", string(mode)))
	rec := e.snapshot()
	m.notify(ctx, Change{Record: rec})
	return rec, nil
}

// Load restores persisted instances. Active ones are announced to observers
// with an empty From so the health monitor re-adopts them.
func (m *Manager) Load(ctx context.Context) (int, error) {
	stored, err := m.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, p := range stored {
		if _, ok := m.store.get(p.Record.ID); ok {
			continue
		}
		a, err := m.registry.Get(runtime.Name(p.Record.Runtime))
		if err != nil {
			m.logger.Warn("skipping stored agent with unavailable runtime",
				zap.String("agent_id", p.Record.ID),
				zap.String("runtime", p.Record.Runtime))
			continue
		}
		e := &entry{adapter: a, record: cloneRecord(p.Record), spec: p.Spec}
		m.store.add(e)
		loaded++
		if IsActive(p.Record.State) {
			m.notify(ctx, Change{Record: e.snapshot()})
		}
	}
	m.refreshCounts()
	m.logger.Info("restored agents", zap.Int("count", loaded))
	return loaded, nil
}

// Get returns the instance record with the latest health.
func (m *Manager) Get(id string) (v1.AgentRecord, error) {
	e, err := m.entry(id)
	if err != nil {
		return v1.AgentRecord{}, err
	}
	return m.withHealth(e.snapshot()), nil
}

// GetState returns the instance's lifecycle state.
func (m *Manager) GetState(id string) (v1.AgentState, error) {
	e, err := m.entry(id)
	if err != nil {
		return "", err
	}
	return e.state(), nil
}

// GetHealth returns the instance's health table entry.
func (m *Manager) GetHealth(id string) (v1.Health, error) {
	e, err := m.entry(id)
	if err != nil {
		return v1.Health{}, err
	}
	return m.withHealth(e.snapshot()).Health, nil
}

// ListAgents returns every instance, oldest first.
func (m *Manager) ListAgents() []v1.AgentRecord {
	entries := m.store.list()
	out := make([]v1.AgentRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, m.withHealth(e.snapshot()))
	}
	return out
}

// FleetStatus counts instances by state.
func (m *Manager) FleetStatus() v1.FleetStatus {
	status := v1.FleetStatus{ByState: make(map[v1.AgentState]int)}
	for _, e := range m.store.list() {
		st := e.state()
		status.Total++
		status.ByState[st]++
		switch st {
		case v1.AgentStateRunning:
			status.Running++
		case v1.AgentStateDegraded:
			status.Degraded++
		}
	}
	return status
}

// SetRecoveryStatus records the recovery engine's progress on the instance.
func (m *Manager) SetRecoveryStatus(id string, attempts int, next *time.Time) {
	e, ok := m.store.get(id)
	if !ok {
		return
	}
	e.update(func(r *v1.AgentRecord) {
		r.RecoveryAttempts = attempts
		r.NextRecoveryAt = next
	})
}

func (m *Manager) entry(id string) (*entry, error) {
	e, ok := m.store.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", agenterr.ErrAgentNotFound, id)
	}
	return e, nil
}

func (m *Manager) withHealth(rec v1.AgentRecord) v1.AgentRecord {
	if m.health != nil {
		rec.Health = m.health.Get(rec.ID)
	}
	if rec.Health.Status == "" {
		rec.Health.Status = v1.HealthUnknown
	}
	return rec
}

// do runs a state-changing operation under the instance's transition lock.
// Concurrent callers of the same op on the same instance share one result.
func (m *Manager) do(ctx context.Context, id, op string, fn func(ctx context.Context, e *entry) (v1.AgentRecord, error)) (v1.AgentRecord, error) {
	e, err := m.entry(id)
	if err != nil {
		return v1.AgentRecord{}, err
	}
	v, err, _ := m.flights.Do(id+":"+op, func() (any, error) {
		e.opMu.Lock()
		defer e.opMu.Unlock()
		if _, ok := m.store.get(id); !ok {
			return v1.AgentRecord{}, fmt.Errorf("%w: %s", agenterr.ErrAgentNotFound, id)
		}

		start := time.Now()
		spanCtx, span := tracing.Start(ctx, m.tracer, "lifecycle."+op, id, e.specCopy().Runtime)
		rec, err := fn(spanCtx, e)
		tracing.End(span, err)
		m.metrics.ObserveOperation(op, time.Since(start), err)
		return rec, err
	})
	rec, _ := v.(v1.AgentRecord)
	return rec, err
}

// commit applies fn to the record, persists it and notifies observers.
func (m *Manager) commit(ctx context.Context, e *entry, fn func(r *v1.AgentRecord)) v1.AgentRecord {
	from := e.state()
	rec := e.update(func(r *v1.AgentRecord) {
		fn(r)
		r.UpdatedAt = time.Now().UTC()
	})
	m.persist(ctx, e)
	if rec.State != from {
		m.metrics.Transition(string(from), string(rec.State))
		m.logger.Info("agent state changed",
			zap.String("agent_id", rec.ID),
			zap.String("from", string(from)),
			zap.String("to", string(rec.State)))
	}
	m.notify(ctx, Change{Record: rec, From: from})
	return rec
}

func (m *Manager) persist(ctx context.Context, e *entry) {
	p := Persisted{Record: e.snapshot(), Spec: e.specCopy()}
	if err := m.repo.Save(context.WithoutCancel(ctx), p); err != nil {
		m.logger.Error("failed to persist agent", zap.String("agent_id", p.Record.ID), zap.Error(err))
	}
}

func (m *Manager) notify(ctx context.Context, change Change) {
	ctx = context.WithoutCancel(ctx)
	m.obsMu.RLock()
	observers := slices.Clone(m.observers)
	m.obsMu.RUnlock()
	for _, o := range observers {
		o.OnStateChange(ctx, change)
	}
	m.refreshCounts()

	if m.eventBus == nil {
		return
	}
	eventType := events.AgentStateChanged
	if change.Removed {
		eventType = events.AgentDecommissioned
	}
	ev := bus.NewEvent(eventType, "lifecycle", map[string]any{
		"agent_id": change.Record.ID,
		"runtime":  change.Record.Runtime,
		"from":     string(change.From),
		"to":       string(change.Record.State),
	})
	if err := m.eventBus.Publish(ctx, events.AgentSubject(change.Record.ID), ev); err != nil {
		m.logger.Warn("failed to publish state change", zap.String("agent_id", change.Record.ID), zap.Error(err))
	}
}

func (m *Manager) refreshCounts() {
	if m.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for st, n := range m.FleetStatus().ByState {
		counts[string(st)] = n
	}
	m.metrics.SetAgentCounts(counts)
}

func (m *Manager) audit(ctx context.Context, action, target string, err error, reason string) {
	if m.recorder == nil {
		return
	}
	ev := audit.Event(action, target, err)
	if err == nil && reason != "" {
		ev.Reason = reason
	}
	if recErr := m.recorder.Record(ctx, ev); recErr != nil {
		m.logger.Error("failed to record audit event", zap.String("action", action), zap.Error(recErr))
	}
}

// startConfig resolves secrets and renders the runtime-native config.
// Plaintext secrets only travel in the returned Env.
func (m *Manager) startConfig(ctx context.Context, id string, spec Spec) (adapter.StartConfig, error) {
	env := copyMap(spec.Env)
	if env == nil {
		env = make(map[string]string)
	}
	secrets, err := agentconfig.ResolveAll(ctx, m.vault, spec.Secrets)
	if err != nil {
		return adapter.StartConfig{}, fmt.Errorf("%w: %w", agenterr.ErrConfigTranslation, err)
	}
	for k, v := range secrets {
		env[k] = v
	}
	if ref := spec.Config.Model.APIKeyRef; ref != "" {
		key, err := m.vault.Resolve(ctx, ref)
		if err != nil {
			return adapter.StartConfig{}, fmt.Errorf("%w: resolve api key: %w", agenterr.ErrConfigTranslation, err)
		}
		env[APIKeyEnv] = key
	}

	native, err := m.render(spec)
	if err != nil {
		return adapter.StartConfig{}, err
	}

	var workDir string
	if m.opts.InstancesDir != "" {
		workDir = filepath.Join(m.opts.InstancesDir, id)
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return adapter.StartConfig{}, fmt.Errorf("%w: create work dir: %w", agenterr.ErrResourceUnavailable, err)
		}
	}
	return adapter.StartConfig{
		Config:  native,
		Env:     env,
		Args:    slices.Clone(spec.Args),
		WorkDir: workDir,
		Port:    spec.Port,
	}, nil
}

// render translates the canonical config. An instance registered without a
// model gets no config document and runs on the runtime's defaults.
func (m *Manager) render(spec Spec) ([]byte, error) {
	if spec.Config.Model.Provider == "" && spec.Config.Model.Name == "" {
		return nil, nil
	}
	native, err := m.translators.For(spec.Runtime).ToRuntime(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", agenterr.ErrConfigTranslation, err)
	}
	return native, nil
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
