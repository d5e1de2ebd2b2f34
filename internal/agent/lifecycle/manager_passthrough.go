package lifecycle

import (
	"context"
	"fmt"

	"github.com/codervisor/clawden/internal/agent/agentconfig"
	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/common/tracing"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// servesTraffic applies the degraded traffic policy to state.
func (m *Manager) servesTraffic(state v1.AgentState) bool {
	return state == v1.AgentStateRunning ||
		(state == v1.AgentStateDegraded && m.opts.DegradedServesTraffic)
}

func (m *Manager) serving(e *entry) error {
	rec := e.snapshot()
	if m.servesTraffic(rec.State) {
		return nil
	}
	return fmt.Errorf("%w: agent %s is %s", agenterr.ErrUnavailable, rec.ID, rec.State)
}

// Send passes msg through to the instance. Failures never change state but
// are audited.
func (m *Manager) Send(ctx context.Context, id string, msg v1.Message) (resp *v1.MessageResponse, err error) {
	defer func() { m.auditFailure(ctx, "agent.send", id, err) }()
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	ctx, span := tracing.Start(ctx, m.tracer, "lifecycle.send", id, e.specCopy().Runtime)
	defer func() { tracing.End(span, err) }()

	if err := m.serving(e); err != nil {
		return nil, err
	}
	resp, err = e.adapter.Send(ctx, e.handle(), msg)
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", id, err)
	}
	if resp.AgentID == "" {
		resp.AgentID = id
	}
	return resp, nil
}

// Subscribe streams the instance's events on topic until ctx is done.
func (m *Manager) Subscribe(ctx context.Context, id, topic string) (ch <-chan v1.StreamEvent, err error) {
	defer func() { m.auditFailure(ctx, "agent.subscribe", id, err) }()
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	if err := m.serving(e); err != nil {
		return nil, err
	}
	ch, err = e.adapter.Subscribe(ctx, e.handle(), topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", id, err)
	}
	return ch, nil
}

// Metrics returns resource figures for an active instance.
func (m *Manager) Metrics(ctx context.Context, id string) (out *v1.AgentMetrics, err error) {
	defer func() { m.auditFailure(ctx, "agent.metrics", id, err) }()
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	if st := e.state(); !IsActive(st) {
		return nil, fmt.Errorf("%w: agent %s is %s", agenterr.ErrUnavailable, id, st)
	}
	out, err = e.adapter.Metrics(ctx, e.handle())
	if err != nil {
		return nil, fmt.Errorf("metrics for %s: %w", id, err)
	}
	return out, nil
}

// auditFailure records a failed pass-through call. Successful reads and
// messages are not audited.
func (m *Manager) auditFailure(ctx context.Context, action, id string, err error) {
	if err != nil {
		m.audit(ctx, action, id, err, "")
	}
}

// CheckHealth probes the instance once. The health monitor calls it; it
// never waits on a lifecycle operation.
func (m *Manager) CheckHealth(ctx context.Context, id string) (v1.HealthStatus, error) {
	e, err := m.entry(id)
	if err != nil {
		return v1.HealthUnknown, err
	}
	return e.adapter.Health(ctx, e.handle())
}

// GetConfig returns the instance's config with secrets redacted. Active
// instances are asked for their live document.
func (m *Manager) GetConfig(ctx context.Context, id string) (agentconfig.Config, error) {
	e, err := m.entry(id)
	if err != nil {
		return agentconfig.Config{}, err
	}
	spec := e.specCopy()
	if !IsActive(e.state()) {
		return spec.Config.Redacted(), nil
	}
	native, err := e.adapter.GetConfig(ctx, e.handle())
	if err != nil {
		return agentconfig.Config{}, fmt.Errorf("get config of %s: %w", id, err)
	}
	cfg, err := m.translators.For(spec.Runtime).FromRuntime(native)
	if err != nil {
		return agentconfig.Config{}, fmt.Errorf("%w: %w", agenterr.ErrConfigTranslation, err)
	}
	return cfg.Redacted(), nil
}

// SetConfig validates and stores cfg and pushes it to an active instance.
// Secret references are checked against the vault; the plaintext reaches the
// instance on its next start.
func (m *Manager) SetConfig(ctx context.Context, id string, cfg agentconfig.Config) (v1.AgentRecord, error) {
	return m.do(ctx, id, "config", func(ctx context.Context, e *entry) (v1.AgentRecord, error) {
		rec := e.snapshot()
		spec := e.specCopy()
		if cfg.Name == "" {
			cfg.Name = spec.Name
		}
		cfg.Runtime = spec.Runtime

		err := m.applyConfig(ctx, e, spec, cfg)
		m.audit(ctx, "agent.config", id, err, "")
		if err != nil {
			return rec, err
		}
		return e.snapshot(), nil
	})
}

func (m *Manager) applyConfig(ctx context.Context, e *entry, spec Spec, cfg agentconfig.Config) error {
	native, err := m.translators.For(spec.Runtime).ToRuntime(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", agenterr.ErrConfigTranslation, err)
	}
	if ref := cfg.Model.APIKeyRef; ref != "" {
		if _, err := m.vault.Resolve(ctx, ref); err != nil {
			return fmt.Errorf("%w: resolve api key: %w", agenterr.ErrConfigTranslation, err)
		}
	}
	if IsActive(e.state()) {
		if err := e.adapter.SetConfig(ctx, e.handle(), native); err != nil {
			return fmt.Errorf("set config of %s: %w", e.snapshot().ID, err)
		}
	}

	e.mu.Lock()
	e.spec.Config = cfg
	e.mu.Unlock()
	m.persist(ctx, e)
	return nil
}
