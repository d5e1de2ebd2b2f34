package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/agent/adapter"
	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/events"
	"github.com/codervisor/clawden/internal/events/bus"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// reasonAlreadyStopped is audited when Stop finds nothing to stop.
const reasonAlreadyStopped = "already stopped"

// InstallRequest selects what Install fetches.
type InstallRequest struct {
	Version  string
	Source   string
	Checksum string
}

// Install installs the instance's runtime and moves it to installed.
func (m *Manager) Install(ctx context.Context, id string, req InstallRequest) (v1.AgentRecord, error) {
	return m.do(ctx, id, "install", func(ctx context.Context, e *entry) (v1.AgentRecord, error) {
		rec := e.snapshot()
		if !CanTransition(rec.State, v1.AgentStateInstalled) {
			err := agenterr.Transition("install", rec.State)
			m.audit(ctx, "agent.install", id, err, "")
			return rec, err
		}

		installed, err := e.adapter.Install(ctx, adapter.InstallSpec{
			Mode:     rec.Mode,
			Version:  req.Version,
			Source:   req.Source,
			Checksum: req.Checksum,
		})
		m.metrics.Install(rec.Runtime, err)
		if err != nil {
			err = fmt.Errorf("install %s: %w", id, err)
			m.audit(ctx, "agent.install", id, err, "")
			return rec, err
		}

		rec = m.commit(ctx, e, func(r *v1.AgentRecord) {
			r.State = v1.AgentStateInstalled
			r.Install = installed
		})
		m.audit(ctx, "agent.install", id, nil, "")
		return rec, nil
	})
}

// Start launches an installed or stopped instance.
func (m *Manager) Start(ctx context.Context, id string) (v1.AgentRecord, error) {
	return m.do(ctx, id, "start", func(ctx context.Context, e *entry) (v1.AgentRecord, error) {
		rec := e.snapshot()
		var err error
		switch rec.State {
		case v1.AgentStateRegistered:
			err = fmt.Errorf("%w: agent %s has no install", agenterr.ErrNotInstalled, id)
		case v1.AgentStateRunning, v1.AgentStateDegraded:
			err = fmt.Errorf("%w: agent %s is %s", agenterr.ErrAlreadyRunning, id, rec.State)
		}
		if err != nil {
			m.audit(ctx, "agent.start", id, err, "")
			return rec, err
		}

		rec, err = m.launch(ctx, e, false)
		m.audit(ctx, "agent.start", id, err, "")
		return rec, err
	})
}

// launch starts or restarts the instance and commits running on success.
func (m *Manager) launch(ctx context.Context, e *entry, restart bool) (v1.AgentRecord, error) {
	rec := e.snapshot()
	cfg, err := m.startConfig(ctx, rec.ID, e.specCopy())
	if err != nil {
		return rec, err
	}

	h := e.handle()
	var loc v1.Locator
	if restart {
		loc, err = e.adapter.Restart(ctx, h, cfg)
	} else {
		loc, err = e.adapter.Start(ctx, h, cfg)
	}
	if err != nil {
		op := "start"
		if restart {
			op = "restart"
		}
		return rec, fmt.Errorf("%s %s: %w", op, rec.ID, err)
	}
	if loc.Endpoint == "" {
		loc.Endpoint = e.specCopy().Endpoint
	}

	return m.commit(ctx, e, func(r *v1.AgentRecord) {
		r.State = v1.AgentStateRunning
		r.Locator = loc
	}), nil
}

// Stop stops a running or degraded instance. Stopping an instance that is not
// running succeeds without touching the adapter.
func (m *Manager) Stop(ctx context.Context, id string) (v1.AgentRecord, error) {
	return m.do(ctx, id, "stop", func(ctx context.Context, e *entry) (v1.AgentRecord, error) {
		rec := e.snapshot()
		if !IsActive(rec.State) {
			m.audit(ctx, "agent.stop", id, nil, reasonAlreadyStopped)
			return rec, nil
		}
		if err := e.adapter.Stop(ctx, e.handle()); err != nil {
			err = fmt.Errorf("stop %s: %w", id, err)
			m.audit(ctx, "agent.stop", id, err, "")
			return rec, err
		}
		rec = m.commit(ctx, e, stopped(e.specCopy().Endpoint))
		m.audit(ctx, "agent.stop", id, nil, "")
		return rec, nil
	})
}

// Restart restarts a running or degraded instance. A failed restart leaves
// the state unchanged.
func (m *Manager) Restart(ctx context.Context, id string) (v1.AgentRecord, error) {
	return m.do(ctx, id, "restart", func(ctx context.Context, e *entry) (v1.AgentRecord, error) {
		rec := e.snapshot()
		if !IsActive(rec.State) {
			err := agenterr.Transition("restart", rec.State)
			m.audit(ctx, "agent.restart", id, err, "")
			return rec, err
		}
		rec, err := m.launch(ctx, e, true)
		if err == nil {
			rec = e.update(func(r *v1.AgentRecord) {
				r.RecoveryAttempts = 0
				r.NextRecoveryAt = nil
			})
			m.persist(ctx, e)
		}
		m.audit(ctx, "agent.restart", id, err, "")
		return rec, err
	})
}

// Decommission stops the instance if needed and destroys its handle.
func (m *Manager) Decommission(ctx context.Context, id string) (v1.AgentRecord, error) {
	return m.do(ctx, id, "decommission", func(ctx context.Context, e *entry) (v1.AgentRecord, error) {
		rec := e.snapshot()
		if IsActive(rec.State) {
			if err := e.adapter.Stop(ctx, e.handle()); err != nil {
				err = fmt.Errorf("decommission %s: %w", id, err)
				m.audit(ctx, "agent.decommission", id, err, "")
				return rec, err
			}
			rec = e.update(stopped(e.specCopy().Endpoint))
		}

		m.store.remove(id)
		if err := m.repo.Delete(context.WithoutCancel(ctx), id); err != nil {
			m.logger.Error("failed to delete agent record", zap.String("agent_id", id), zap.Error(err))
		}
		m.logger.Info("decommissioned agent", zap.String("agent_id", id))
		m.notify(ctx, Change{Record: rec, From: rec.State, Removed: true})
		m.audit(ctx, "agent.decommission", id, nil, "")
		return rec, nil
	})
}

// MarkDegraded moves a running instance to degraded. Only the recovery
// engine calls it.
func (m *Manager) MarkDegraded(ctx context.Context, id, reason string) (v1.AgentRecord, error) {
	return m.do(ctx, id, "degrade", func(ctx context.Context, e *entry) (v1.AgentRecord, error) {
		rec := e.snapshot()
		if rec.State != v1.AgentStateRunning {
			return rec, agenterr.Transition("degrade", rec.State)
		}
		rec = m.commit(ctx, e, func(r *v1.AgentRecord) { r.State = v1.AgentStateDegraded })
		m.audit(ctx, "agent.degraded", id, nil, reason)
		return rec, nil
	})
}

// RecoveryRestart restarts a degraded instance on behalf of the recovery engine.
func (m *Manager) RecoveryRestart(ctx context.Context, id string) (v1.AgentRecord, error) {
	return m.do(ctx, id, "recovery_restart", func(ctx context.Context, e *entry) (v1.AgentRecord, error) {
		rec := e.snapshot()
		if rec.State != v1.AgentStateDegraded {
			return rec, agenterr.Transition("recover", rec.State)
		}
		rec, err := m.launch(ctx, e, true)
		m.audit(ctx, "recovery.restart", id, err, "")
		return rec, err
	})
}

// GiveUp stops a degraded instance once recovery is exhausted.
func (m *Manager) GiveUp(ctx context.Context, id, reason string) (v1.AgentRecord, error) {
	return m.do(ctx, id, "give_up", func(ctx context.Context, e *entry) (v1.AgentRecord, error) {
		rec := e.snapshot()
		if rec.State != v1.AgentStateDegraded {
			return rec, agenterr.Transition("give up", rec.State)
		}
		if err := e.adapter.Stop(ctx, e.handle()); err != nil {
			m.logger.Warn("stop after exhausted recovery failed", zap.String("agent_id", id), zap.Error(err))
		}
		rec = m.commit(ctx, e, stopped(e.specCopy().Endpoint))
		m.audit(ctx, "recovery.exhausted", id, errors.New(reason), "")

		if m.eventBus != nil {
			ev := bus.NewEvent(events.RecoveryExhausted, "lifecycle", map[string]any{
				"agent_id": id,
				"reason":   reason,
			})
			if err := m.eventBus.Publish(ctx, events.AgentSubject(id), ev); err != nil {
				m.logger.Warn("failed to publish recovery exhaustion", zap.String("agent_id", id), zap.Error(err))
			}
		}
		return rec, nil
	})
}

// stopped clears what the backend allocated. The log path and the
// registration endpoint survive.
func stopped(endpoint string) func(r *v1.AgentRecord) {
	return func(r *v1.AgentRecord) {
		r.State = v1.AgentStateStopped
		r.Locator = v1.Locator{LogPath: r.Locator.LogPath, Endpoint: endpoint}
		r.NextRecoveryAt = nil
	}
}
