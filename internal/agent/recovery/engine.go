// Package recovery restarts instances whose health checks keep failing.
//
// The engine listens for health results on the event bus, reads the
// authoritative failure counter from the health table, and drives the
// degraded -> running (or stopped) edges through the lifecycle manager.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/agent/lifecycle"
	"github.com/codervisor/clawden/internal/audit"
	"github.com/codervisor/clawden/internal/common/config"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/events"
	"github.com/codervisor/clawden/internal/events/bus"
	"github.com/codervisor/clawden/internal/metrics"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// QueueGroup shares health results between engine replicas on one bus.
const QueueGroup = "clawden-recovery"

// Lifecycle is the part of the lifecycle manager the engine drives.
type Lifecycle interface {
	GetState(id string) (v1.AgentState, error)
	MarkDegraded(ctx context.Context, id, reason string) (v1.AgentRecord, error)
	RecoveryRestart(ctx context.Context, id string) (v1.AgentRecord, error)
	GiveUp(ctx context.Context, id, reason string) (v1.AgentRecord, error)
	SetRecoveryStatus(id string, attempts int, next *time.Time)
}

// HealthReader reads the health table.
type HealthReader interface {
	Get(id string) v1.Health
}

// Config tunes the engine.
type Config struct {
	Threshold    int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxAttempts  int
	HealthyReset time.Duration
}

// ConfigFrom reads the recovery section.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Threshold:    cfg.Recovery.Threshold,
		BaseBackoff:  cfg.Recovery.BaseBackoff(),
		MaxBackoff:   cfg.Recovery.MaxBackoff(),
		MaxAttempts:  cfg.Recovery.MaxAttempts,
		HealthyReset: cfg.Recovery.HealthyReset(),
	}
}

// Engine schedules restarts for degraded instances.
type Engine struct {
	lifecycle Lifecycle
	health    HealthReader
	eventBus  bus.EventBus
	recorder  audit.Recorder
	metrics   *metrics.Metrics
	cfg       Config
	logger    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	agents map[string]*agentRecovery
	sub    bus.Subscription
}

// agentRecovery is the engine's bookkeeping for one instance.
type agentRecovery struct {
	attempts    int
	backoff     *backoff.ExponentialBackOff
	cancel      context.CancelFunc // set while a restart is pending or running
	run         int                // generation of the goroutine owning cancel
	restarting  bool               // the engine's own RecoveryRestart is in flight
	restartedAt time.Time
	lastFailure time.Time
}

// NewEngine creates an engine. Call Start to subscribe to health results.
func NewEngine(lc Lifecycle, health HealthReader, eventBus bus.EventBus, recorder audit.Recorder, cfg Config, log *logger.Logger) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		lifecycle: lc,
		health:    health,
		eventBus:  eventBus,
		recorder:  recorder,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "recovery-engine")),
		ctx:       ctx,
		cancel:    cancel,
		agents:    make(map[string]*agentRecovery),
	}
}

func (e *Engine) SetMetrics(mt *metrics.Metrics) { e.metrics = mt }

// Start subscribes to health results.
func (e *Engine) Start() error {
	sub, err := e.eventBus.QueueSubscribe(events.HealthWildcardSubject, QueueGroup, func(ctx context.Context, ev *bus.Event) error {
		if id := ev.String("agent_id"); id != "" {
			e.Evaluate(ctx, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to health results: %w", err)
	}
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
	e.logger.Info("recovery engine started",
		zap.Int("threshold", e.cfg.Threshold),
		zap.Int("max_attempts", e.cfg.MaxAttempts))
	return nil
}

// Stop unsubscribes, cancels pending restarts and waits for them.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.sub != nil {
		_ = e.sub.Unsubscribe()
		e.sub = nil
	}
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

// OnStateChange cancels pending work for stopped or removed instances and
// picks up degraded instances restored at boot. A move into running that the
// engine did not make supersedes any pending restart and starts the healthy
// period after which attempts reset.
func (e *Engine) OnStateChange(_ context.Context, change lifecycle.Change) {
	id := change.Record.ID
	switch {
	case change.Removed, change.Record.State == v1.AgentStateStopped:
		e.forget(id)
	case change.From == "" && change.Record.State == v1.AgentStateDegraded:
		e.schedule(id)
	case change.Record.State == v1.AgentStateRunning:
		e.restartedElsewhere(id)
	}
}

func (e *Engine) restartedElsewhere(id string) {
	e.mu.Lock()
	r, ok := e.agents[id]
	if !ok || r.restarting {
		e.mu.Unlock()
		return
	}
	r.restartedAt = time.Now()
	cancel := r.cancel
	r.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Evaluate applies the recovery policy to the latest health of id.
func (e *Engine) Evaluate(ctx context.Context, id string) {
	state, err := e.lifecycle.GetState(id)
	if err != nil {
		e.forget(id)
		return
	}
	h := e.health.Get(id)

	e.mu.Lock()
	r := e.entry(id)
	pending := r.cancel != nil
	if h.ConsecutiveFailures > 0 {
		r.lastFailure = time.Now()
	}
	switch {
	case h.ConsecutiveFailures == 0 && h.Status == v1.HealthHealthy:
		reset := r.attempts > 0 && !pending && !r.restartedAt.IsZero() &&
			time.Since(healthySince(r)) >= e.cfg.HealthyReset
		if reset {
			r.attempts = 0
			r.backoff.Reset()
			r.restartedAt = time.Time{}
			r.lastFailure = time.Time{}
		}
		e.mu.Unlock()
		if reset {
			e.lifecycle.SetRecoveryStatus(id, 0, nil)
			e.audit(ctx, "recovery.reset", id, nil, "healthy since last restart")
			e.logger.Info("recovery backoff reset", zap.String("agent_id", id))
		}
		return
	case pending:
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	switch {
	case state == v1.AgentStateRunning && h.ConsecutiveFailures >= e.cfg.Threshold:
		reason := fmt.Sprintf("%d consecutive failed health checks", h.ConsecutiveFailures)
		if h.LastError != "" {
			reason += ": " + h.LastError
		}
		if _, err := e.lifecycle.MarkDegraded(ctx, id, reason); err != nil {
			e.logger.Debug("could not mark agent degraded", zap.String("agent_id", id), zap.Error(err))
			return
		}
		e.schedule(id)
	case state == v1.AgentStateDegraded:
		e.schedule(id)
	}
}

// healthySince is the start of the current healthy period: the later of the
// last restart and the last failed check.
func healthySince(r *agentRecovery) time.Time {
	if r.lastFailure.After(r.restartedAt) {
		return r.lastFailure
	}
	return r.restartedAt
}

// entry returns the bookkeeping for id. Callers hold e.mu.
func (e *Engine) entry(id string) *agentRecovery {
	r, ok := e.agents[id]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = e.cfg.BaseBackoff
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxInterval = e.cfg.MaxBackoff
		b.Reset()
		r = &agentRecovery{backoff: b}
		e.agents[id] = r
	}
	return r
}

// Attempts returns the restart attempts made since the last reset.
func (e *Engine) Attempts(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.agents[id]; ok {
		return r.attempts
	}
	return 0
}

func (e *Engine) schedule(id string) {
	e.mu.Lock()
	r := e.entry(id)
	if r.cancel != nil || e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	r.cancel = cancel
	r.run++
	run := r.run
	e.wg.Add(1)
	e.mu.Unlock()

	go e.recover(ctx, id, r, run)
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	r, ok := e.agents[id]
	delete(e.agents, id)
	e.mu.Unlock()
	if ok && r.cancel != nil {
		r.cancel()
	}
}

// recover waits out the backoff and restarts until the instance runs again,
// recovery is abandoned, or attempts run out.
func (e *Engine) recover(ctx context.Context, id string, r *agentRecovery, run int) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		if r.run == run {
			r.cancel = nil
		}
		e.mu.Unlock()
	}()

	log := e.logger.WithAgentID(id)
	for {
		e.mu.Lock()
		if r.attempts >= e.cfg.MaxAttempts {
			attempts := r.attempts
			e.mu.Unlock()
			e.giveUp(ctx, id, attempts)
			return
		}
		delay := r.backoff.NextBackOff()
		r.attempts++
		attempt := r.attempts
		e.mu.Unlock()

		next := time.Now().Add(delay).UTC()
		e.lifecycle.SetRecoveryStatus(id, attempt, &next)
		e.metrics.Recovery(metrics.RecoveryAttempt)
		e.audit(ctx, "recovery.scheduled", id, nil, fmt.Sprintf("attempt %d of %d in %s", attempt, e.cfg.MaxAttempts, delay))
		e.publish(ctx, id, events.RecoveryScheduled, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		})
		log.Info("restart scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		e.mu.Lock()
		r.restarting = true
		e.mu.Unlock()
		_, err := e.lifecycle.RecoveryRestart(ctx, id)
		e.mu.Lock()
		r.restarting = false
		if err == nil {
			r.restartedAt = time.Now()
		}
		e.mu.Unlock()
		switch {
		case err == nil:
			e.lifecycle.SetRecoveryStatus(id, attempt, nil)
			e.metrics.Recovery(metrics.RecoverySuccess)
			log.Info("agent recovered", zap.Int("attempt", attempt))
			return
		case errors.Is(err, agenterr.ErrInvalidTransition), errors.Is(err, agenterr.ErrAgentNotFound), ctx.Err() != nil:
			// Someone else moved the instance on.
			return
		default:
			e.metrics.Recovery(metrics.RecoveryFailure)
			log.Warn("recovery restart failed", zap.Int("attempt", attempt), zap.Error(err))
		}
	}
}

func (e *Engine) giveUp(ctx context.Context, id string, attempts int) {
	reason := fmt.Sprintf("recovery exhausted after %d attempts", attempts)
	if _, err := e.lifecycle.GiveUp(ctx, id, reason); err != nil {
		e.logger.Warn("failed to give up on agent", zap.String("agent_id", id), zap.Error(err))
		return
	}
	e.metrics.Recovery(metrics.RecoveryExhausted)
	e.logger.Error("agent recovery exhausted", zap.String("agent_id", id), zap.Int("attempts", attempts))
}

func (e *Engine) audit(ctx context.Context, action, target string, err error, reason string) {
	if e.recorder == nil {
		return
	}
	ev := audit.Event(action, target, err)
	if err == nil {
		ev.Reason = reason
	}
	if recErr := e.recorder.Record(ctx, ev); recErr != nil {
		e.logger.Error("failed to record audit event", zap.String("action", action), zap.Error(recErr))
	}
}

func (e *Engine) publish(ctx context.Context, id, eventType string, data map[string]any) {
	if e.eventBus == nil {
		return
	}
	data["agent_id"] = id
	if err := e.eventBus.Publish(ctx, events.AgentSubject(id), bus.NewEvent(eventType, "recovery-engine", data)); err != nil {
		e.logger.Warn("failed to publish recovery event", zap.String("agent_id", id), zap.Error(err))
	}
}
