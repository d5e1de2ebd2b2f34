package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/agent/lifecycle"
	"github.com/codervisor/clawden/internal/common/config"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/events"
	"github.com/codervisor/clawden/internal/events/bus"
	"github.com/codervisor/clawden/internal/metrics"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// Prober runs one health check against an instance.
type Prober interface {
	CheckHealth(ctx context.Context, id string) (v1.HealthStatus, error)
}

// Config tunes the monitor.
type Config struct {
	Interval time.Duration
	// Timeout bounds each check. It is capped at Interval.
	Timeout time.Duration
}

// ConfigFrom reads the health section.
func ConfigFrom(cfg *config.Config) Config {
	return Config{Interval: cfg.Health.Interval(), Timeout: cfg.Health.Timeout()}
}

// Monitor polls every running or degraded instance on its own goroutine.
// It writes the table and publishes results; it never changes state.
type Monitor struct {
	prober   Prober
	table    *Table
	eventBus bus.EventBus
	metrics  *metrics.Metrics
	cfg      Config
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watches map[string]*watch
	wg      sync.WaitGroup
}

type watch struct {
	cancel   context.CancelFunc
	inflight atomic.Bool
	checks   sync.WaitGroup
}

// NewMonitor creates a monitor. Watches begin as soon as instances are reported.
func NewMonitor(prober Prober, table *Table, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 || cfg.Timeout > cfg.Interval {
		cfg.Timeout = cfg.Interval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		prober:   prober,
		table:    table,
		eventBus: eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "health-monitor")),
		ctx:      ctx,
		cancel:   cancel,
		watches:  make(map[string]*watch),
	}
}

func (m *Monitor) SetMetrics(mt *metrics.Metrics) { m.metrics = mt }

// OnStateChange starts or stops the watch for the changed instance.
func (m *Monitor) OnStateChange(_ context.Context, change lifecycle.Change) {
	id := change.Record.ID
	if change.Removed {
		m.Unwatch(id)
		m.table.Remove(id)
		return
	}
	switch change.Record.State {
	case v1.AgentStateRunning:
		// A fresh process starts from a clean slate, including after a restart.
		m.table.Reset(id)
		m.Watch(id)
	case v1.AgentStateDegraded:
		m.Watch(id)
	default:
		m.Unwatch(id)
	}
}

// Watch starts polling id unless it is already watched.
func (m *Monitor) Watch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[id]; ok || m.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	w := &watch{cancel: cancel}
	m.watches[id] = w
	m.wg.Add(1)
	go m.loop(ctx, id, w)
	m.logger.Debug("watching agent", zap.String("agent_id", id))
}

// Unwatch stops polling id.
func (m *Monitor) Unwatch(id string) {
	m.mu.Lock()
	w, ok := m.watches[id]
	delete(m.watches, id)
	m.mu.Unlock()
	if ok {
		w.cancel()
		m.logger.Debug("stopped watching agent", zap.String("agent_id", id))
	}
}

// Watched reports whether id is being polled.
func (m *Monitor) Watched(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[id]
	return ok
}

// Stop cancels every watch and waits for in-flight checks.
func (m *Monitor) Stop() {
	m.cancel()
	m.mu.Lock()
	m.watches = make(map[string]*watch)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, id string, w *watch) {
	defer m.wg.Done()
	defer w.checks.Wait()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.inflight.CompareAndSwap(false, true) {
				m.logger.Debug("skipping tick, previous check pending", zap.String("agent_id", id))
				continue
			}
			w.checks.Add(1)
			go func() {
				defer w.checks.Done()
				defer w.inflight.Store(false)
				m.Check(ctx, id)
			}()
		}
	}
}

// Check runs one bounded check, records it and publishes the result. The
// second return is false when the result was discarded.
func (m *Monitor) Check(ctx context.Context, id string) (v1.Health, bool) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	status, err := m.prober.CheckHealth(cctx, id)
	cancel()

	if ctx.Err() != nil || errors.Is(err, agenterr.ErrAgentNotFound) {
		return v1.Health{}, false
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, agenterr.ErrHealthCheckTimeout) {
		err = fmt.Errorf("%w: %w", agenterr.ErrHealthCheckTimeout, err)
	}

	h := m.table.Record(id, status, err, time.Now().UTC())
	m.metrics.HealthCheck(string(h.Status))
	if h.ConsecutiveFailures > 0 {
		m.logger.Debug("health check failed",
			zap.String("agent_id", id),
			zap.String("status", string(h.Status)),
			zap.Int("consecutive_failures", h.ConsecutiveFailures),
			zap.Error(err))
	}
	m.publish(id, h)
	return h, true
}

func (m *Monitor) publish(id string, h v1.Health) {
	if m.eventBus == nil {
		return
	}
	ev := bus.NewEvent(events.HealthChecked, "health-monitor", map[string]any{
		"agent_id":             id,
		"status":               string(h.Status),
		"consecutive_failures": h.ConsecutiveFailures,
		"error":                h.LastError,
	})
	if err := m.eventBus.Publish(m.ctx, events.HealthSubject(id), ev); err != nil {
		m.logger.Warn("failed to publish health result", zap.String("agent_id", id), zap.Error(err))
	}
}
