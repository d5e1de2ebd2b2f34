package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/events"
	"github.com/codervisor/clawden/internal/events/bus"
	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// Bridge operations, the last token of a bridge subject.
const (
	BridgeOpInstall   = "install"
	BridgeOpStart     = "start"
	BridgeOpStop      = "stop"
	BridgeOpRestart   = "restart"
	BridgeOpHealth    = "health"
	BridgeOpMetrics   = "metrics"
	BridgeOpSend      = "send"
	BridgeOpGetConfig = "config_get"
	BridgeOpSetConfig = "config_set"
)

const bridgeScheme = "bridge://"

// BridgeAdapter drives constrained devices that cannot host the HTTP control
// protocol. Every operation is a request/reply on the event bus; a device
// bridge process answers on clawden.bridge.<device>.<op>.
type BridgeAdapter struct {
	desc    runtime.Descriptor
	bus     bus.EventBus
	timeout time.Duration
	logger  *logger.Logger
}

func NewBridgeAdapter(d runtime.Descriptor, deps Deps, log *logger.Logger) *BridgeAdapter {
	timeout := deps.BridgeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BridgeAdapter{
		desc:    d,
		bus:     deps.Bus,
		timeout: timeout,
		logger:  log.WithRuntime(string(d.Name)).WithFields(zap.String("adapter", "bridge")),
	}
}

func (a *BridgeAdapter) Descriptor() runtime.Descriptor { return a.desc }

// Device returns the bridge device id of h: the endpoint's bridge:// host, else the instance id.
func Device(h Handle) string {
	if d, ok := strings.CutPrefix(h.Locator.Endpoint, bridgeScheme); ok && d != "" {
		return d
	}
	return h.ID
}

// Install asks the device named by spec.Source to install the runtime.
func (a *BridgeAdapter) Install(ctx context.Context, spec InstallSpec) (*v1.InstallRecord, error) {
	device := strings.TrimPrefix(spec.Source, bridgeScheme)
	reply, err := a.request(ctx, device, BridgeOpInstall, map[string]any{
		"runtime":  string(a.desc.Name),
		"version":  spec.Version,
		"checksum": spec.Checksum,
	})
	if err != nil {
		return nil, err
	}
	return &v1.InstallRecord{
		Runtime:     string(a.desc.Name),
		Version:     firstNonEmpty(reply.String("version"), spec.Version),
		Path:        bridgeScheme + firstNonEmpty(reply.String("device"), device),
		Checksum:    reply.String("checksum"),
		InstalledAt: time.Now().UTC(),
	}, nil
}

func (a *BridgeAdapter) Start(ctx context.Context, h Handle, cfg StartConfig) (v1.Locator, error) {
	device := Device(h)
	if _, err := a.request(ctx, device, BridgeOpStart, map[string]any{"config": string(cfg.Config)}); err != nil {
		return v1.Locator{}, err
	}
	return v1.Locator{Endpoint: bridgeScheme + device}, nil
}

func (a *BridgeAdapter) Stop(ctx context.Context, h Handle) error {
	_, err := a.request(ctx, Device(h), BridgeOpStop, nil)
	return err
}

func (a *BridgeAdapter) Restart(ctx context.Context, h Handle, cfg StartConfig) (v1.Locator, error) {
	device := Device(h)
	if _, err := a.request(ctx, device, BridgeOpRestart, map[string]any{"config": string(cfg.Config)}); err != nil {
		return v1.Locator{}, err
	}
	return v1.Locator{Endpoint: bridgeScheme + device}, nil
}

func (a *BridgeAdapter) Health(ctx context.Context, h Handle) (v1.HealthStatus, error) {
	reply, err := a.request(ctx, Device(h), BridgeOpHealth, nil)
	if err != nil {
		if errors.Is(err, bus.ErrRequestTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return v1.HealthUnknown, fmt.Errorf("%w: bridge %s", agenterr.ErrHealthCheckTimeout, Device(h))
		}
		return v1.HealthUnhealthy, err
	}
	switch s := v1.HealthStatus(reply.String("status")); s {
	case v1.HealthHealthy, v1.HealthDegraded, v1.HealthUnhealthy:
		return s, nil
	}
	return v1.HealthUnknown, nil
}

func (a *BridgeAdapter) Metrics(ctx context.Context, h Handle) (*v1.AgentMetrics, error) {
	reply, err := a.request(ctx, Device(h), BridgeOpMetrics, nil)
	if err != nil {
		return nil, err
	}
	return &v1.AgentMetrics{
		CPUPercent: number(reply.Data["cpu_percent"]),
		MemoryMB:   number(reply.Data["memory_mb"]),
		QueueDepth: reply.Int("queue_depth"),
	}, nil
}

func (a *BridgeAdapter) Send(ctx context.Context, h Handle, msg v1.Message) (*v1.MessageResponse, error) {
	reply, err := a.request(ctx, Device(h), BridgeOpSend, map[string]any{
		"id":      msg.ID,
		"channel": msg.Channel,
		"content": msg.Content,
	})
	if err != nil {
		return nil, err
	}
	return &v1.MessageResponse{ID: reply.String("id"), Content: reply.String("content"), AgentID: h.ID}, nil
}

// Subscribe relays device events published on clawden.bridge.<device>.events.<topic>.
func (a *BridgeAdapter) Subscribe(ctx context.Context, h Handle, topic string) (<-chan v1.StreamEvent, error) {
	out := make(chan v1.StreamEvent, 32)
	var mu sync.Mutex
	closed := false
	sub, err := a.bus.Subscribe(events.BridgeEventSubject(Device(h), topic), func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return nil
		}
		select {
		case out <- v1.StreamEvent{Topic: topic, Type: e.Type, Data: e.Data, Timestamp: e.Timestamp}:
		default:
			a.logger.Warn("dropping bridge event for slow subscriber", zap.String("agent_id", h.ID))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agenterr.ErrCommunication, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

func (a *BridgeAdapter) GetConfig(ctx context.Context, h Handle) ([]byte, error) {
	reply, err := a.request(ctx, Device(h), BridgeOpGetConfig, nil)
	if err != nil {
		return nil, err
	}
	return []byte(reply.String("config")), nil
}

func (a *BridgeAdapter) SetConfig(ctx context.Context, h Handle, native []byte) error {
	_, err := a.request(ctx, Device(h), BridgeOpSetConfig, map[string]any{"config": string(native)})
	return err
}

// request sends op to device and returns the reply. A reply carrying an
// "error" field fails with ErrCommunication.
func (a *BridgeAdapter) request(ctx context.Context, device, op string, data map[string]any) (*bus.Event, error) {
	if device == "" {
		return nil, fmt.Errorf("%w: no bridge device", agenterr.ErrCommunication)
	}
	timeout := a.timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	evt := bus.NewEvent("bridge."+op, "clawden", data)
	reply, err := a.bus.Request(ctx, events.BridgeSubject(device, op), evt, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: bridge %s %s: %w", agenterr.ErrCommunication, device, op, err)
	}
	if msg := reply.String("error"); msg != "" {
		return nil, fmt.Errorf("%w: bridge %s %s: %s", agenterr.ErrCommunication, device, op, msg)
	}
	return reply, nil
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
