package adapter

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/agent/agentclient"
	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// RemoteAdapter drives an instance that already runs elsewhere and exposes
// the control protocol over HTTP and WebSocket. Stopping only detaches.
type RemoteAdapter struct {
	desc         runtime.Descriptor
	readyTimeout time.Duration
	logger       *logger.Logger
}

func NewRemoteAdapter(d runtime.Descriptor, deps Deps, log *logger.Logger) *RemoteAdapter {
	return &RemoteAdapter{
		desc:         d,
		readyTimeout: readyTimeout(deps.ReadyTimeout),
		logger:       log.WithRuntime(string(d.Name)).WithFields(zap.String("adapter", "remote")),
	}
}

func (a *RemoteAdapter) Descriptor() runtime.Descriptor { return a.desc }

// Install has nothing to place locally; it records the remote endpoint.
func (a *RemoteAdapter) Install(_ context.Context, spec InstallSpec) (*v1.InstallRecord, error) {
	return &v1.InstallRecord{
		Runtime:     string(a.desc.Name),
		Version:     spec.Version,
		Path:        spec.Source,
		InstalledAt: time.Now().UTC(),
	}, nil
}

// Start waits for the endpoint to answer and pushes the config.
func (a *RemoteAdapter) Start(ctx context.Context, h Handle, cfg StartConfig) (v1.Locator, error) {
	loc, err := a.locator(h)
	if err != nil {
		return v1.Locator{}, err
	}
	client := agentclient.New(loc.Endpoint, loc.HealthURL, a.logger)
	if err := client.WaitForReady(ctx, a.readyTimeout); err != nil {
		return v1.Locator{}, err
	}
	if len(cfg.Config) > 0 {
		if err := client.SetConfig(ctx, cfg.Config); err != nil {
			return v1.Locator{}, err
		}
	}
	return loc, nil
}

func (a *RemoteAdapter) Stop(_ context.Context, h Handle) error {
	a.logger.Debug("detached from remote instance", zap.String("agent_id", h.ID))
	return nil
}

// Restart asks the remote side to restart and waits for it to come back.
func (a *RemoteAdapter) Restart(ctx context.Context, h Handle, cfg StartConfig) (v1.Locator, error) {
	loc, err := a.locator(h)
	if err != nil {
		return v1.Locator{}, err
	}
	client := agentclient.New(loc.Endpoint, loc.HealthURL, a.logger)
	if err := client.Restart(ctx); err != nil {
		return v1.Locator{}, err
	}
	if err := client.WaitForReady(ctx, a.readyTimeout); err != nil {
		return v1.Locator{}, err
	}
	if len(cfg.Config) > 0 {
		if err := client.SetConfig(ctx, cfg.Config); err != nil {
			return v1.Locator{}, err
		}
	}
	return loc, nil
}

func (a *RemoteAdapter) Health(ctx context.Context, h Handle) (v1.HealthStatus, error) {
	c, err := a.client(h)
	if err != nil {
		return v1.HealthUnknown, err
	}
	return c.Health(ctx)
}

func (a *RemoteAdapter) Metrics(ctx context.Context, h Handle) (*v1.AgentMetrics, error) {
	c, err := a.client(h)
	if err != nil {
		return nil, err
	}
	return c.Metrics(ctx)
}

func (a *RemoteAdapter) Send(ctx context.Context, h Handle, msg v1.Message) (*v1.MessageResponse, error) {
	c, err := a.client(h)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, msg)
}

func (a *RemoteAdapter) Subscribe(ctx context.Context, h Handle, topic string) (<-chan v1.StreamEvent, error) {
	c, err := a.client(h)
	if err != nil {
		return nil, err
	}
	return c.Subscribe(ctx, topic)
}

func (a *RemoteAdapter) GetConfig(ctx context.Context, h Handle) ([]byte, error) {
	c, err := a.client(h)
	if err != nil {
		return nil, err
	}
	return c.GetConfig(ctx)
}

func (a *RemoteAdapter) SetConfig(ctx context.Context, h Handle, native []byte) error {
	c, err := a.client(h)
	if err != nil {
		return err
	}
	return c.SetConfig(ctx, native)
}

// locator resolves the endpoint: the handle's own, else CLAWDEN_REMOTE_URL_<RT>.
func (a *RemoteAdapter) locator(h Handle) (v1.Locator, error) {
	loc := h.Locator
	if loc.Endpoint == "" {
		loc.Endpoint = strings.TrimSpace(os.Getenv("CLAWDEN_REMOTE_URL_" + a.desc.Name.EnvKey()))
	}
	if loc.Endpoint == "" {
		return v1.Locator{}, fmt.Errorf("%w: remote runtime %s has no endpoint", agenterr.ErrResourceUnavailable, a.desc.Name)
	}
	loc.Endpoint = strings.TrimSuffix(loc.Endpoint, "/")
	if loc.HealthURL == "" {
		key := a.desc.Name.EnvKey()
		if u := strings.TrimSpace(os.Getenv("CLAWDEN_HEALTH_URL_" + key)); u != "" {
			loc.HealthURL = u
		} else {
			loc.HealthURL = loc.Endpoint + "/health"
		}
	}
	return loc, nil
}

func (a *RemoteAdapter) client(h Handle) (*agentclient.Client, error) {
	loc, err := a.locator(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agenterr.ErrCommunication, err)
	}
	return agentclient.New(loc.Endpoint, loc.HealthURL, a.logger), nil
}
