package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/agent/process"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/events/bus"
	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// ErrAdapterNotFound is returned when no adapter is registered for a runtime.
var ErrAdapterNotFound = errors.New("adapter not found")

// Registry maps runtime names to adapters.
type Registry struct {
	adapters map[runtime.Name]Adapter
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		adapters: make(map[runtime.Name]Adapter),
		logger:   log,
	}
}

// Register adds a, replacing any adapter with the same runtime name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Descriptor().Name
	r.adapters[name] = a
	r.logger.Debug("registered adapter", zap.String("runtime", string(name)), zap.String("method", string(a.Descriptor().Method)))
}

// Get returns the adapter for name.
func (r *Registry) Get(name runtime.Name) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, name)
	}
	return a, nil
}

// List returns the registered runtime names, sorted.
func (r *Registry) List() []runtime.Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]runtime.Name, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Descriptors returns the descriptors of every registered adapter, sorted by name.
func (r *Registry) Descriptors() []runtime.Descriptor {
	names := r.List()
	out := make([]runtime.Descriptor, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range names {
		out = append(out, r.adapters[n].Descriptor())
	}
	return out
}

// DetectRuntimeForCapability returns the runtimes offering every capability
// in required, cheapest first.
func (r *Registry) DetectRuntimeForCapability(required []string) []runtime.Name {
	var matches []runtime.Descriptor
	for _, d := range r.Descriptors() {
		if d.HasCapabilities(required) {
			matches = append(matches, d)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].CostTier < matches[j].CostTier })
	out := make([]runtime.Name, len(matches))
	for i, d := range matches {
		out[i] = d.Name
	}
	return out
}

// Deps are the collaborators the builtin adapters need.
type Deps struct {
	Backends  process.Backends
	Installer Installer
	Images    ImageStore
	Bus       bus.EventBus

	// ReadyTimeout bounds the readiness probe after a start.
	ReadyTimeout  time.Duration
	// BridgeTimeout bounds bridge requests when ctx carries no deadline.
	BridgeTimeout time.Duration
}

// NewBuiltinRegistry builds one adapter per enabled runtime. An empty enabled
// list enables the whole catalog. A name missing from the catalog fails with
// ErrUnknownRuntime.
func NewBuiltinRegistry(enabled []string, catalog *runtime.Catalog, deps Deps, log *logger.Logger) (*Registry, error) {
	var descs []runtime.Descriptor
	if len(enabled) == 0 {
		descs = catalog.List()
	} else {
		var unknown []error
		for _, name := range enabled {
			d, ok := catalog.Get(runtime.Name(name))
			if !ok {
				unknown = append(unknown, fmt.Errorf("%w: %q", agenterr.ErrUnknownRuntime, name))
				continue
			}
			descs = append(descs, d)
		}
		if len(unknown) > 0 {
			return nil, errors.Join(unknown...)
		}
	}

	reg := NewRegistry(log)
	for _, d := range descs {
		switch d.Method {
		case runtime.MethodProcess:
			reg.Register(NewProcessAdapter(d, deps, log))
		case runtime.MethodRemote:
			reg.Register(NewRemoteAdapter(d, deps, log))
		case runtime.MethodBridge:
			if deps.Bus == nil {
				return nil, fmt.Errorf("runtime %s needs an event bus for its bridge", d.Name)
			}
			reg.Register(NewBridgeAdapter(d, deps, log))
		default:
			return nil, fmt.Errorf("runtime %s has unsupported method %q", d.Name, d.Method)
		}
	}
	log.Info("adapter registry ready", zap.Int("runtimes", len(descs)))
	return reg, nil
}

// DockerProbe pings the container engine behind images, if any.
func DockerProbe(images ImageStore) runtime.DockerProbe {
	return func(ctx context.Context) bool {
		if images == nil {
			return false
		}
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return images.Ping(ctx) == nil
	}
}

func readyTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

func modeOrDefault(h Handle) v1.ExecutionMode {
	if h.Mode == "" || h.Mode == v1.ModeAuto {
		return v1.ModeNative
	}
	return h.Mode
}
