// Package runtime describes the claw runtimes clawden knows how to host.
package runtime

import (
	"context"
	_ "embed"
	"fmt"
	goruntime "runtime"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// Name identifies a runtime family, e.g. "picoclaw".
type Name string

// Method is a runtime's default communication method.
type Method string

const (
	MethodProcess Method = "process" // Container or native process with an HTTP control port
	MethodRemote  Method = "remote"  // Existing HTTP/WebSocket service
	MethodBridge  Method = "bridge"  // Constrained device behind a message bridge
)

// Descriptor is the immutable description of a runtime family.
type Descriptor struct {
	Name         Name               `yaml:"name" json:"name"`
	Language     string             `yaml:"language" json:"language"`
	Capabilities []string           `yaml:"capabilities" json:"capabilities"`
	Method       Method             `yaml:"method" json:"method"`
	Modes        []v1.ExecutionMode `yaml:"modes" json:"modes"`
	Image        string             `yaml:"image,omitempty" json:"image,omitempty"`
	Port         int                `yaml:"port,omitempty" json:"port,omitempty"`
	HealthPath   string             `yaml:"healthPath,omitempty" json:"health_path,omitempty"`
	CostTier     int                `yaml:"costTier" json:"cost_tier"`
	Source       string             `yaml:"source,omitempty" json:"source,omitempty"`
}

// Supports reports whether the runtime can run in mode.
func (d Descriptor) Supports(mode v1.ExecutionMode) bool {
	return slices.Contains(d.Modes, mode)
}

// HasCapabilities reports whether every capability in required is offered.
func (d Descriptor) HasCapabilities(required []string) bool {
	for _, c := range required {
		if !slices.Contains(d.Capabilities, c) {
			return false
		}
	}
	return true
}

// SourceURL expands the install source template for version on this host.
func (d Descriptor) SourceURL(version string) string {
	if d.Source == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{version}", strings.TrimPrefix(version, "v"),
		"{os}", goruntime.GOOS,
		"{arch}", goruntime.GOARCH,
	)
	return r.Replace(d.Source)
}

// EnvKey returns the runtime name in environment-variable form (upper case, '-' as '_').
func (n Name) EnvKey() string {
	return strings.ToUpper(strings.ReplaceAll(string(n), "-", "_"))
}

//go:embed runtimes.yaml
var builtinCatalog []byte

// Catalog is a read-only set of runtime descriptors.
type Catalog struct {
	byName map[Name]Descriptor
}

type catalogFile struct {
	Runtimes []Descriptor `yaml:"runtimes"`
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse runtime catalog: %w", err)
	}
	c := &Catalog{byName: make(map[Name]Descriptor, len(f.Runtimes))}
	for _, d := range f.Runtimes {
		if d.Name == "" {
			return nil, fmt.Errorf("runtime catalog entry without a name")
		}
		if _, dup := c.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate runtime %q in catalog", d.Name)
		}
		if len(d.Modes) == 0 {
			return nil, fmt.Errorf("runtime %q declares no execution modes", d.Name)
		}
		c.byName[d.Name] = d
	}
	return c, nil
}

var (
	builtinOnce sync.Once
	builtin     *Catalog
	builtinErr  error
)

// Builtin returns the embedded catalog.
func Builtin() (*Catalog, error) {
	builtinOnce.Do(func() {
		builtin, builtinErr = ParseCatalog(builtinCatalog)
	})
	return builtin, builtinErr
}

// Get looks up a descriptor.
func (c *Catalog) Get(name Name) (Descriptor, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// List returns every descriptor sorted by name.
func (c *Catalog) List() []Descriptor {
	out := make([]Descriptor, 0, len(c.byName))
	for _, d := range c.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DockerProbe reports whether a container engine is reachable.
type DockerProbe func(ctx context.Context) bool

// ResolveMode turns a requested mode, possibly auto, into a concrete mode for d.
// Auto prefers a container when the runtime supports it and Docker answers,
// then native, then remote.
func ResolveMode(ctx context.Context, d Descriptor, requested v1.ExecutionMode, dockerAvailable DockerProbe) (v1.ExecutionMode, error) {
	if requested == "" {
		requested = v1.ModeAuto
	}
	if requested != v1.ModeAuto {
		if !d.Supports(requested) {
			return "", fmt.Errorf("runtime %s does not support %s mode", d.Name, requested)
		}
		return requested, nil
	}
	if d.Supports(v1.ModeContainer) && dockerAvailable != nil && dockerAvailable(ctx) {
		return v1.ModeContainer, nil
	}
	if d.Supports(v1.ModeNative) {
		return v1.ModeNative, nil
	}
	if d.Supports(v1.ModeRemote) {
		return v1.ModeRemote, nil
	}
	return "", fmt.Errorf("runtime %s has no usable execution mode", d.Name)
}
