package agentconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrSecretNotFound is returned when a reference does not resolve.
var ErrSecretNotFound = errors.New("secret not found")

// SecretVault resolves secret references to plaintext at start time.
type SecretVault interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvVault resolves "env:NAME" references from the process environment.
type EnvVault struct{}

func (EnvVault) Resolve(_ context.Context, ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "env:")
	if !ok || name == "" {
		return "", fmt.Errorf("unsupported secret reference %q", ref)
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}
	return v, nil
}

// MapVault resolves references from a fixed map.
type MapVault map[string]string

func (m MapVault) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := m[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}
	return v, nil
}

// ResolveAll resolves every value in refs (env var name to reference).
func ResolveAll(ctx context.Context, vault SecretVault, refs map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	for key, ref := range refs {
		v, err := vault.Resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}
