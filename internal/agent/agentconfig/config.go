// Package agentconfig holds the runtime-neutral agent configuration and the
// seams that turn it into what a runtime consumes: a ConfigTranslator for the
// native document and a SecretVault for credentials.
package agentconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RedactedValue replaces secret references in rendered configs.
const RedactedValue = "<redacted>"

// Config is the canonical agent configuration.
type Config struct {
	Name     string         `json:"name" yaml:"name"`
	Runtime  string         `json:"runtime" yaml:"runtime"`
	Model    ModelConfig    `json:"model" yaml:"model"`
	Tools    []ToolConfig   `json:"tools,omitempty" yaml:"tools,omitempty"`
	Channels []Channel      `json:"channels,omitempty" yaml:"channels,omitempty"`
	Security Security       `json:"security" yaml:"security"`
	Extras   map[string]any `json:"extras,omitempty" yaml:"extras,omitempty"`
}

// ModelConfig selects the LLM. APIKeyRef is a vault reference, never a key.
type ModelConfig struct {
	Provider  string `json:"provider" yaml:"provider"`
	Name      string `json:"name" yaml:"name"`
	APIKeyRef string `json:"api_key_ref,omitempty" yaml:"apiKeyRef,omitempty"`
}

type ToolConfig struct {
	Name    string `json:"name" yaml:"name"`
	Allowed bool   `json:"allowed" yaml:"allowed"`
}

type Channel struct {
	Channel string `json:"channel" yaml:"channel"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type Security struct {
	Allowlist []string `json:"allowlist,omitempty" yaml:"allowlist,omitempty"`
	Sandboxed bool     `json:"sandboxed" yaml:"sandboxed"`
}

// Validate checks the fields every runtime needs.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if strings.TrimSpace(c.Model.Provider) == "" || strings.TrimSpace(c.Model.Name) == "" {
		errs = append(errs, errors.New("model provider and name must not be empty"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to log or return over the API.
func (c Config) Redacted() Config {
	out := c
	if out.Model.APIKeyRef != "" {
		out.Model.APIKeyRef = RedactedValue
	}
	return out
}

// Translator converts between the canonical config and a runtime's native document.
type Translator interface {
	ToRuntime(c Config) ([]byte, error)
	FromRuntime(native []byte) (Config, error)
}

// JSONTranslator renders the canonical config as JSON. It is the fallback for
// runtimes without a dedicated translator.
type JSONTranslator struct{}

func (JSONTranslator) ToRuntime(c Config) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

func (JSONTranslator) FromRuntime(native []byte) (Config, error) {
	var c Config
	if len(native) == 0 {
		return c, errors.New("empty runtime config")
	}
	if err := json.Unmarshal(native, &c); err != nil {
		return c, fmt.Errorf("decode runtime config: %w", err)
	}
	return c, nil
}

// TranslatorSet picks a translator per runtime, falling back to JSONTranslator.
type TranslatorSet struct {
	byRuntime map[string]Translator
	fallback  Translator
}

// NewTranslatorSet returns an empty set with the JSON fallback.
func NewTranslatorSet() *TranslatorSet {
	return &TranslatorSet{byRuntime: map[string]Translator{}, fallback: JSONTranslator{}}
}

// Register binds t to runtime.
func (s *TranslatorSet) Register(runtime string, t Translator) {
	s.byRuntime[runtime] = t
}

// For returns the translator for runtime.
func (s *TranslatorSet) For(runtime string) Translator {
	if t, ok := s.byRuntime[runtime]; ok {
		return t
	}
	return s.fallback
}
