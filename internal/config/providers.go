package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed providers_default.yaml
var defaultProvidersYAML []byte

// Provider kinds.
const (
	KindSDK       = "sdk"
	KindAppServer = "app-server"
	KindACP       = "acp"
)

// ErrPrefixCollision is returned when one provider id is a prefix of another.
// Session ids carry their provider id as a prefix, so such pairs are ambiguous.
var ErrPrefixCollision = errors.New("provider ids must not prefix one another")

// ProviderDef describes one agent backend.
type ProviderDef struct {
	ID      string            `yaml:"id"`
	Kind    string            `yaml:"kind"`
	Name    string            `yaml:"name"`
	Enabled *bool             `yaml:"enabled"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	DefaultModel string   `yaml:"default_model"`
	Models       []string `yaml:"models"`
	HiddenModels []string `yaml:"hidden_models"`

	// SDK backends only.
	Engine          string            `yaml:"engine"`
	APIKeyEnv       string            `yaml:"api_key_env"`
	BaseURL         string            `yaml:"base_url"`
	Headers         map[string]string `yaml:"headers"`
	ReasoningEffort string            `yaml:"reasoning_effort"`

	// App-server backends only.
	ApprovalPolicy string `yaml:"approval_policy"`
	Sandbox        string `yaml:"sandbox"`
}

// IsEnabled reports whether the provider should be started. Providers are
// enabled unless explicitly switched off.
func (p ProviderDef) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// APIKey resolves the provider's API key from its configured variable.
func (p ProviderDef) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// IsHidden reports whether a model is configured as hidden for this provider.
func (p ProviderDef) IsHidden(model string) bool {
	for _, h := range p.HiddenModels {
		if strings.EqualFold(h, model) {
			return true
		}
	}
	return false
}

type providersFile struct {
	Providers []ProviderDef `yaml:"providers"`
}

// LoadProviderDefs parses the embedded defaults and merges the optional user
// file at path. User entries override default entries field by field when ids
// match; unknown ids are appended in file order.
func LoadProviderDefs(path string) ([]ProviderDef, error) {
	var defaults providersFile
	if err := yaml.Unmarshal(defaultProvidersYAML, &defaults); err != nil {
		return nil, fmt.Errorf("parse embedded providers: %w", err)
	}
	if path == "" {
		return defaults.Providers, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	var user providersFile
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("parse providers file %s: %w", path, err)
	}
	return mergeProviders(defaults.Providers, user.Providers), nil
}

func mergeProviders(base, overrides []ProviderDef) []ProviderDef {
	out := make([]ProviderDef, len(base))
	copy(out, base)
	index := make(map[string]int, len(out))
	for i, p := range out {
		index[p.ID] = i
	}

	for _, o := range overrides {
		i, ok := index[o.ID]
		if !ok {
			index[o.ID] = len(out)
			out = append(out, o)
			continue
		}
		out[i] = overlay(out[i], o)
	}
	return out
}

func overlay(d, o ProviderDef) ProviderDef {
	if o.Kind != "" {
		d.Kind = o.Kind
	}
	if o.Name != "" {
		d.Name = o.Name
	}
	if o.Enabled != nil {
		d.Enabled = o.Enabled
	}
	if o.Command != "" {
		d.Command = o.Command
	}
	if o.Args != nil {
		d.Args = o.Args
	}
	if len(o.Env) > 0 {
		env := make(map[string]string, len(d.Env)+len(o.Env))
		for k, v := range d.Env {
			env[k] = v
		}
		for k, v := range o.Env {
			env[k] = v
		}
		d.Env = env
	}
	if o.DefaultModel != "" {
		d.DefaultModel = o.DefaultModel
	}
	if o.Models != nil {
		d.Models = o.Models
	}
	if o.HiddenModels != nil {
		d.HiddenModels = o.HiddenModels
	}
	if o.Engine != "" {
		d.Engine = o.Engine
	}
	if o.APIKeyEnv != "" {
		d.APIKeyEnv = o.APIKeyEnv
	}
	if o.BaseURL != "" {
		d.BaseURL = o.BaseURL
	}
	if len(o.Headers) > 0 {
		d.Headers = o.Headers
	}
	if o.ReasoningEffort != "" {
		d.ReasoningEffort = o.ReasoningEffort
	}
	if o.ApprovalPolicy != "" {
		d.ApprovalPolicy = o.ApprovalPolicy
	}
	if o.Sandbox != "" {
		d.Sandbox = o.Sandbox
	}
	return d
}

// ValidateProviders checks the enabled provider set: ids must be non-empty,
// unique and prefix-free, kinds must be known and each kind must carry the
// fields it needs.
func ValidateProviders(defs []ProviderDef) error {
	var ids []string
	for _, p := range defs {
		if !p.IsEnabled() {
			continue
		}
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("provider with empty id")
		}
		if strings.Contains(p.ID, "-") {
			return fmt.Errorf("provider %q: id must not contain '-'", p.ID)
		}
		switch p.Kind {
		case KindSDK:
			if p.Engine != "openai" && p.Engine != "anthropic" {
				return fmt.Errorf("provider %q: unknown engine %q", p.ID, p.Engine)
			}
		case KindAppServer, KindACP:
			if p.Command == "" {
				return fmt.Errorf("provider %q: command is required for kind %s", p.ID, p.Kind)
			}
		default:
			return fmt.Errorf("provider %q: unknown kind %q", p.ID, p.Kind)
		}
		for _, other := range ids {
			if other == p.ID {
				return fmt.Errorf("provider %q defined twice", p.ID)
			}
			if strings.HasPrefix(other, p.ID) || strings.HasPrefix(p.ID, other) {
				return fmt.Errorf("%w: %q and %q", ErrPrefixCollision, other, p.ID)
			}
		}
		ids = append(ids, p.ID)
	}
	return nil
}
