package config

import (
	"fmt"
	"os"

	"guardian/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Loader loads configuration from file
type Loader struct {
	path       string
	envEnabled bool
}

// NewLoader creates a config loader
func NewLoader(path string) *Loader {
	return &Loader{
		path:       path,
		envEnabled: true, // Enable env vars by default
	}
}

// WithEnvVars enables or disables environment variable loading
func (l *Loader) WithEnvVars(enabled bool) *Loader {
	l.envEnabled = enabled
	return l
}

// Load loads the configuration
func (l *Loader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeInternal, "failed to read config file").WithCause(err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewError(errors.ErrorTypeInternal, "failed to parse config").WithCause(err)
	}

	// Override with environment variables if enabled
	if l.envEnabled {
		if err := LoadEnv(&cfg); err != nil {
			return nil, errors.NewError(errors.ErrorTypeInternal, "failed to load env vars").WithCause(err)
		}
	}

	applyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, errors.NewError(errors.ErrorTypeBadRequest, "invalid configuration").WithCause(err)
	}

	return &cfg, nil
}

// Load reads, overlays, and validates the config at path
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Validate checks a configuration for inconsistencies
func Validate(cfg *Config) error {
	g := &cfg.Guardian

	switch g.Store.Type {
	case "memory":
	case "redis":
		if g.Store.Redis == nil || g.Store.Redis.Addr == "" {
			return fmt.Errorf("redis store requires an address")
		}
	default:
		return fmt.Errorf("unknown store type: %s", g.Store.Type)
	}

	for i, l := range g.Limiters {
		if l.Type == "" {
			return fmt.Errorf("limiter %d: type is required", i)
		}
		if l.WindowMs <= 0 {
			return fmt.Errorf("limiter %q: windowMs must be positive", l.Type)
		}
		if l.Max <= 0 {
			return fmt.Errorf("limiter %q: max must be positive", l.Type)
		}
	}

	seen := make(map[string]bool)
	for i, r := range g.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true

		switch r.Kind {
		case "jwt":
		case "apikey":
			if r.Header == "" {
				return fmt.Errorf("rule %q: apikey rules require a header", r.Name)
			}
		case "cidr":
			if len(r.CIDRs) == 0 {
				return fmt.Errorf("rule %q: cidr rules require at least one range", r.Name)
			}
		default:
			return fmt.Errorf("rule %q: unknown kind %q", r.Name, r.Kind)
		}

		if r.Override != nil && (r.Override.WindowMs <= 0 || r.Override.Max <= 0) {
			return fmt.Errorf("rule %q: override requires positive windowMs and max", r.Name)
		}
	}

	if g.Management.Enabled && (g.Management.Port <= 0 || g.Management.Port > 65535) {
		return fmt.Errorf("invalid management port: %d", g.Management.Port)
	}

	return nil
}
