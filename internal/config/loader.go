package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"fleet/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Loader loads configuration from file
type Loader struct {
	path         string
	envEnabled   bool
	allowMissing bool
}

// NewLoader creates a config loader
func NewLoader(path string) *Loader {
	return &Loader{
		path:       path,
		envEnabled: true,
	}
}

// WithEnvVars enables or disables environment variable loading
func (l *Loader) WithEnvVars(enabled bool) *Loader {
	l.envEnabled = enabled
	return l
}

// WithAllowMissing makes Load fall back to the embedded defaults when the
// file does not exist.
func (l *Loader) WithAllowMissing(allow bool) *Loader {
	l.allowMissing = allow
	return l
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load loads the configuration. The file is decoded on top of the embedded
// defaults, so keys it omits keep their default values.
func (l *Loader) Load() (*Config, error) {
	cfg, err := LoadDefault()
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeInternal, "failed to parse default config").WithCause(err)
	}

	data, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.NewError(errors.ErrorTypeInternal, "failed to parse config").WithCause(err)
		}
	case os.IsNotExist(err) && l.allowMissing:
	default:
		return nil, errors.NewError(errors.ErrorTypeInternal, "failed to read config file").WithCause(err)
	}

	if l.envEnabled {
		if err := LoadEnv(cfg); err != nil {
			return nil, errors.NewError(errors.ErrorTypeInternal, "failed to load env vars").WithCause(err)
		}
	}

	cfg.Router.Backends = normalizeBackends(cfg.Router.Backends)

	if err := l.validate(cfg); err != nil {
		return nil, errors.NewError(errors.ErrorTypeBadRequest, "invalid configuration").WithCause(err)
	}

	return cfg, nil
}

// normalizeBackends splits entries on commas and whitespace and drops
// empties, so "a, b c" and ["a", "b", "c"] are equivalent.
func normalizeBackends(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		for _, part := range strings.FieldsFunc(entry, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		}) {
			out = append(out, strings.TrimRight(part, "/"))
		}
	}
	return out
}

// validate validates the configuration
func (l *Loader) validate(cfg *Config) error {
	return Validate(cfg)
}

// Validate checks both role sections for values that cannot work.
func Validate(cfg *Config) error {
	o := cfg.Orchestrator
	if o.Listen.Port <= 0 || o.Listen.Port > 65535 {
		return fmt.Errorf("orchestrator listen port out of range: %d", o.Listen.Port)
	}
	if o.Ports.Base <= 0 || o.Ports.Max > 65535 || o.Ports.Base > o.Ports.Max {
		return fmt.Errorf("invalid port range %d-%d", o.Ports.Base, o.Ports.Max)
	}
	if o.Ports.Contains(o.Listen.Port) {
		return fmt.Errorf("orchestrator listen port %d overlaps instance range", o.Listen.Port)
	}

	switch o.Runtime {
	case "exec":
		if o.Exec.Command == "" {
			return fmt.Errorf("exec runtime requires a command")
		}
	case "docker":
		if o.Docker.Image == "" {
			return fmt.Errorf("docker runtime requires an image")
		}
	default:
		return fmt.Errorf("unknown runtime: %s", o.Runtime)
	}

	switch o.Probe.Type {
	case "http", "tcp", "grpc":
	default:
		return fmt.Errorf("unknown probe type: %s", o.Probe.Type)
	}
	if o.Probe.IntervalMs <= 0 || o.Probe.TimeoutMs <= 0 {
		return fmt.Errorf("probe interval and timeout must be positive")
	}

	switch o.Fault.DefaultTargets {
	case "exited", "running":
	default:
		return fmt.Errorf("unknown fault defaultTargets: %s", o.Fault.DefaultTargets)
	}

	if o.Discovery.Redis.Enabled && o.Discovery.Redis.Addr == "" {
		return fmt.Errorf("redis discovery enabled without an address")
	}

	r := cfg.Router
	if r.Listen.Port <= 0 || r.Listen.Port > 65535 {
		return fmt.Errorf("router listen port out of range: %d", r.Listen.Port)
	}
	if _, err := url.ParseRequestURI(r.OrchestratorURL); err != nil {
		return fmt.Errorf("invalid router orchestratorURL %q: %w", r.OrchestratorURL, err)
	}
	if r.RefreshIntervalMs <= 0 {
		return fmt.Errorf("router refreshIntervalMs must be positive")
	}
	for _, b := range r.Backends {
		if _, err := url.ParseRequestURI(b); err != nil {
			return fmt.Errorf("invalid router backend %q: %w", b, err)
		}
	}

	return nil
}
