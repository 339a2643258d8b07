package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes environment overrides, e.g.
// ERAIF_ROUTING_SURGE_OCCUPANCY_THRESHOLD. Section prefixes come from the
// envPrefix tags on SystemConfig.
const DefaultEnvPrefix = "ERAIF_"

// Loader loads a SystemConfig from defaults, an optional YAML file and the
// environment, in that order. Unset or empty variables keep the earlier
// value.
type Loader struct {
	path        string
	envPrefix   string
	environment map[string]string
}

// NewLoader creates a loader reading the process environment.
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix}
}

// WithPath sets the YAML file path. A missing file is not an error.
func (l *Loader) WithPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithEnvironment reads overrides from vars instead of the process
// environment.
func (l *Loader) WithEnvironment(vars map[string]string) *Loader {
	if vars == nil {
		vars = map[string]string{}
	}
	l.environment = vars
	return l
}

// Load builds and validates the configuration.
func (l *Loader) Load() (*SystemConfig, error) {
	cfg := DefaultSystemConfig()

	if l.path != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, err
		}
	}

	opts := env.Options{Prefix: l.envPrefix, Environment: l.environment}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFile(cfg *SystemConfig) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}
