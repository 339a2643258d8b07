// Package config provides system configuration for the orchestration core.
//
// SystemConfig holds the orchestration tunables (routing thresholds, the
// NORMAL-mode policy, execution bounds) and the infrastructure settings the
// CLI needs to wire backends. Values load in order: defaults, YAML file,
// ERAIF_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/eraif/coreengine/policy"
)

// SystemConfig holds the complete configuration of the core.
type SystemConfig struct {
	Routing    RoutingConfig    `yaml:"routing" envPrefix:"ROUTING_"`
	Policy     PolicyConfig     `yaml:"policy" envPrefix:"POLICY_"`
	Execution  ExecutionConfig  `yaml:"execution" envPrefix:"EXECUTION_"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" envPrefix:"CHECKPOINT_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// RoutingConfig holds the workflow selection thresholds.
type RoutingConfig struct {
	// ConcurrentPriorityThreshold is the number of concurrent same-priority
	// critical/high cases above which resource_optimization is selected.
	ConcurrentPriorityThreshold int `yaml:"concurrent_priority_threshold" env:"CONCURRENT_PRIORITY_THRESHOLD"`
	// SurgeOccupancyThreshold is the facility occupancy percent above which
	// surge_capacity is selected.
	SurgeOccupancyThreshold float64 `yaml:"surge_occupancy_threshold" env:"SURGE_OCCUPANCY_THRESHOLD"`
}

// PolicyConfig is the NORMAL-mode policy emergency policies derive from.
type PolicyConfig struct {
	PriorityThreshold   string        `yaml:"priority_threshold" env:"PRIORITY_THRESHOLD"`
	BatchSize           int           `yaml:"batch_size" env:"BATCH_SIZE"`
	Timeout             time.Duration `yaml:"timeout" env:"TIMEOUT"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"`
}

// ExecutionConfig bounds graph execution and session bookkeeping.
type ExecutionConfig struct {
	MaxSteps         int           `yaml:"max_steps" env:"MAX_STEPS"`
	SessionRetention time.Duration `yaml:"session_retention" env:"SESSION_RETENTION"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	// DefaultEmergencyDuration applies to activations that give none.
	DefaultEmergencyDuration time.Duration `yaml:"default_emergency_duration" env:"DEFAULT_EMERGENCY_DURATION"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend   string        `yaml:"backend" env:"BACKEND"` // memory, redis, sqlite
	RedisAddr string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisDB   int           `yaml:"redis_db" env:"REDIS_DB"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
	SQLPath   string        `yaml:"sql_path" env:"SQL_PATH"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// ServerConfig configures the gRPC and metrics listeners.
type ServerConfig struct {
	GRPCAddr        string        `yaml:"grpc_addr" env:"GRPC_ADDR"`
	MetricsAddr     string        `yaml:"metrics_addr" env:"METRICS_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// TelemetryConfig configures OTLP tracing.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// DefaultSystemConfig returns a SystemConfig with default values.
func DefaultSystemConfig() *SystemConfig {
	normal := policy.Default()
	return &SystemConfig{
		Routing: RoutingConfig{
			ConcurrentPriorityThreshold: 5,
			SurgeOccupancyThreshold:     85,
		},
		Policy: PolicyConfig{
			PriorityThreshold:   string(normal.PriorityThreshold),
			BatchSize:           normal.BatchSize,
			Timeout:             normal.Timeout,
			ConfidenceThreshold: normal.ConfidenceThreshold,
		},
		Execution: ExecutionConfig{
			MaxSteps:                 DefaultMaxSteps,
			SessionRetention:         1 * time.Hour,
			CleanupInterval:          5 * time.Minute,
			DefaultEmergencyDuration: 24 * time.Hour,
		},
		Checkpoint: CheckpointConfig{
			Backend: "memory",
			TTL:     72 * time.Hour,
			SQLPath: "eraif_checkpoints.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			GRPCAddr:        ":50051",
			MetricsAddr:     ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "eraif-core",
			SampleRatio: 1.0,
		},
	}
}

// NormalPolicy converts the policy section into a policy value.
func (c *SystemConfig) NormalPolicy() policy.Policy {
	return policy.Policy{
		PriorityThreshold:   policy.PriorityLevel(strings.ToUpper(c.Policy.PriorityThreshold)),
		BatchSize:           c.Policy.BatchSize,
		Timeout:             c.Policy.Timeout,
		CompressionEnabled:  false,
		ConfidenceThreshold: c.Policy.ConfidenceThreshold,
	}
}

// Validate validates the configuration and reports every problem found.
func (c *SystemConfig) Validate() error {
	var errs []string

	if c.Routing.ConcurrentPriorityThreshold < 0 {
		errs = append(errs, "routing.concurrent_priority_threshold must be non-negative")
	}
	if c.Routing.SurgeOccupancyThreshold < 0 || c.Routing.SurgeOccupancyThreshold > 100 {
		errs = append(errs, "routing.surge_occupancy_threshold must be within [0, 100]")
	}

	switch policy.PriorityLevel(strings.ToUpper(c.Policy.PriorityThreshold)) {
	case policy.PriorityLow, policy.PriorityMedium, policy.PriorityHigh, policy.PriorityCritical:
	default:
		errs = append(errs, fmt.Sprintf("policy.priority_threshold %q is not a priority level", c.Policy.PriorityThreshold))
	}
	if c.Policy.BatchSize <= 0 {
		errs = append(errs, "policy.batch_size must be positive")
	}
	if c.Policy.Timeout <= 0 {
		errs = append(errs, "policy.timeout must be positive")
	}
	if c.Policy.ConfidenceThreshold < 0 || c.Policy.ConfidenceThreshold > 1 {
		errs = append(errs, "policy.confidence_threshold must be within [0, 1]")
	}

	if c.Execution.MaxSteps <= 0 {
		errs = append(errs, "execution.max_steps must be positive")
	}

	switch c.Checkpoint.Backend {
	case "memory":
	case "redis":
		if c.Checkpoint.RedisAddr == "" {
			errs = append(errs, "checkpoint.redis_addr is required for the redis backend")
		}
	case "sqlite":
		if c.Checkpoint.SQLPath == "" {
			errs = append(errs, "checkpoint.sql_path is required for the sqlite backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("checkpoint.backend %q is not one of memory, redis, sqlite", c.Checkpoint.Backend))
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, "telemetry.endpoint is required when telemetry is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
