// Package config loads the daemon configuration from a YAML file with
// environment-variable overrides for the settings that differ between
// deployments. Every field has a default; an absent file is not an
// error.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML parsing of "30s"-style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full daemon configuration
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Engine    EngineConfig    `yaml:"engine"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Notify    NotifyConfig    `yaml:"notify"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Retention RetentionConfig `yaml:"retention"`
	Log       LogConfig       `yaml:"log"`
}

// StorageConfig locates the unit store
type StorageConfig struct {
	Path string `yaml:"path"`
}

// MonitorConfig describes the monitored MySQL instance
type MonitorConfig struct {
	// DSN of the monitored instance. Overridable via SQWATCH_MYSQL_DSN.
	DSN string `yaml:"dsn"`
	// SlowThreshold is the minimum statement duration to ingest
	SlowThreshold Duration `yaml:"slow_threshold"`
	// PollInterval between performance_schema polls
	PollInterval Duration `yaml:"poll_interval"`
	// BatchSize caps rows fetched per poll
	BatchSize int `yaml:"batch_size"`
	// SchemaCacheTTL bounds how long diagnostic lookups are reused
	SchemaCacheTTL Duration `yaml:"schema_cache_ttl"`
}

// EngineConfig sizes the analysis worker pool
type EngineConfig struct {
	Workers           int      `yaml:"workers"`
	QueueDepth        int      `yaml:"queue_depth"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	AnalysisTimeout   Duration `yaml:"analysis_timeout"`
}

// AnalysisConfig holds the escalation thresholds
type AnalysisConfig struct {
	HighFrequencyCount   int64   `yaml:"high_frequency_count"`
	SeverityDurationSecs float64 `yaml:"severity_duration_secs"`
	LockWaitSecs         float64 `yaml:"lock_wait_secs"`
	ScanRatio            float64 `yaml:"scan_ratio"`
}

// BreakerConfig holds the diagnostic-tool circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	Cooldown         Duration `yaml:"cooldown"`
	HalfOpenBudget   int      `yaml:"half_open_budget"`
}

// NotifyConfig holds the notification decision settings
type NotifyConfig struct {
	Cooldown          Duration `yaml:"cooldown"`
	DegradationFactor float64  `yaml:"degradation_factor"`
}

// RecoveryConfig holds the stuck-task sweep settings
type RecoveryConfig struct {
	Period      Duration `yaml:"period"`
	QuietWindow Duration `yaml:"quiet_window"`
	RetryBudget int      `yaml:"retry_budget"`
}

// RetentionConfig bounds the growth of the audit and instance tables
type RetentionConfig struct {
	// Interval between retention sweeps
	Interval Duration `yaml:"interval"`
	// EventAge is how long unit audit events are kept
	EventAge Duration `yaml:"event_age"`
	// EventPerUnitKeep is the newest events always kept per unit
	EventPerUnitKeep int `yaml:"event_per_unit_keep"`
	// InstanceAge is how long stopped instance rows are kept
	InstanceAge Duration `yaml:"instance_age"`
	// InstanceKeep is the stopped instance rows always kept
	InstanceKeep int `yaml:"instance_keep"`
}

// LogConfig controls the structured logger
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Overridable via SQWATCH_LOG_LEVEL.
	Level string `yaml:"level"`
	// Format is "text" or "json"
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Path: ".sqwatch/sqwatch.db"},
		Monitor: MonitorConfig{
			SlowThreshold:  Duration(time.Second),
			PollInterval:   Duration(30 * time.Second),
			BatchSize:      500,
			SchemaCacheTTL: Duration(10 * time.Minute),
		},
		Engine: EngineConfig{
			Workers:           4,
			QueueDepth:        16,
			HeartbeatInterval: Duration(30 * time.Second),
			AnalysisTimeout:   Duration(10 * time.Minute),
		},
		Analysis: AnalysisConfig{
			HighFrequencyCount:   100,
			SeverityDurationSecs: 3.0,
			LockWaitSecs:         0.1,
			ScanRatio:            10,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			Cooldown:         Duration(60 * time.Second),
			HalfOpenBudget:   1,
		},
		Notify: NotifyConfig{
			Cooldown:          Duration(time.Hour),
			DegradationFactor: 1.5,
		},
		Recovery: RecoveryConfig{
			Period:      Duration(10 * time.Minute),
			QuietWindow: Duration(15 * time.Minute),
			RetryBudget: 3,
		},
		Retention: RetentionConfig{
			Interval:         Duration(24 * time.Hour),
			EventAge:         Duration(30 * 24 * time.Hour),
			EventPerUnitKeep: 100,
			InstanceAge:      Duration(24 * time.Hour),
			InstanceKeep:     10,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the configuration file, fills gaps with defaults, and
// applies environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQWATCH_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SQWATCH_MYSQL_DSN"); v != "" {
		cfg.Monitor.DSN = v
	}
	if v := os.Getenv("SQWATCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers cannot be negative")
	}
	if c.Analysis.SeverityDurationSecs < 0 {
		return fmt.Errorf("analysis.severity_duration_secs cannot be negative")
	}
	if c.Notify.DegradationFactor != 0 && c.Notify.DegradationFactor < 1 {
		return fmt.Errorf("notify.degradation_factor must be at least 1")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format)
	}
	return nil
}
