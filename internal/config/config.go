// Package config loads and validates runprogress configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/runprogress/internal/coordinator"
	"github.com/JakeFAU/runprogress/internal/worker"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Run      RunConfig      `mapstructure:"run"`
	Progress ProgressConfig `mapstructure:"progress"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// StartRPS caps run starts per client address; zero disables the limit.
	StartRPS   float64 `mapstructure:"start_rps"`
	StartBurst int     `mapstructure:"start_burst"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// RunConfig shapes each run: its target, step count, sampling period, the
// work unit performed per step and the coordinator mode.
type RunConfig struct {
	Target         int64         `mapstructure:"target"`
	Steps          int           `mapstructure:"steps"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	Unit           string        `mapstructure:"unit"`
	UnitDelay      time.Duration `mapstructure:"unit_delay"`
	SpinIterations int           `mapstructure:"spin_iterations"`
	Source         string        `mapstructure:"source"`
	Execution      string        `mapstructure:"execution"`
}

// ProgressConfig tunes the event hub.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig controls when the hub flushes.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// StorageConfig selects where run reports are archived.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// Storage backends.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// DBConfig controls access to the run history database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RUNPROGRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.start_rps", 0)
	v.SetDefault("server.start_burst", 1)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("run.target", 100)
	v.SetDefault("run.steps", worker.DefaultSteps)
	v.SetDefault("run.sample_interval", "500ms")
	v.SetDefault("run.unit", worker.UnitDelay)
	v.SetDefault("run.unit_delay", worker.DefaultUnitDelay.String())
	v.SetDefault("run.spin_iterations", worker.DefaultSpinIterations)
	v.SetDefault("run.source", string(coordinator.SourceSharedState))
	v.SetDefault("run.execution", string(coordinator.ExecutionAsync))
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("progress.batch.max_events", 64)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "data/reports")
	v.SetDefault("storage.prefix", "runs")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "run-events")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	if c.Server.StartRPS < 0 {
		errs = append(errs, errors.New("server.start_rps must be >= 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Run.Target <= 0 {
		errs = append(errs, errors.New("run.target must be > 0"))
	}
	if c.Run.Steps <= 0 {
		errs = append(errs, errors.New("run.steps must be > 0"))
	}
	if c.Run.SampleInterval <= 0 {
		errs = append(errs, errors.New("run.sample_interval must be > 0"))
	}
	if _, err := worker.NewUnit(c.UnitConfig()); err != nil {
		errs = append(errs, fmt.Errorf("run.unit: %w", err))
	}
	if _, err := c.Mode(); err != nil {
		errs = append(errs, fmt.Errorf("run.source/run.execution: %w", err))
	}
	if c.Progress.Enabled && c.Progress.BufferSize <= 0 {
		errs = append(errs, errors.New("progress.buffer_size must be > 0 when progress is enabled"))
	}
	switch c.Storage.Backend {
	case "", StorageNone, StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("storage.local_dir must be set for the local backend"))
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket must be set for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}
	if c.DB.MinConns > c.DB.MaxConns {
		errs = append(errs, errors.New("db.min_conns must not exceed db.max_conns"))
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		errs = append(errs, errors.New("pubsub.topic_name must be set when pubsub.project_id is set"))
	}
	return errors.Join(errs...)
}

// Mode parses the configured coordinator mode.
func (c Config) Mode() (coordinator.Mode, error) {
	mode, err := coordinator.ParseMode(c.Run.Source, c.Run.Execution)
	if err != nil {
		return coordinator.Mode{}, fmt.Errorf("parse mode: %w", err)
	}
	return mode, nil
}

// UnitConfig maps the run section onto a worker.UnitConfig.
func (c Config) UnitConfig() worker.UnitConfig {
	return worker.UnitConfig{
		Kind:           c.Run.Unit,
		Delay:          c.Run.UnitDelay,
		SpinIterations: c.Run.SpinIterations,
	}
}

// SinkTimeout converts the millisecond sink timeout to a duration.
func (c ProgressConfig) SinkTimeout() time.Duration {
	return time.Duration(c.SinkTimeoutMs) * time.Millisecond
}

// MaxBatchWait converts the millisecond batch wait to a duration.
func (c ProgressConfig) MaxBatchWait() time.Duration {
	return time.Duration(c.Batch.MaxWaitMs) * time.Millisecond
}
