// Package config loads and validates supervisor configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/extraction-supervisor/internal/scheduler"
)

// EnvPrefix namespaces environment overrides, e.g. SUPERVISOR_DB_DSN.
const EnvPrefix = "SUPERVISOR"

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Downstream blob backends.
const (
	DownstreamNone   = "none"
	DownstreamMemory = "memory"
	DownstreamLocal  = "local"
	DownstreamGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Store      StoreConfig      `mapstructure:"store"`
	DB         DBConfig         `mapstructure:"db"`
	Downstream DownstreamConfig `mapstructure:"downstream"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Stats      StatsConfig      `mapstructure:"stats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SupervisorConfig tunes staleness detection and the watchdog sweep.
type SupervisorConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	StoreTimeout   time.Duration `mapstructure:"store_timeout"`
	SweepEnabled   bool          `mapstructure:"sweep_enabled"`
	SweepSchedule  string        `mapstructure:"sweep_schedule"`
}

// StoreConfig selects the progress store backend.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// DownstreamConfig locates extracted artifacts cleared on reset.
type DownstreamConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for transition notifications.
type PubSubConfig struct {
	ProjectID         string `mapstructure:"project_id"`
	TopicName         string `mapstructure:"topic_name"`
	IncludeHeartbeats bool   `mapstructure:"include_heartbeats"`
}

// Enabled reports whether both coordinates are set.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// ProgressConfig tunes the lifecycle event hub.
type ProgressConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	LogEnabled  bool          `mapstructure:"log_enabled"`
	BufferSize  int           `mapstructure:"buffer_size"`
	Batch       BatchConfig   `mapstructure:"batch"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
}

// BatchConfig bounds hub batches.
type BatchConfig struct {
	MaxEvents int           `mapstructure:"max_events"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
}

// StatsConfig tunes the admin stats cache.
type StatsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level overrides the default level (debug in development, info otherwise).
	Level string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	cfg.Downstream.Backend = strings.ToLower(strings.TrimSpace(cfg.Downstream.Backend))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Every key gets a default so that AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("supervisor.stale_threshold", "5m")
	v.SetDefault("supervisor.store_timeout", "3s")
	v.SetDefault("supervisor.sweep_enabled", true)
	v.SetDefault("supervisor.sweep_schedule", scheduler.DefaultSchedule)
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.sqlite_path", "supervisor.db")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate", true)
	v.SetDefault("downstream.backend", DownstreamNone)
	v.SetDefault("downstream.bucket", "")
	v.SetDefault("downstream.base_dir", "")
	v.SetDefault("downstream.prefix", "extractions")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("pubsub.include_heartbeats", false)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("stats.cache_ttl", "30s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Supervisor.StaleThreshold < time.Minute {
		errs = append(errs, errors.New("supervisor.stale_threshold must be at least 1m"))
	}
	if c.Supervisor.StoreTimeout <= 0 {
		errs = append(errs, errors.New("supervisor.store_timeout must be > 0"))
	}
	if c.Supervisor.SweepEnabled {
		if _, err := scheduler.ParseSchedule(c.Supervisor.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("supervisor.sweep_schedule: %w", err))
		}
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("db.dsn must be set for the postgres store"))
		}
		if c.DB.MaxConns <= 0 || c.DB.MinConns < 0 || c.DB.MinConns > c.DB.MaxConns {
			errs = append(errs, errors.New("db.min_conns and db.max_conns must satisfy 0 <= min <= max, max > 0"))
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path must be set for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, postgres, sqlite", c.Store.Backend))
	}
	switch c.Downstream.Backend {
	case DownstreamNone, DownstreamMemory:
	case DownstreamLocal:
		if c.Downstream.BaseDir == "" {
			errs = append(errs, errors.New("downstream.base_dir must be set for the local backend"))
		}
	case DownstreamGCS:
		if c.Downstream.Bucket == "" {
			errs = append(errs, errors.New("downstream.bucket must be set for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("downstream.backend %q is not one of none, memory, local, gcs", c.Downstream.Backend))
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name must be set together"))
	}
	if c.Progress.Enabled {
		if c.Progress.BufferSize <= 0 || c.Progress.Batch.MaxEvents <= 0 {
			errs = append(errs, errors.New("progress.buffer_size and progress.batch.max_events must be > 0"))
		}
		if c.Progress.Batch.MaxWait <= 0 || c.Progress.SinkTimeout <= 0 {
			errs = append(errs, errors.New("progress.batch.max_wait and progress.sink_timeout must be > 0"))
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0, 1]"))
	}
	if c.Stats.CacheTTL < 0 {
		errs = append(errs, errors.New("stats.cache_ttl must be >= 0"))
	}
	return errors.Join(errs...)
}
