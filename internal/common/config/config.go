// Package config provides configuration management for Agendo workers.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for an Agendo worker.
type Config struct {
	Worker   WorkerConfig   `mapstructure:"worker"`
	Database DatabaseConfig `mapstructure:"database"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Safety   SafetyConfig   `mapstructure:"safety"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// WorkerConfig holds worker process configuration.
type WorkerConfig struct {
	ID                string `mapstructure:"id"`                // unique worker identity, defaults to hostname
	LogDir            string `mapstructure:"logDir"`            // directory for per-execution log files
	MaxConcurrentJobs int    `mapstructure:"maxConcurrentJobs"` // worker-wide job slot limit
	HeartbeatMs       int    `mapstructure:"heartbeatMs"`       // liveness advertisement interval
	StaleThresholdMs  int    `mapstructure:"staleThresholdMs"`  // executions older than this are reaped
	ShutdownGraceSec  int    `mapstructure:"shutdownGraceSec"`  // wait for in-flight jobs on shutdown
	IdleTimeoutSec    int    `mapstructure:"idleTimeoutSec"`    // default session idle timeout (0 = never)
	MinFreeDiskMB     int    `mapstructure:"minFreeDiskMB"`     // pre-flight disk space requirement
}

// DatabaseConfig holds SQL store configuration. When URL is empty the worker
// falls back to a local SQLite file at Path.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`  // postgres DSN; empty selects sqlite
	Path     string `mapstructure:"path"` // sqlite file path
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NotifyConfig selects the pub/sub backbone for session event and control
// channels. Driver "postgres" uses the SQL store's LISTEN/NOTIFY, "nats"
// uses a NATS server, "memory" is in-process (dev and tests).
type NotifyConfig struct {
	Driver  string `mapstructure:"driver"`
	NATSURL string `mapstructure:"natsUrl"`
}

// SafetyConfig holds safety-gate configuration.
type SafetyConfig struct {
	AllowedRoots []string `mapstructure:"allowedRoots"` // working-directory allowlist
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// HeartbeatInterval returns the heartbeat interval as a time.Duration.
func (w *WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatMs) * time.Millisecond
}

// StaleThreshold returns the stale-execution threshold as a time.Duration.
func (w *WorkerConfig) StaleThreshold() time.Duration {
	return time.Duration(w.StaleThresholdMs) * time.Millisecond
}

// ShutdownGrace returns the shutdown drain window as a time.Duration.
func (w *WorkerConfig) ShutdownGrace() time.Duration {
	return time.Duration(w.ShutdownGraceSec) * time.Second
}

// detectDefaultLogFormat returns "json" for production-looking environments
// and "text" for terminals.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENDO_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	// Worker defaults
	v.SetDefault("worker.id", hostname)
	v.SetDefault("worker.logDir", "./logs")
	v.SetDefault("worker.maxConcurrentJobs", 8)
	v.SetDefault("worker.heartbeatMs", 15000)
	v.SetDefault("worker.staleThresholdMs", 120000)
	v.SetDefault("worker.shutdownGraceSec", 25)
	v.SetDefault("worker.idleTimeoutSec", 0)
	v.SetDefault("worker.minFreeDiskMB", 512)

	// Database defaults - empty URL means local SQLite
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "agendo.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Notify defaults - postgres when the store is postgres, else memory
	v.SetDefault("notify.driver", "")
	v.SetDefault("notify.natsUrl", "")

	// Safety defaults
	v.SetDefault("safety.allowedRoots", []string{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENDO_ with snake_case naming; the
// worker env contract (WORKER_ID, LOG_DIR, ...) is bound explicitly.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENDO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Worker env contract. These legacy-style names take precedence over the
	// AGENDO_ prefixed forms so the worker can be driven from a plain
	// environment without a config file.
	_ = v.BindEnv("worker.id", "WORKER_ID", "AGENDO_WORKER_ID")
	_ = v.BindEnv("worker.logDir", "LOG_DIR", "AGENDO_WORKER_LOG_DIR")
	_ = v.BindEnv("worker.maxConcurrentJobs", "WORKER_MAX_CONCURRENT_JOBS", "AGENDO_WORKER_MAX_CONCURRENT_JOBS")
	_ = v.BindEnv("worker.heartbeatMs", "HEARTBEAT_INTERVAL_MS", "AGENDO_WORKER_HEARTBEAT_MS")
	_ = v.BindEnv("worker.staleThresholdMs", "STALE_JOB_THRESHOLD_MS", "AGENDO_WORKER_STALE_THRESHOLD_MS")
	_ = v.BindEnv("database.url", "DATABASE_URL", "AGENDO_DATABASE_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agendo/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Worker.ID == "" {
		errs = append(errs, "worker.id is required")
	}
	if cfg.Worker.MaxConcurrentJobs <= 0 {
		errs = append(errs, "worker.maxConcurrentJobs must be positive")
	}
	if cfg.Worker.HeartbeatMs <= 0 {
		errs = append(errs, "worker.heartbeatMs must be positive")
	}
	if cfg.Worker.StaleThresholdMs <= cfg.Worker.HeartbeatMs {
		errs = append(errs, "worker.staleThresholdMs must exceed worker.heartbeatMs")
	}

	if cfg.Database.URL == "" && cfg.Database.Path == "" {
		errs = append(errs, "one of database.url or database.path is required")
	}

	switch cfg.Notify.Driver {
	case "", "postgres", "nats", "memory":
	default:
		errs = append(errs, "notify.driver must be one of: postgres, nats, memory")
	}
	if cfg.Notify.Driver == "postgres" && cfg.Database.URL == "" {
		errs = append(errs, "notify.driver=postgres requires database.url")
	}
	if cfg.Notify.Driver == "nats" && cfg.Notify.NATSURL == "" {
		errs = append(errs, "notify.driver=nats requires notify.natsUrl")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// NotifyDriver resolves the effective notify driver: explicit config wins,
// otherwise postgres when the store is postgres, memory otherwise.
func (c *Config) NotifyDriver() string {
	if c.Notify.Driver != "" {
		return c.Notify.Driver
	}
	if c.Database.URL != "" {
		return "postgres"
	}
	return "memory"
}
