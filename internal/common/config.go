// Package common provides shared utilities for Drover
package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for Drover
type Config struct {
	Environment string        `toml:"environment"`
	Server      ServerConfig  `toml:"server"`
	Storage     StorageConfig `toml:"storage"`
	Worker      WorkerConfig  `toml:"worker"`
	Queue       QueueConfig   `toml:"queue"`
	Logging     LoggingConfig `toml:"logging"`
	Auth        AuthConfig    `toml:"auth"`
}

// ServerConfig holds the admin HTTP API configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds document store configuration.
// Backend selects the store implementation: "surrealdb" (default) or "memory".
// The memory backend keeps all collections in-process and is used by tests
// and single-process embedded deployments.
type StorageConfig struct {
	Backend   string `toml:"backend"`
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// WorkerConfig holds the worker control loop configuration.
type WorkerConfig struct {
	Name      string     `toml:"name"`       // worker name; defaults to "worker"
	Plan      PlanConfig `toml:"plan"`       // per-duty intervals
	KillGrace string     `toml:"kill_grace"` // SIGTERM to SIGKILL grace, duration string
	Virtual   bool       `toml:"virtual"`    // run jobs in-process instead of child processes
}

// PlanConfig holds the execution plan intervals, as duration strings.
type PlanConfig struct {
	WorkJobs     string `toml:"work_jobs"`
	FlagJobs     string `toml:"flag_jobs"`
	CollectStats string `toml:"collect_stats"`
	RemoveJobs   string `toml:"remove_jobs"`
}

// GetKillGrace parses and returns the kill grace duration.
func (c *WorkerConfig) GetKillGrace() time.Duration {
	d, err := time.ParseDuration(c.KillGrace)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// duration parses s, falling back to def on empty or invalid input.
func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetWorkJobs returns the dequeue duty interval.
func (c *PlanConfig) GetWorkJobs() time.Duration { return duration(c.WorkJobs, 250*time.Millisecond) }

// GetFlagJobs returns the supervision duty interval.
func (c *PlanConfig) GetFlagJobs() time.Duration { return duration(c.FlagJobs, 3*time.Second) }

// GetCollectStats returns the stats duty interval.
func (c *PlanConfig) GetCollectStats() time.Duration { return duration(c.CollectStats, 30*time.Second) }

// GetRemoveJobs returns the removal duty interval.
func (c *PlanConfig) GetRemoveJobs() time.Duration { return duration(c.RemoveJobs, 5*time.Second) }

// QueueConfig holds job defaults applied at enqueue when the job class
// and the caller do not override them. Times are in seconds to match the
// persisted job document fields.
type QueueConfig struct {
	Attempts         int     `toml:"attempts"`
	Priority         int     `toml:"priority"`
	DeferTime        int     `toml:"defer_time"`
	DeferMax         int     `toml:"defer_max"`
	ErrorTime        int     `toml:"error_time"`
	ZombieTime       int     `toml:"zombie_time"`
	ProgressInterval float64 `toml:"progress_interval"`
}

// AuthConfig holds JWT bearer authentication for the admin API.
type AuthConfig struct {
	JWTSecret   string `toml:"jwt_secret"`
	TokenExpiry string `toml:"token_expiry"` // duration string, default "24h"
}

// GetTokenExpiry parses and returns the token expiry duration.
func (c *AuthConfig) GetTokenExpiry() time.Duration {
	d, err := time.ParseDuration(c.TokenExpiry)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `toml:"level"`
	FilePath   string `toml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8070,
		},
		Storage: StorageConfig{
			Backend:   "surrealdb",
			Address:   "ws://localhost:8000",
			Namespace: "drover",
			Database:  "drover",
			Username:  "root",
			Password:  "root",
		},
		Worker: WorkerConfig{
			Name: "worker",
			Plan: PlanConfig{
				WorkJobs:     "250ms",
				FlagJobs:     "3s",
				CollectStats: "30s",
				RemoveJobs:   "5s",
			},
			KillGrace: "10s",
		},
		Queue: QueueConfig{
			Attempts:         1,
			Priority:         0,
			DeferTime:        300,
			DeferMax:         3600,
			ErrorTime:        10,
			ZombieTime:       1800,
			ProgressInterval: 5,
		},
		Auth: AuthConfig{
			JWTSecret:   "dev-jwt-secret-change-in-production",
			TokenExpiry: "24h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "./logs/drover.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Apply environment overrides
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("DROVER_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("DROVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("DROVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("DROVER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if backend := os.Getenv("DROVER_STORAGE_BACKEND"); backend != "" {
		config.Storage.Backend = backend
	}

	if addr := os.Getenv("DROVER_STORAGE_ADDRESS"); addr != "" {
		config.Storage.Address = addr
	}

	if ns := os.Getenv("DROVER_STORAGE_NAMESPACE"); ns != "" {
		config.Storage.Namespace = ns
	}

	if db := os.Getenv("DROVER_STORAGE_DATABASE"); db != "" {
		config.Storage.Database = db
	}

	if user := os.Getenv("DROVER_STORAGE_USERNAME"); user != "" {
		config.Storage.Username = user
	}

	if pass := os.Getenv("DROVER_STORAGE_PASSWORD"); pass != "" {
		config.Storage.Password = pass
	}

	if name := os.Getenv("DROVER_WORKER_NAME"); name != "" {
		config.Worker.Name = name
	}

	if interval := os.Getenv("DROVER_WORK_JOBS_INTERVAL"); interval != "" {
		config.Worker.Plan.WorkJobs = interval
	}

	if interval := os.Getenv("DROVER_FLAG_JOBS_INTERVAL"); interval != "" {
		config.Worker.Plan.FlagJobs = interval
	}

	if secret := os.Getenv("DROVER_JWT_SECRET"); secret != "" {
		config.Auth.JWTSecret = secret
	}
}
