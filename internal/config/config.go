// Package config loads coordination settings from the environment and the
// optional agentcoord.yml coordinator configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names and defaults.
const (
	EnvRedisURL          = "REDIS_URL"
	EnvFallbackDir       = "AGENTCOORD_FALLBACK_DIR"
	EnvHeartbeatSeconds  = "AGENTCOORD_HEARTBEAT_SECONDS"
	EnvHungSeconds       = "AGENTCOORD_HUNG_SECONDS"
	EnvLockTTLSeconds    = "AGENTCOORD_LOCK_TTL_SECONDS"
	DefaultRedisURL      = "redis://localhost:6379"
	DefaultHeartbeatSecs = 30
	DefaultHungSecs      = 300
	DefaultLockTTLSecs   = 600
)

// Env is the environment-derived configuration shared by every process.
type Env struct {
	RedisURL          string
	FallbackDir       string
	HeartbeatInterval time.Duration
	HungThreshold     time.Duration
	LockTTL           time.Duration
}

// FromEnv reads the environment, applying documented defaults.
func FromEnv() Env {
	return Env{
		RedisURL:          envOr(EnvRedisURL, DefaultRedisURL),
		FallbackDir:       fallbackDir(),
		HeartbeatInterval: envSeconds(EnvHeartbeatSeconds, DefaultHeartbeatSecs),
		HungThreshold:     envSeconds(EnvHungSeconds, DefaultHungSecs),
		LockTTL:           envSeconds(EnvLockTTLSeconds, DefaultLockTTLSecs),
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envSeconds(name string, fallback int) time.Duration {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(fallback) * time.Second
}

func fallbackDir() string {
	if v := os.Getenv(EnvFallbackDir); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "agentcoord-state")
	}
	return filepath.Join(home, ".agentcoord", "state")
}

// CoordinatorConfig is the top-level agentcoord.yml configuration consumed
// by the coordinator process.
type CoordinatorConfig struct {
	Version string         `yaml:"version"`
	Scaler  *ScalerConfig  `yaml:"scaler,omitempty"`
	Workers *WorkersConfig `yaml:"workers,omitempty"`
	LLM     *LLMConfig     `yaml:"llm,omitempty"`
}

// ScalerConfig bounds the auto-scaler.
type ScalerConfig struct {
	MinWorkers      int  `yaml:"min_workers"`
	MaxWorkers      int  `yaml:"max_workers"`
	TasksPerWorker  *int `yaml:"tasks_per_worker,omitempty"`  // default: 3
	IntervalSeconds *int `yaml:"interval_seconds,omitempty"`  // default: 30
	IdleGraceSecs   *int `yaml:"idle_grace_seconds,omitempty"` // default: 120
}

// WorkersConfig is the spawn template for scaler-launched workers.
type WorkersConfig struct {
	Mode         string   `yaml:"mode,omitempty"` // subprocess, docker, cloud
	Tags         []string `yaml:"tags,omitempty"`
	MaxTasks     *int     `yaml:"max_tasks,omitempty"`
	Image        string   `yaml:"image,omitempty"`         // docker mode
	CloudCommand []string `yaml:"cloud_command,omitempty"` // cloud mode
	Environment  []string `yaml:"environment,omitempty"`
}

// LLMConfig caps concurrent calls and daily spend.
type LLMConfig struct {
	MaxConcurrent *int     `yaml:"max_concurrent,omitempty"`
	DailyDollars  *float64 `yaml:"daily_dollars,omitempty"`
}

// Load reads and validates an agentcoord.yml file.
func Load(path string) (*CoordinatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg CoordinatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks field ranges and mode-specific requirements.
func (c *CoordinatorConfig) Validate() error {
	if c.Scaler != nil {
		if c.Scaler.MinWorkers < 0 {
			return fmt.Errorf("scaler.min_workers cannot be negative")
		}
		if c.Scaler.MaxWorkers < c.Scaler.MinWorkers {
			return fmt.Errorf("scaler.max_workers (%d) cannot be less than min_workers (%d)",
				c.Scaler.MaxWorkers, c.Scaler.MinWorkers)
		}
		if c.Scaler.TasksPerWorker != nil && *c.Scaler.TasksPerWorker < 1 {
			return fmt.Errorf("scaler.tasks_per_worker must be >= 1")
		}
	}
	if c.Workers != nil {
		switch c.Workers.Mode {
		case "", "subprocess", "cloud":
		case "docker":
			if c.Workers.Image == "" {
				return fmt.Errorf("workers.image is required when workers.mode is docker")
			}
		default:
			return fmt.Errorf("unknown workers.mode: %q", c.Workers.Mode)
		}
		if c.Workers.Mode == "cloud" && len(c.Workers.CloudCommand) == 0 {
			return fmt.Errorf("workers.cloud_command is required when workers.mode is cloud")
		}
	}
	if c.LLM != nil && c.LLM.MaxConcurrent != nil && *c.LLM.MaxConcurrent < 1 {
		return fmt.Errorf("llm.max_concurrent must be >= 1")
	}
	return nil
}
