// Package config loads the daemon's immutable configuration snapshot from
// config.yaml plus environment overrides, and watches config.yaml for
// changes (consumers decide whether/how to act on a reload — the daemon
// itself restarts the affected subsystem rather than hot-swapping state).
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig configures the optional Telegram messenger channel.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// ChannelsConfig lists the messenger channels the daemon starts.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// APIKeyEntry is one accepted API key for the HTTP gateway.
type APIKeyEntry struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
}

// AuthConfig controls the gateway's API-key authentication middleware.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// CORSConfig controls the gateway's CORS middleware.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig controls the gateway's per-key token-bucket rate limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// GatewayConfig groups the HTTP dashboard boundary's settings.
type GatewayConfig struct {
	BindAddr  string          `yaml:"bind_addr"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// SchedulerConfig controls the daemon's cron job cadences (§4.7).
type SchedulerConfig struct {
	TaskPollIntervalMs      int    `yaml:"task_poll_interval_ms"`
	RepairIntervalSeconds   int    `yaml:"repair_interval_seconds"`
	RecoveryIntervalSeconds int    `yaml:"recovery_interval_seconds"`
	EvolutionEnabled        bool   `yaml:"evolution_enabled"`
	EvolutionIntervalHours  int    `yaml:"evolution_interval_hours"`
	EvolutionPrompt         string `yaml:"evolution_prompt"`
	EvolutionModel          string `yaml:"evolution_model"`
}

// InvokerConfig describes the external LLM CLI the invoker shells out to.
type InvokerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Config is the daemon's fully-resolved, immutable configuration snapshot.
type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount        int    `yaml:"worker_count"`
	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
	LogLevel           string `yaml:"log_level"`
	LogQuiet           bool   `yaml:"log_quiet"`

	Invoker   InvokerConfig   `yaml:"invoker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Otel      OtelConfig      `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// OtelConfig mirrors internal/otel.Config's shape for YAML loading.
type OtelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that require a daemon
// restart to take effect, so callers can detect a meaningful reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|timeout=%d|bind=%s|log=%s|poll=%d",
		c.WorkerCount, c.TaskTimeoutSeconds, c.Gateway.BindAddr, c.LogLevel,
		c.Scheduler.TaskPollIntervalMs)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		WorkerCount:        4,
		TaskTimeoutSeconds: int((10 * time.Minute).Seconds()),
		LogLevel:           "info",
		Invoker: InvokerConfig{
			Command: "claude",
			Args:    []string{"--print", "--output-format", "stream-json"},
		},
		Scheduler: SchedulerConfig{
			TaskPollIntervalMs:      500,
			RepairIntervalSeconds:   30,
			RecoveryIntervalSeconds: 60,
			EvolutionEnabled:        false,
			EvolutionIntervalHours:  1,
		},
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18789",
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
				MaxAge:         3600,
			},
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 120,
				BurstSize:         30,
			},
		},
		Otel: OtelConfig{
			Exporter:    "stdout",
			ServiceName: "cah",
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns the daemon's data root: CAH_HOME if set, else ~/.cah.
func HomeDir() string {
	if override := os.Getenv("CAH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".cah")
}

// Load reads config.yaml from the daemon home directory (creating the home
// directory if absent), applies environment overrides, normalizes defaults,
// and returns the resolved snapshot. NeedsGenesis is set when no
// config.yaml existed, signalling first-run setup to the caller.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create cah home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18789"
	}
	if cfg.Scheduler.TaskPollIntervalMs <= 0 {
		cfg.Scheduler.TaskPollIntervalMs = 500
	}
	if cfg.Scheduler.RepairIntervalSeconds <= 0 {
		cfg.Scheduler.RepairIntervalSeconds = 30
	}
	if cfg.Scheduler.RecoveryIntervalSeconds <= 0 {
		cfg.Scheduler.RecoveryIntervalSeconds = 60
	}
	if cfg.Invoker.Command == "" {
		cfg.Invoker.Command = "claude"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CAH_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("CAH_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CAH_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("CAH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CAH_INVOKER_COMMAND"); raw != "" {
		cfg.Invoker.Command = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
		cfg.Channels.Telegram.Enabled = true
	}
}
