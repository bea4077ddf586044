package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Runner    RunnerConfig    `yaml:"runner"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type SchedulerConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type RunnerConfig struct {
	Script        string        `yaml:"script"`
	WindowsScript string        `yaml:"windows_script"`
	WorkDir       string        `yaml:"work_dir"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
}

type WebhooksConfig struct {
	Endpoints  []WebhookEndpoint `yaml:"endpoints"`
	Workers    int               `yaml:"workers"`
	QueueSize  int               `yaml:"queue_size"`
	Timeout    time.Duration     `yaml:"timeout"`
	MaxRetries int               `yaml:"max_retries"`
	RetryDelay time.Duration     `yaml:"retry_delay"`
	RatePerSec int               `yaml:"rate_per_sec"`
}

type WebhookEndpoint struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type ArchiveConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	SweepSchedule string `yaml:"sweep_schedule"`
	Passphrase    string `yaml:"passphrase"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 4,
			MaxRetries:    3,
			RetryDelay:    10 * time.Second,
		},
		Runner: RunnerConfig{
			Script:        "./scripts/run_job.sh",
			WindowsScript: `.\scripts\run_job.bat`,
			JobTimeout:    10 * time.Minute,
		},
		Webhooks: WebhooksConfig{
			Workers:    2,
			QueueSize:  100,
			Timeout:    10 * time.Second,
			MaxRetries: 3,
			RetryDelay: 5 * time.Second,
			RatePerSec: 10,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Path:          "./data/archives",
			RetentionDays: 30,
			SweepSchedule: "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from configPath, falling back to defaults when
// the file does not exist, then applies RUNQ_* environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// LoadFromEnv builds a config purely from defaults and RUNQ_* variables.
func LoadFromEnv() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RUNQ_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("RUNQ_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("RUNQ_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxConcurrent = n
		}
	}

	if v := os.Getenv("RUNQ_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxRetries = n
		}
	}

	if v := os.Getenv("RUNQ_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.RetryDelay = d
		}
	}

	if v := os.Getenv("RUNQ_SCRIPT"); v != "" {
		cfg.Runner.Script = v
	}

	if v := os.Getenv("RUNQ_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}

	if v := os.Getenv("RUNQ_ARCHIVE_PASSPHRASE"); v != "" {
		cfg.Archive.Passphrase = v
	}

	if v := os.Getenv("RUNQ_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent must be at least 1")
	}

	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}

	if c.Scheduler.RetryDelay < 0 {
		return fmt.Errorf("retry delay must be non-negative")
	}

	if c.Runner.Script == "" {
		return fmt.Errorf("runner script is required")
	}

	if c.Runner.JobTimeout < 0 {
		return fmt.Errorf("job timeout must be non-negative")
	}

	if c.Webhooks.Workers < 1 {
		return fmt.Errorf("webhook workers must be at least 1")
	}

	if c.Webhooks.QueueSize < 1 {
		return fmt.Errorf("webhook queue size must be at least 1")
	}

	if c.Webhooks.MaxRetries < 0 {
		return fmt.Errorf("webhook max retries must be non-negative")
	}

	if c.Webhooks.RetryDelay < 0 {
		return fmt.Errorf("webhook retry delay must be non-negative")
	}

	if c.Webhooks.RatePerSec < 1 {
		return fmt.Errorf("webhook rate per second must be at least 1")
	}

	for i, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhook endpoint %d is missing a url", i)
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Path == "" {
			return fmt.Errorf("archive path is required when archiving is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			return fmt.Errorf("archive retention days must be at least 1")
		}
		if c.Archive.SweepSchedule == "" {
			return fmt.Errorf("archive sweep schedule is required when archiving is enabled")
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
