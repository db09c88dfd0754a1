package site

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// Defaults applied by LoadConfig when the matching variable is unset.
const (
	DefaultTimeout           = 5 * time.Minute
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHealthAddr        = ":8080"
)

// Config holds the site agent's runtime configuration loaded from environment variables.
type Config struct {
	// InstanceName is the fedloop instance identifier (from FEDLOOP_INSTANCE_NAME)
	InstanceName string

	// SiteID identifies this site to the coordinator (from FEDLOOP_SITE_ID)
	SiteID string

	// RedisURL is the Redis connection string (from REDIS_URL)
	RedisURL string

	// Command is the training command (from FEDLOOP_SITE_COMMAND).
	// Expected format: JSON array like ["/app/train.sh"] or ["python3", "train.py"]
	Command []string

	// Env is appended to the environment of every task
	// (from FEDLOOP_SITE_ENV, a JSON array of KEY=VALUE strings)
	Env []string

	// Image runs each task in a fresh container of this image instead of a
	// local subprocess (from FEDLOOP_SITE_IMAGE)
	Image string

	// Network is the Docker network task containers join (from FEDLOOP_NETWORK)
	Network string

	// InputDir is where task input files are written for task containers.
	// It must be a path the Docker daemon can bind-mount (from FEDLOOP_INPUT_DIR)
	InputDir string

	// Workdir is the working directory of the command (from FEDLOOP_SITE_WORKDIR)
	Workdir string

	// Timeout bounds a single task execution (from FEDLOOP_SITE_TIMEOUT, e.g. "90s")
	Timeout time.Duration

	// HeartbeatInterval is how often the site refreshes its registration
	// (from FEDLOOP_HEARTBEAT_INTERVAL)
	HeartbeatInterval time.Duration

	// HealthAddr is the listen address of the health server (from FEDLOOP_HEALTH_ADDR)
	HealthAddr string
}

// LoadConfig reads and validates configuration from environment variables.
// All errors are detected at startup before any resources are allocated.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		InstanceName:      os.Getenv("FEDLOOP_INSTANCE_NAME"),
		SiteID:            os.Getenv("FEDLOOP_SITE_ID"),
		RedisURL:          os.Getenv("REDIS_URL"),
		Image:             os.Getenv("FEDLOOP_SITE_IMAGE"),
		Workdir:           os.Getenv("FEDLOOP_SITE_WORKDIR"),
		Network:           os.Getenv("FEDLOOP_NETWORK"),
		InputDir:          os.Getenv("FEDLOOP_INPUT_DIR"),
		Timeout:           DefaultTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HealthAddr:        DefaultHealthAddr,
	}

	if commandJSON := os.Getenv("FEDLOOP_SITE_COMMAND"); commandJSON != "" {
		if err := json.Unmarshal([]byte(commandJSON), &cfg.Command); err != nil {
			return nil, fmt.Errorf("failed to parse FEDLOOP_SITE_COMMAND as JSON array: %w", err)
		}
	}

	if envJSON := os.Getenv("FEDLOOP_SITE_ENV"); envJSON != "" {
		if err := json.Unmarshal([]byte(envJSON), &cfg.Env); err != nil {
			return nil, fmt.Errorf("failed to parse FEDLOOP_SITE_ENV as JSON array: %w", err)
		}
	}

	var err error
	if cfg.Timeout, err = durationEnv("FEDLOOP_SITE_TIMEOUT", cfg.Timeout); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = durationEnv("FEDLOOP_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return nil, err
	}
	if addr := os.Getenv("FEDLOOP_HEALTH_ADDR"); addr != "" {
		cfg.HealthAddr = addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns the first validation error encountered.
func (c *Config) Validate() error {
	if c.InstanceName == "" {
		return fmt.Errorf("FEDLOOP_INSTANCE_NAME environment variable is required")
	}
	if c.SiteID == "" {
		return fmt.Errorf("FEDLOOP_SITE_ID environment variable is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL environment variable is required")
	}
	if len(c.Command) == 0 && c.Image == "" {
		return fmt.Errorf("FEDLOOP_SITE_COMMAND (non-empty JSON array) or FEDLOOP_SITE_IMAGE is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("FEDLOOP_SITE_TIMEOUT must be positive, got %s", c.Timeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("FEDLOOP_HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval)
	}
	return nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// Executor returns the executor cfg describes: a ContainerExecutor over
// runtime when Image is set, a CommandExecutor otherwise.
func (c *Config) Executor(runtime Runtime, logger *zap.Logger) Executor {
	if c.Image != "" {
		return &ContainerExecutor{
			Runtime:      runtime,
			InstanceName: c.InstanceName,
			SiteID:       c.SiteID,
			Image:        c.Image,
			Command:      c.Command,
			Env:          c.Env,
			Network:      c.Network,
			Timeout:      c.Timeout,
			InputDir:     c.InputDir,
			Logger:       logger,
		}
	}
	return &CommandExecutor{
		SiteID:  c.SiteID,
		Command: c.Command,
		Workdir: c.Workdir,
		Env:     c.Env,
		Timeout: c.Timeout,
		Logger:  logger,
	}
}
