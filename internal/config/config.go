package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/fedloop/internal/algo"
	"github.com/dyluth/fedloop/internal/flow"
	"github.com/dyluth/fedloop/internal/logging"
	"github.com/dyluth/fedloop/internal/orchestrator"
	"github.com/dyluth/fedloop/internal/policy"
)

// DefaultPath is the configuration file looked up when FEDLOOP_CONFIG is unset.
const DefaultPath = "fedloop.yml"

// Defaults applied by Validate.
const (
	DefaultRedisImage     = "redis:7-alpine"
	DefaultSiteStaleAfter = 30 * time.Second
	DefaultSiteTimeout    = 5 * time.Minute
)

// SiteIDPattern matches valid site IDs.
var SiteIDPattern = regexp.MustCompile(`^[A-Za-z0-9]([-_.A-Za-z0-9]*[A-Za-z0-9])?$`)

// FedloopConfig represents the top-level fedloop.yml configuration
type FedloopConfig struct {
	Version  string          `yaml:"version"`
	Job      JobConfig       `yaml:"job"`
	Sites    map[string]Site `yaml:"sites,omitempty"`
	Services *ServicesConfig `yaml:"services,omitempty"`
	Redis    RedisConfig     `yaml:"redis,omitempty"`
	Logging  logging.Config  `yaml:"logging,omitempty"`
	Health   HealthConfig    `yaml:"health,omitempty"`
	History  HistoryConfig   `yaml:"history,omitempty"`

	// Dir is the directory of the loaded file. Relative paths in the
	// configuration are resolved against it.
	Dir string `yaml:"-"`
}

// JobConfig describes the federated run driven by the coordinator.
type JobConfig struct {
	Name                string                      `yaml:"name"`
	MinClients          int                         `yaml:"min_clients"`
	NumRounds           int                         `yaml:"num_rounds"`
	StartRound          *int                        `yaml:"start_round,omitempty"`
	PollInterval        time.Duration               `yaml:"poll_interval,omitempty"`
	TaskName            string                      `yaml:"task_name,omitempty"`
	TaskTimeout         time.Duration               `yaml:"task_timeout,omitempty"`
	JoinTimeout         time.Duration               `yaml:"join_timeout,omitempty"`
	SiteWaitTimeout     time.Duration               `yaml:"site_wait_timeout,omitempty"`
	EarlyStopMetrics    map[string]float64          `yaml:"early_stop_metrics,omitempty"`
	Weighting           orchestrator.Weighting      `yaml:"weighting,omitempty"`
	ComparisonMode      policy.Mode                 `yaml:"comparison_mode,omitempty"`
	ComparisonRules     map[string]policy.Direction `yaml:"comparison_rules,omitempty"`
	TolerableErrors     []flow.Status               `yaml:"tolerable_errors,omitempty"`
	PersistOnAbort      bool                        `yaml:"persist_on_abort,omitempty"`
	PersistEveryNRounds int                         `yaml:"persist_every_n_rounds,omitempty"`
	OutputPath          string                      `yaml:"output_path,omitempty"`
	ParamsType          algo.ParamsType             `yaml:"params_type,omitempty"`
	InitialParams       string                      `yaml:"initial_params,omitempty"` // JSON file
}

// Site is a site run by `fedloop simulate` or `fedloop up`.
type Site struct {
	Command     []string      `yaml:"command,omitempty"`
	Image       string        `yaml:"image,omitempty"` // Docker image for `fedloop up`
	Environment []string      `yaml:"environment,omitempty"`
	Workdir     string        `yaml:"workdir,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"` // Per-task executor timeout
}

// ServicesConfig specifies service-level overrides for `fedloop up`
type ServicesConfig struct {
	Coordinator *ServiceOverride `yaml:"coordinator,omitempty"`
	Site        *ServiceOverride `yaml:"site,omitempty"` // site agent image
	Redis       *ServiceOverride `yaml:"redis,omitempty"`
}

// ServiceOverride allows overriding default service images
type ServiceOverride struct {
	Image string `yaml:"image,omitempty"`
}

// RedisConfig configures the blackboard connection. REDIS_URL overrides URL.
type RedisConfig struct {
	URL            string        `yaml:"url,omitempty"`
	SiteStaleAfter time.Duration `yaml:"site_stale_after,omitempty"`
}

// HealthConfig configures the coordinator's health server.
type HealthConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// HistoryConfig configures the SQLite round history. An empty path disables it.
type HistoryConfig struct {
	Path string `yaml:"path,omitempty"`
}

// Validate performs strict validation on the configuration and fills in
// defaults.
func (c *FedloopConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Job.Name == "" {
		c.Job.Name = orchestrator.DefaultJob
	}
	if err := c.Coordinator().Validate(); err != nil {
		return fmt.Errorf("job: %w", err)
	}
	if _, err := policy.New(c.Job.ComparisonRules); err != nil {
		return fmt.Errorf("job: %w", err)
	}
	if c.Job.ParamsType == "" {
		c.Job.ParamsType = algo.ParamsFull
	}
	if err := c.Job.ParamsType.Validate(); err != nil {
		return fmt.Errorf("job: %w", err)
	}

	for id, site := range c.Sites {
		if err := site.Validate(id); err != nil {
			return err
		}
		if site.Timeout == 0 {
			site.Timeout = DefaultSiteTimeout
			c.Sites[id] = site
		}
	}

	if c.Redis.SiteStaleAfter == 0 {
		c.Redis.SiteStaleAfter = DefaultSiteStaleAfter
	}
	if c.Redis.SiteStaleAfter < 0 {
		return fmt.Errorf("redis.site_stale_after must be >= 0, got %s", c.Redis.SiteStaleAfter)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	if c.Health.Addr == "" {
		c.Health.Addr = orchestrator.DefaultHealthAddr
	}

	return nil
}

// Validate performs validation on a single site configuration
func (s *Site) Validate(id string) error {
	if !SiteIDPattern.MatchString(id) {
		return fmt.Errorf("invalid site ID '%s': must be alphanumeric with '-', '_' or '.' (not at start/end)", id)
	}
	if len(s.Command) == 0 && s.Image == "" {
		return fmt.Errorf("site '%s': command or image is required", id)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("site '%s': timeout must be >= 0, got %s", id, s.Timeout)
	}
	return nil
}

// Coordinator converts the job section into a coordinator configuration with
// defaults applied.
func (c *FedloopConfig) Coordinator() orchestrator.Config {
	j := c.Job
	return orchestrator.Config{
		Job:                 j.Name,
		MinClients:          j.MinClients,
		NumRounds:           j.NumRounds,
		StartRound:          j.StartRound,
		PollInterval:        j.PollInterval,
		TaskName:            j.TaskName,
		TaskTimeout:         j.TaskTimeout,
		JoinTimeout:         j.JoinTimeout,
		SiteWaitTimeout:     j.SiteWaitTimeout,
		EarlyStopMetrics:    j.EarlyStopMetrics,
		Weighting:           j.Weighting,
		ComparisonMode:      j.ComparisonMode,
		ComparisonRules:     j.ComparisonRules,
		TolerableErrors:     j.TolerableErrors,
		PersistOnAbort:      j.PersistOnAbort,
		PersistEveryNRounds: j.PersistEveryNRounds,
	}.WithDefaults()
}

// FedAvgOptions builds the algorithm options, reading initial params if
// configured.
func (c *FedloopConfig) FedAvgOptions() (algo.FedAvgOptions, error) {
	opts := algo.FedAvgOptions{ParamsType: c.Job.ParamsType}
	if c.Job.InitialParams != "" {
		params, err := algo.LoadParams(c.Resolve(c.Job.InitialParams))
		if err != nil {
			return opts, err
		}
		opts.InitialParams = params
	}
	return opts, nil
}

// Resolve returns path relative to the configuration file's directory.
// Absolute and empty paths are returned unchanged.
func (c *FedloopConfig) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.Dir == "" {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// RedisImage returns the Redis image used by `fedloop up`.
func (c *FedloopConfig) RedisImage() string {
	if c.Services != nil && c.Services.Redis != nil && c.Services.Redis.Image != "" {
		return c.Services.Redis.Image
	}
	return DefaultRedisImage
}

// CoordinatorImage returns the coordinator image used by `fedloop up`, or ""
// when none is configured.
func (c *FedloopConfig) CoordinatorImage() string {
	if c.Services != nil && c.Services.Coordinator != nil {
		return c.Services.Coordinator.Image
	}
	return ""
}

// SiteImage returns the site agent image used by `fedloop up`, or "" when
// none is configured.
func (c *FedloopConfig) SiteImage() string {
	if c.Services != nil && c.Services.Site != nil {
		return c.Services.Site.Image
	}
	return ""
}

// PathFromEnv returns FEDLOOP_CONFIG, or DefaultPath when unset.
func PathFromEnv() string {
	if p := os.Getenv("FEDLOOP_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and validates fedloop.yml from the specified path. Unknown keys
// are rejected.
func Load(path string) (*FedloopConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config FedloopConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML: %s is empty", path)
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
		config.Dir = abs
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
