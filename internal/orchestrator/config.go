package orchestrator

import (
	"fmt"
	"time"

	"github.com/dyluth/fedloop/internal/comm"
	"github.com/dyluth/fedloop/internal/flow"
	"github.com/dyluth/fedloop/internal/policy"
)

// Weighting selects the weight given to each contribution in a round.
type Weighting string

const (
	// WeightingRound weights a contribution by its round index.
	WeightingRound Weighting = "round"

	// WeightingUniform gives every contribution weight 1.
	WeightingUniform Weighting = "uniform"
)

// Validate checks if the Weighting is a valid enum value.
func (w Weighting) Validate() error {
	switch w {
	case WeightingRound, WeightingUniform:
		return nil
	default:
		return fmt.Errorf("invalid weighting: %q (must be 'round' or 'uniform')", w)
	}
}

// Fn returns the weight function for w.
func (w Weighting) Fn() func(round int) float64 {
	if w == WeightingUniform {
		return func(int) float64 { return 1 }
	}
	return func(round int) float64 { return float64(round) }
}

// Config controls a coordinator run.
type Config struct {
	Job        string
	MinClients int
	NumRounds  int

	// StartRound is the first round index. Nil starts at 1.
	StartRound *int

	PollInterval time.Duration
	TaskName     string
	TaskTimeout  time.Duration
	JoinTimeout  time.Duration

	// SiteWaitTimeout bounds the wait for MinClients sites to join before
	// the first round. Zero skips the wait.
	SiteWaitTimeout time.Duration

	// EarlyStopMetrics stops the run once the previous round's metrics meet
	// any of these targets.
	EarlyStopMetrics map[string]float64
	Weighting        Weighting
	ComparisonMode   policy.Mode
	ComparisonRules  map[string]policy.Direction
	TolerableErrors  []flow.Status

	PersistOnAbort      bool
	PersistEveryNRounds int
}

// Defaults used by Config.WithDefaults.
const (
	DefaultJob         = "default"
	DefaultNumRounds   = 10
	DefaultJoinTimeout = 10 * time.Second
)

// WithDefaults returns a copy of c with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.Job == "" {
		c.Job = DefaultJob
	}
	if c.NumRounds == 0 {
		c.NumRounds = DefaultNumRounds
	}
	if c.StartRound == nil {
		start := 1
		c.StartRound = &start
	}
	if c.PollInterval == 0 {
		c.PollInterval = comm.DefaultPollInterval
	}
	if c.TaskName == "" {
		c.TaskName = comm.DefaultTaskName
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.Weighting == "" {
		c.Weighting = WeightingRound
	}
	if c.ComparisonMode == "" {
		c.ComparisonMode = policy.ModeAny
	}
	if c.TolerableErrors == nil {
		c.TolerableErrors = []flow.Status{flow.StatusRetryableError}
	}
	return c
}

// FirstRound returns the first round index.
func (c Config) FirstRound() int {
	if c.StartRound == nil {
		return 1
	}
	return *c.StartRound
}

// Validate checks the configuration. Call it on the result of WithDefaults.
func (c Config) Validate() error {
	if c.MinClients < 0 {
		return fmt.Errorf("min_clients must be >= 0, got %d", c.MinClients)
	}
	if c.NumRounds < 1 {
		return fmt.Errorf("num_rounds must be >= 1, got %d", c.NumRounds)
	}
	if c.FirstRound() < 0 {
		return fmt.Errorf("start_round must be >= 0, got %d", c.FirstRound())
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval must be >= 0, got %s", c.PollInterval)
	}
	if c.TaskTimeout < 0 {
		return fmt.Errorf("task_timeout must be >= 0, got %s", c.TaskTimeout)
	}
	if c.SiteWaitTimeout < 0 {
		return fmt.Errorf("site_wait_timeout must be >= 0, got %s", c.SiteWaitTimeout)
	}
	if c.PersistEveryNRounds < 0 {
		return fmt.Errorf("persist_every_n_rounds must be >= 0, got %d", c.PersistEveryNRounds)
	}
	if err := c.Weighting.Validate(); err != nil {
		return err
	}
	if c.Weighting == WeightingRound && c.FirstRound() < 1 {
		return fmt.Errorf("start_round must be >= 1 with round weighting, got %d", c.FirstRound())
	}
	if err := c.ComparisonMode.Validate(); err != nil {
		return err
	}
	for _, s := range c.TolerableErrors {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("invalid tolerable error: %w", err)
		}
		if s == flow.StatusOK {
			return fmt.Errorf("invalid tolerable error: %s is not an error", s)
		}
	}
	return nil
}
