// Package job assembles a coordinator run from fedloop.yml: the FedAvg
// algorithm, the persisters, the round history and the metrics collector.
// It is shared by the coordinator binary and `fedloop simulate`.
package job

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dyluth/fedloop/internal/algo"
	"github.com/dyluth/fedloop/internal/config"
	"github.com/dyluth/fedloop/internal/history"
	"github.com/dyluth/fedloop/internal/metrics"
	"github.com/dyluth/fedloop/internal/orchestrator"
	"github.com/dyluth/fedloop/internal/persist"
	"github.com/dyluth/fedloop/internal/transport"
	"github.com/dyluth/fedloop/pkg/blackboard"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "fedloop"

// Options are the runtime collaborators of a job.
type Options struct {
	Config    *config.FedloopConfig
	Transport transport.Transport

	// Blackboard, when set, also persists the best artifact to Redis.
	Blackboard *blackboard.Client

	Logger *zap.Logger
}

// Job is an assembled coordinator together with the resources it owns.
type Job struct {
	Coordinator *orchestrator.Coordinator
	Metrics     *metrics.Collector

	history *history.Store
}

// New builds the job described by opts.Config.
func New(opts Options) (*Job, error) {
	if opts.Config == nil {
		return nil, errors.New("job requires a configuration")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	algoOpts, err := cfg.FedAvgOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to load initial params: %w", err)
	}
	fedavg, err := algo.NewFedAvg(algoOpts)
	if err != nil {
		return nil, err
	}

	var persisters persist.Multi
	if cfg.Job.OutputPath != "" {
		persisters = append(persisters, persist.NewFile(cfg.Resolve(cfg.Job.OutputPath)))
	}
	if opts.Blackboard != nil {
		persisters = append(persisters, persist.NewRedis(opts.Blackboard, cfg.Job.Name))
	}

	j := &Job{Metrics: metrics.NewCollector(MetricsNamespace, logger)}

	deps := orchestrator.Deps{
		Transport: opts.Transport,
		Algorithm: fedavg,
		Observer:  j.Metrics,
		Logger:    logger,
	}
	if len(persisters) > 0 {
		deps.Persister = persisters
	}

	if cfg.History.Path != "" {
		store, err := history.Open(cfg.Resolve(cfg.History.Path))
		if err != nil {
			return nil, err
		}
		j.history = store
		deps.Recorder = store
	}

	j.Coordinator, err = orchestrator.NewCoordinator(cfg.Coordinator(), deps)
	if err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}

// History returns the round history, or nil when none is configured.
func (j *Job) History() *history.Store {
	return j.history
}

// Close releases the history database.
func (j *Job) Close() error {
	if j.history == nil {
		return nil
	}
	return j.history.Close()
}
