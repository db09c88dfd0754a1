// Package orchestrator runs federated rounds: it owns the dispatch loop that
// talks to sites and the round loop that aggregates their results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/fedloop/internal/aggregate"
	"github.com/dyluth/fedloop/internal/comm"
	"github.com/dyluth/fedloop/internal/flow"
	"github.com/dyluth/fedloop/internal/persist"
	"github.com/dyluth/fedloop/internal/policy"
	"github.com/dyluth/fedloop/internal/transport"
)

// ErrAborted is returned by Run when its context ends before the run finishes.
var ErrAborted = errors.New("coordinator aborted")

// State is the coordinator's position in the round state machine.
type State string

const (
	StateInit       State = "init"
	StateDispatch   State = "dispatch"
	StateAggregate  State = "aggregate"
	StateEvaluate   State = "evaluate"
	StateTerminated State = "terminated"
)

// Algorithm supplies the per-round logic of a run.
type Algorithm interface {
	// InitialArtifact returns the artifact sent in the first round, or nil.
	InitialArtifact(ctx context.Context) (*flow.Artifact, error)

	// Encode builds the task payload sent to sites.
	Encode(artifact *flow.Artifact) flow.Payload

	// Decode splits a site's payload into params and metrics trees.
	Decode(workerID string, payload flow.Payload) (params, metrics map[string]any, err error)

	// Update folds the round's aggregate into the current artifact.
	Update(current, aggregated *flow.Artifact) (*flow.Artifact, error)
}

// Recorder keeps a history of completed rounds. *history.Store implements it.
type Recorder interface {
	RecordRound(ctx context.Context, summary flow.RoundSummary) error
}

// Observer receives run telemetry. *metrics.Collector implements it.
type Observer interface {
	DispatchObserver
	ObserveRound(summary flow.RoundSummary, elapsed time.Duration)
}

// Deps are the collaborators of a Coordinator. Transport and Algorithm are
// required.
type Deps struct {
	Transport transport.Transport
	Algorithm Algorithm
	Persister persist.Persister
	Recorder  Recorder
	Observer  Observer
	Logger    *zap.Logger
}

// Snapshot is a point-in-time view of a coordinator for health reporting.
type Snapshot struct {
	Job         string             `json:"job"`
	State       State              `json:"state"`
	Round       int                `json:"round"`
	BestRound   int                `json:"best_round,omitempty"`
	BestMetrics map[string]float64 `json:"best_metrics,omitempty"`
}

// Coordinator drives rounds until the round budget is spent, the early-stop
// metrics are met, the context ends, or a site fails.
type Coordinator struct {
	cfg    Config
	deps   Deps
	policy *policy.Policy
	weight func(round int) float64
	logger *zap.Logger

	mu    sync.Mutex
	state State
	round int
	best  *flow.Artifact
}

// NewCoordinator validates cfg and builds a coordinator.
func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	if deps.Transport == nil {
		return nil, errors.New("coordinator requires a transport")
	}
	if deps.Algorithm == nil {
		return nil, errors.New("coordinator requires an algorithm")
	}

	pol, err := policy.New(cfg.ComparisonRules)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		policy: pol,
		weight: cfg.Weighting.Fn(),
		logger: logger.With(zap.String("component", "coordinator"), zap.String("job", cfg.Job)),
		state:  StateInit,
	}, nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Snapshot returns the current state, round and best metrics.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{Job: c.cfg.Job, State: c.state, Round: c.round}
	if c.best != nil {
		s.BestRound = c.best.Round
		s.BestMetrics = make(map[string]float64, len(c.best.Metrics))
		for k, v := range c.best.Metrics {
			s.BestMetrics[k] = v
		}
	}
	return s
}

func (c *Coordinator) setState(state State, round int) {
	c.mu.Lock()
	c.state = state
	c.round = round
	c.mu.Unlock()
}

func (c *Coordinator) setBest(best *flow.Artifact) {
	c.mu.Lock()
	c.best = best
	c.mu.Unlock()
}

// Run executes the rounds and returns the best artifact. It does not return
// while the dispatch loop goroutine is still running.
//
// Returns:
//   - *flow.Artifact: the best artifact, nil if no round completed
//   - error: ErrAborted (wrapping ctx.Err()) when cancelled, *comm.TaskError
//     when a site reports an intolerable status, or a transport failure
func (c *Coordinator) Run(ctx context.Context) (*flow.Artifact, error) {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return nil, errors.New("coordinator already ran")
	}
	c.mu.Unlock()

	ch := comm.NewChannel()
	acc := comm.NewAccumulator(ch, comm.AccumulatorOptions{
		PollInterval: c.cfg.PollInterval,
		Tolerable:    c.cfg.TolerableErrors,
	}, c.logger)
	communicator := comm.NewCommunicator(ch, acc, comm.CommunicatorOptions{
		TaskName:    c.cfg.TaskName,
		TaskTimeout: c.cfg.TaskTimeout,
	})

	var observer DispatchObserver
	if c.deps.Observer != nil {
		observer = c.deps.Observer
	}
	loop := NewDispatchLoop(ch, c.deps.Transport, observer, c.logger)

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	if err := loop.Start(loopCtx); err != nil {
		c.setState(StateTerminated, 0)
		return nil, err
	}

	c.logEvent("run_started",
		zap.Int("start_round", c.cfg.FirstRound()),
		zap.Int("num_rounds", c.cfg.NumRounds),
		zap.Int("min_clients", c.cfg.MinClients))

	best, runErr := c.rounds(ctx, communicator)
	c.shutdown(ch, loop, cancelLoop)

	if runErr == nil {
		c.setState(StateTerminated, c.currentRound())
		if err := c.persist(ctx, best, "final"); err != nil {
			return best, err
		}
		c.logEvent("run_completed", zap.Int("best_round", roundOf(best)))
		return best, nil
	}

	defer c.setState(StateTerminated, c.currentRound())

	// Once ctx has ended every failure is treated as an abort: cancelled
	// transports report ABORTED results that are not real site failures.
	if ctx.Err() != nil {
		aborted := fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		c.logEvent("run_aborted", zap.Bool("persist_on_abort", c.cfg.PersistOnAbort))
		if c.cfg.PersistOnAbort {
			persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.JoinTimeout)
			defer cancel()
			if err := c.persist(persistCtx, best, "abort"); err != nil {
				return best, errors.Join(aborted, err)
			}
		}
		return best, aborted
	}

	if dispatchErr := drainErrors(loop); dispatchErr != nil {
		runErr = fmt.Errorf("%w (%w)", dispatchErr, runErr)
	}
	c.logger.Error("run failed", zap.Error(runErr), zap.String("event_type", "run_failed"))
	return nil, runErr
}

// rounds is the round loop. It returns the best artifact seen so far together
// with the error that ended the loop, if any.
func (c *Coordinator) rounds(ctx context.Context, communicator *comm.Communicator) (*flow.Artifact, error) {
	if c.cfg.SiteWaitTimeout > 0 && c.cfg.MinClients > 0 {
		_, err := WaitForSites(ctx, c.deps.Transport, c.cfg.MinClients, c.cfg.PollInterval, c.cfg.SiteWaitTimeout, c.logger)
		if err != nil {
			return nil, err
		}
	}

	current, err := c.deps.Algorithm.InitialArtifact(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build initial artifact: %w", err)
	}

	var best *flow.Artifact
	var lastMetrics map[string]float64
	end := c.cfg.FirstRound() + c.cfg.NumRounds

	for round := c.cfg.FirstRound(); round < end; round++ {
		if err := ctx.Err(); err != nil {
			return best, fmt.Errorf("%w: %w", comm.ErrAborted, err)
		}

		if lastMetrics != nil && len(c.cfg.EarlyStopMetrics) > 0 {
			if reason := c.policy.StopReason(lastMetrics, c.cfg.EarlyStopMetrics); reason != "" {
				c.logEvent("early_stop", zap.Int("round", round-1), zap.String("reason", reason))
				break
			}
		}

		started := time.Now()
		c.setState(StateDispatch, round)
		communicator.SetRound(flow.RoundInfo{Current: round, Start: c.cfg.FirstRound(), Total: c.cfg.NumRounds})

		c.logEvent("round_started", zap.Int("round", round))
		results, err := communicator.BroadcastAndWait(ctx, c.deps.Algorithm.Encode(current), c.cfg.MinClients)
		if err != nil {
			return best, fmt.Errorf("round %d: %w", round, err)
		}

		c.setState(StateAggregate, round)
		aggregated, err := c.aggregate(results[communicator.TaskName()], round)
		if err != nil {
			return best, fmt.Errorf("round %d: %w", round, err)
		}
		next, err := c.deps.Algorithm.Update(current, aggregated)
		if err != nil {
			return best, fmt.Errorf("round %d: %w", round, err)
		}

		c.setState(StateEvaluate, round)
		var incumbent map[string]float64
		if best != nil {
			incumbent = best.Metrics
			if incumbent == nil {
				incumbent = map[string]float64{}
			}
		}
		isBest := c.policy.IsBetter(next.Metrics, incumbent, c.cfg.ComparisonMode)
		if isBest {
			best = next
			c.setBest(best)
		}

		summary := flow.RoundSummary{
			Job:          c.cfg.Job,
			Round:        round,
			Contributors: next.Contributors,
			Metrics:      next.Metrics,
			Best:         isBest,
		}
		c.record(ctx, summary, time.Since(started))

		if n := c.cfg.PersistEveryNRounds; n > 0 && (round-c.cfg.FirstRound()+1)%n == 0 {
			if err := c.persist(ctx, best, "checkpoint"); err != nil {
				c.logger.Warn("checkpoint failed", zap.Int("round", round), zap.Error(err))
			}
		}

		current = next
		lastMetrics = next.Metrics
		if lastMetrics == nil {
			lastMetrics = map[string]float64{}
		}
	}

	return best, nil
}

// aggregate averages the round's contributions into a new artifact. A round
// whose contributions carry no params yields an artifact with nil Params.
func (c *Coordinator) aggregate(contributions map[string]flow.Payload, round int) (*flow.Artifact, error) {
	weight := c.weight(round)
	params := aggregate.NewWeightedAggregator()
	metrics := aggregate.NewWeightedAggregator()

	workers := make([]string, 0, len(contributions))
	for id := range contributions {
		workers = append(workers, id)
	}
	sort.Strings(workers)

	for _, id := range workers {
		p, m, err := c.deps.Algorithm.Decode(id, contributions[id])
		if err != nil {
			return nil, fmt.Errorf("failed to decode contribution: %w", err)
		}
		if err := params.Add(p, weight, id, round); err != nil {
			return nil, fmt.Errorf("failed to aggregate params: %w", err)
		}
		if err := metrics.Add(m, weight, id, round); err != nil {
			return nil, fmt.Errorf("failed to aggregate metrics: %w", err)
		}
	}

	artifact := &flow.Artifact{
		Contributors: params.Contributors(),
		Round:        round,
		Metrics:      map[string]float64{},
	}

	tree, err := params.Result()
	switch {
	case errors.Is(err, aggregate.ErrNoContributions):
	case err != nil:
		return nil, err
	default:
		artifact.Params = tree
	}

	if !metrics.Empty() {
		scalars, err := metrics.ScalarResult()
		if err != nil {
			return nil, err
		}
		artifact.Metrics = scalars
	}

	c.logEvent("round_aggregated",
		zap.Int("round", round),
		zap.Int("contributors", artifact.Contributors),
		zap.Float64("weight", weight),
		zap.Any("metrics", artifact.Metrics))
	return artifact, nil
}

func (c *Coordinator) record(ctx context.Context, summary flow.RoundSummary, elapsed time.Duration) {
	c.logEvent("round_completed",
		zap.Int("round", summary.Round),
		zap.Int("contributors", summary.Contributors),
		zap.Bool("best", summary.Best),
		zap.Duration("elapsed", elapsed))

	if c.deps.Observer != nil {
		c.deps.Observer.ObserveRound(summary, elapsed)
	}
	if c.deps.Recorder != nil {
		if err := c.deps.Recorder.RecordRound(ctx, summary); err != nil {
			c.logger.Warn("failed to record round", zap.Int("round", summary.Round), zap.Error(err))
		}
	}
}

func (c *Coordinator) persist(ctx context.Context, best *flow.Artifact, reason string) error {
	if c.deps.Persister == nil {
		return nil
	}
	if best == nil {
		c.logger.Warn("no artifact to persist", zap.String("reason", reason))
		return nil
	}
	if err := c.deps.Persister.Persist(ctx, best); err != nil {
		return fmt.Errorf("failed to persist artifact: %w", err)
	}
	c.logEvent("artifact_persisted", zap.String("reason", reason), zap.Int("round", best.Round))
	return nil
}

// shutdown stops the dispatch loop and waits for it. A loop still busy after
// JoinTimeout is cancelled and then waited for without a bound.
func (c *Coordinator) shutdown(ch *comm.Channel, loop *DispatchLoop, cancelLoop context.CancelFunc) {
	if err := ch.PutCommand(comm.StopCommand()); err != nil {
		c.logger.Error("failed to enqueue stop command", zap.Error(err))
	}
	if !loop.Wait(c.cfg.JoinTimeout) {
		c.logger.Warn("dispatch loop did not stop in time, cancelling",
			zap.Duration("join_timeout", c.cfg.JoinTimeout))
		cancelLoop()
		loop.Wait(0)
	}
}

func (c *Coordinator) currentRound() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round
}

// logEvent logs a structured coordinator event.
func (c *Coordinator) logEvent(eventType string, fields ...zap.Field) {
	c.logger.Info(eventType, append(fields, zap.String("event_type", eventType))...)
}

// drainErrors returns the first transport error reported by a stopped loop.
func drainErrors(loop *DispatchLoop) error {
	select {
	case err := <-loop.Errors():
		return err
	default:
		return nil
	}
}

func roundOf(a *flow.Artifact) int {
	if a == nil {
		return 0
	}
	return a.Round
}
