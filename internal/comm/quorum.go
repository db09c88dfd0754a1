package comm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/fedloop/internal/flow"
)

// ErrAborted is returned by Wait when its context ends before quorum.
var ErrAborted = errors.New("wait aborted")

// DefaultPollInterval is used when AccumulatorOptions.PollInterval is zero.
const DefaultPollInterval = 200 * time.Millisecond

// waitingLogInterval controls how often a blocked Wait reports progress.
const waitingLogInterval = 5 * time.Second

// TaskError is returned when a worker reports a status outside the tolerable set.
type TaskError struct {
	Task    string
	Worker  string
	Status  flow.Status
	Message string
}

func (e *TaskError) Error() string {
	msg := fmt.Sprintf("task %s failed with '%s' status from worker %s", e.Task, e.Status, e.Worker)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// AccumulatorOptions configures an Accumulator.
type AccumulatorOptions struct {
	PollInterval time.Duration
	// Tolerable lists the non-OK statuses that count as an empty contribution
	// instead of failing the wait. Nil means no status is tolerated.
	Tolerable []flow.Status
}

// Accumulator assembles result fragments from a Channel until a quorum is met.
type Accumulator struct {
	ch           *Channel
	pollInterval time.Duration
	tolerable    map[flow.Status]bool
	round        int
	logger       *zap.Logger
}

// NewAccumulator creates an accumulator reading from ch.
func NewAccumulator(ch *Channel, opts AccumulatorOptions, logger *zap.Logger) *Accumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	tolerable := make(map[flow.Status]bool, len(opts.Tolerable))
	for _, s := range opts.Tolerable {
		if s != flow.StatusOK {
			tolerable[s] = true
		}
	}

	return &Accumulator{
		ch:           ch,
		pollInterval: opts.PollInterval,
		tolerable:    tolerable,
		logger:       logger.With(zap.String("component", "accumulator")),
	}
}

// ExpectRound makes Wait discard fragments tagged with any other round. Late
// results from an earlier round stay on the queue after its quorum and must
// not count toward the next one. Zero accepts every fragment.
func (a *Accumulator) ExpectRound(round int) {
	a.round = round
}

// Wait polls the result queue until quorum is reached, a worker reports an
// intolerable status, or ctx ends.
//
// Quorum holds once at least one fragment has been observed, every name in
// expectedTasks has been observed, and every task observed so far has at least
// minResponses distinct contributors. A repeated response from the same worker
// replaces its earlier payload and is not counted twice.
//
// Returns:
//   - flow.ResultSet: task name -> worker ID -> payload
//   - error: *TaskError, ErrAborted (wrapping ctx.Err()) or ErrMissingChannel
func (a *Accumulator) Wait(ctx context.Context, minResponses int, expectedTasks ...string) (flow.ResultSet, error) {
	if a == nil || a.ch == nil {
		return nil, ErrMissingChannel
	}

	results := make(flow.ResultSet)
	observed := false

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	waitStart := time.Now()
	lastLogTime := waitStart

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAborted, err)
		}

		if a.ch.HasResults() {
			fragments, err := a.ch.DrainResults()
			if err != nil {
				return nil, err
			}
			for _, fragment := range fragments {
				if a.stale(fragment) {
					a.logger.Debug("discarding stale result",
						zap.String("task", fragment.TaskName),
						zap.Int("round", fragment.Round),
						zap.Int("expected_round", a.round))
					continue
				}
				observed = true
				if err := a.merge(results, fragment); err != nil {
					return nil, err
				}
			}

			if observed && quorumReached(results, minResponses, expectedTasks) {
				a.logger.Debug("quorum reached",
					zap.Int("min_responses", minResponses),
					zap.Any("contributors", contributorCounts(results)),
					zap.Duration("waited", time.Since(waitStart)))
				return results, nil
			}
		}

		if time.Since(lastLogTime) >= waitingLogInterval {
			a.logger.Info("waiting for results",
				zap.Int("min_responses", minResponses),
				zap.Any("contributors", contributorCounts(results)),
				zap.Duration("waited", time.Since(waitStart).Round(time.Second)))
			lastLogTime = time.Now()
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (a *Accumulator) stale(fragment flow.ResultFragment) bool {
	return a.round != 0 && fragment.Round != 0 && fragment.Round != a.round
}

// merge folds one fragment into results.
func (a *Accumulator) merge(results flow.ResultSet, fragment flow.ResultFragment) error {
	task, ok := results[fragment.TaskName]
	if !ok {
		task = make(map[string]flow.Payload)
		results[fragment.TaskName] = task
	}

	for workerID, result := range fragment.Results {
		switch {
		case result.Status == flow.StatusOK:
			task[workerID] = result.Payload

		case a.tolerable[result.Status]:
			a.logger.Warn("tolerated worker error",
				zap.String("task", fragment.TaskName),
				zap.String("worker", workerID),
				zap.String("status", string(result.Status)),
				zap.String("error", result.Error))
			task[workerID] = flow.Payload{}

		default:
			return &TaskError{
				Task:    fragment.TaskName,
				Worker:  workerID,
				Status:  result.Status,
				Message: result.Error,
			}
		}
	}
	return nil
}

func quorumReached(results flow.ResultSet, minResponses int, expectedTasks []string) bool {
	for _, name := range expectedTasks {
		if _, ok := results[name]; !ok {
			return false
		}
	}
	for _, workers := range results {
		if len(workers) < minResponses {
			return false
		}
	}
	return true
}

func contributorCounts(results flow.ResultSet) map[string]int {
	counts := make(map[string]int, len(results))
	for name, workers := range results {
		counts[name] = len(workers)
	}
	return counts
}
