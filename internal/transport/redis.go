package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/fedloop/internal/flow"
	"github.com/dyluth/fedloop/pkg/blackboard"
)

// RedisOptions configures a Redis transport.
type RedisOptions struct {
	// SiteStaleAfter hides sites whose last heartbeat is older than this.
	// Zero lists every registered site.
	SiteStaleAfter time.Duration

	// ReconcileInterval is how often the results hash is re-read in case a
	// Pub/Sub message was missed. Defaults to one second.
	ReconcileInterval time.Duration
}

// Redis reaches remote site agents through the blackboard: tasks are published
// on each site's channel and results are collected from result events.
type Redis struct {
	client *blackboard.Client
	opts   RedisOptions
	logger *zap.Logger
}

// NewRedis creates a Redis transport over client.
func NewRedis(client *blackboard.Client, opts RedisOptions, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = time.Second
	}
	return &Redis{
		client: client,
		opts:   opts,
		logger: logger.With(zap.String("component", "redis_transport")),
	}
}

// Sites returns the IDs of sites with a recent heartbeat.
func (r *Redis) Sites(ctx context.Context) ([]string, error) {
	sites, err := r.client.ListSites(ctx, r.opts.SiteStaleAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	ids := make([]string, 0, len(sites))
	for _, s := range sites {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// Dispatch publishes the task and reports each target's result as it arrives.
// Targets silent past the task timeout, or whose heartbeat goes stale, are
// reported as RETRYABLE_ERROR and targets still pending when ctx ends as
// ABORTED.
func (r *Redis) Dispatch(ctx context.Context, task *flow.Task, targets []string, cb Callback) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	if len(targets) == 0 {
		return nil
	}

	record, err := taskRecord(task, targets)
	if err != nil {
		return err
	}

	// Subscribe before publishing so no result can slip between the two.
	sub, err := r.client.SubscribeResults(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to results: %w", err)
	}
	defer sub.Close()

	if err := r.client.CreateTask(ctx, record); err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}

	r.logger.Info("task published",
		zap.String("task_id", task.ID),
		zap.String("task", task.Name),
		zap.Int("round", task.Round),
		zap.Strings("targets", targets))

	pending := make(map[string]bool, len(targets))
	for _, t := range targets {
		pending[t] = true
	}

	deliver := func(res *blackboard.Result) {
		if res == nil || res.TaskID != task.ID || !pending[res.SiteID] {
			return
		}
		delete(pending, res.SiteID)
		cb(workerResult(res))
	}

	reconcile := func() error {
		results, err := r.client.GetResults(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("failed to reconcile results: %w", err)
		}
		for _, res := range results {
			deliver(res)
		}
		return nil
	}

	var deadline <-chan time.Time
	if task.Timeout > 0 {
		timer := time.NewTimer(task.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(r.opts.ReconcileInterval)
	defer ticker.Stop()

	subErrors := sub.Errors()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			r.synthesize(pending, flow.StatusAborted, "task cancelled", cb)
			return nil

		case res, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					r.synthesize(pending, flow.StatusAborted, "task cancelled", cb)
					return nil
				}
				return errors.New("result subscription closed")
			}
			deliver(res)

		case err, ok := <-subErrors:
			if !ok {
				subErrors = nil
				continue
			}
			r.logger.Warn("result subscription error", zap.Error(err))

		case <-ticker.C:
			if err := reconcile(); err != nil {
				return err
			}
			if err := r.expireStale(ctx, task, pending, cb); err != nil {
				return err
			}

		case <-deadline:
			if err := reconcile(); err != nil {
				return err
			}
			if len(pending) > 0 {
				r.logger.Warn("sites timed out",
					zap.String("task_id", task.ID),
					zap.Duration("timeout", task.Timeout),
					zap.Strings("sites", sortedKeys(pending)))
				r.synthesize(pending, flow.StatusRetryableError, fmt.Sprintf("no result within %s", task.Timeout), cb)
			}
			return nil
		}
	}
	return nil
}

// expireStale fails pending targets whose last heartbeat is older than
// SiteStaleAfter.
func (r *Redis) expireStale(ctx context.Context, task *flow.Task, pending map[string]bool, cb Callback) error {
	if r.opts.SiteStaleAfter <= 0 || len(pending) == 0 {
		return nil
	}
	sites, err := r.client.ListSites(ctx, r.opts.SiteStaleAfter)
	if err != nil {
		return fmt.Errorf("failed to check site heartbeats: %w", err)
	}
	alive := make(map[string]bool, len(sites))
	for _, s := range sites {
		alive[s.ID] = true
	}
	stale := make(map[string]bool)
	for site := range pending {
		if !alive[site] {
			stale[site] = true
		}
	}
	if len(stale) == 0 {
		return nil
	}
	r.logger.Warn("sites stopped heartbeating",
		zap.String("task_id", task.ID),
		zap.Duration("stale_after", r.opts.SiteStaleAfter),
		zap.Strings("sites", sortedKeys(stale)))
	for site := range stale {
		delete(pending, site)
	}
	r.synthesize(stale, flow.StatusRetryableError, fmt.Sprintf("no heartbeat within %s", r.opts.SiteStaleAfter), cb)
	return nil
}

func (r *Redis) synthesize(pending map[string]bool, status flow.Status, msg string, cb Callback) {
	for _, site := range sortedKeys(pending) {
		delete(pending, site)
		cb(flow.WorkerResult{WorkerID: site, Status: status, Error: msg})
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// taskRecord converts a task into its blackboard form.
func taskRecord(task *flow.Task, targets []string) (*blackboard.Task, error) {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return &blackboard.Task{
		ID:          task.ID,
		Name:        task.Name,
		Payload:     string(payload),
		Operator:    string(task.Operator),
		Targets:     append([]string(nil), targets...),
		TimeoutMs:   task.Timeout.Milliseconds(),
		Round:       task.Round,
		StartRound:  task.StartRound,
		TotalRounds: task.TotalRounds,
		CreatedAtMs: task.CreatedAtMs,
	}, nil
}

// FlowTask converts a blackboard task back into the in-process form.
func FlowTask(record *blackboard.Task) (*flow.Task, error) {
	var payload flow.Payload
	if record.Payload != "" {
		if err := json.Unmarshal([]byte(record.Payload), &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
		}
	}
	op := flow.Operator(record.Operator)
	if op == "" {
		op = flow.OperatorBroadcast
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return &flow.Task{
		ID:          record.ID,
		Name:        record.Name,
		Payload:     payload,
		Operator:    op,
		Targets:     record.Targets,
		Timeout:     time.Duration(record.TimeoutMs) * time.Millisecond,
		Round:       record.Round,
		StartRound:  record.StartRound,
		TotalRounds: record.TotalRounds,
		CreatedAtMs: record.CreatedAtMs,
	}, nil
}

// workerResult converts a blackboard result into a WorkerResult. A payload
// that fails to decode turns the result into a FATAL_ERROR.
func workerResult(res *blackboard.Result) flow.WorkerResult {
	out := flow.WorkerResult{
		WorkerID: res.SiteID,
		Status:   flow.Status(res.Status),
		Error:    res.Error,
	}
	if res.Payload != "" {
		var payload flow.Payload
		if err := json.Unmarshal([]byte(res.Payload), &payload); err != nil {
			out.Status = flow.StatusFatalError
			out.Error = fmt.Sprintf("undecodable payload: %v", err)
			return out
		}
		out.Payload = payload
	}
	return out
}
