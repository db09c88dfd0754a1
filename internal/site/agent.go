// Package site implements the agent that runs at each federated site: it
// registers with the blackboard, receives tasks published for it, runs them
// with an Executor and submits the result.
package site

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/fedloop/internal/flow"
	"github.com/dyluth/fedloop/internal/transport"
	"github.com/dyluth/fedloop/pkg/blackboard"
)

// submitTimeout bounds result submission, which still runs after shutdown starts.
const submitTimeout = 5 * time.Second

// Board is the part of the blackboard client the agent uses.
type Board interface {
	Heartbeat(ctx context.Context, siteID string) error
	RemoveSite(ctx context.Context, siteID string) error
	SubscribeTasks(ctx context.Context, siteID string) (*blackboard.Subscription[blackboard.Task], error)
	SubmitResult(ctx context.Context, r *blackboard.Result) error
}

// Agent connects one site to the coordinator.
//
// It runs two goroutines joined by a work queue: the task watcher receives
// tasks and refreshes the site's heartbeat, the executor runs tasks one at a
// time and submits their results.
type Agent struct {
	board     Board
	siteID    string
	executor  Executor
	heartbeat time.Duration
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewAgent creates an agent. heartbeat defaults to DefaultHeartbeatInterval.
func NewAgent(board Board, siteID string, executor Executor, heartbeat time.Duration, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Agent{
		board:     board,
		siteID:    siteID,
		executor:  executor,
		heartbeat: heartbeat,
		logger:    logger.With(zap.String("site", siteID)),
	}
}

// Run registers the site and processes tasks until ctx is cancelled. On
// shutdown the site is removed from the registry. A task still running when
// ctx ends is reported as ABORTED.
func (a *Agent) Run(ctx context.Context) error {
	// Subscribe before registering so the coordinator never sees a site
	// that cannot receive tasks yet.
	sub, err := a.board.SubscribeTasks(ctx, a.siteID)
	if err != nil {
		return err
	}
	defer sub.Close()

	if err := a.board.Heartbeat(ctx, a.siteID); err != nil {
		return fmt.Errorf("failed to register site: %w", err)
	}

	a.logger.Info("site agent started")

	// Buffer size 1 lets the watcher hand over one task while another runs
	workQueue := make(chan *blackboard.Task, 1)

	a.wg.Add(1)
	go a.execute(ctx, workQueue)

	a.watch(ctx, sub, workQueue)
	close(workQueue)
	a.wg.Wait()

	removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
	defer cancel()
	if err := a.board.RemoveSite(removeCtx, a.siteID); err != nil {
		a.logger.Warn("failed to deregister site", zap.Error(err))
	}

	a.logger.Info("site agent stopped")
	return nil
}

// watch forwards tasks to the work queue and keeps the heartbeat fresh until
// ctx ends or the subscription closes.
func (a *Agent) watch(ctx context.Context, sub *blackboard.Subscription[blackboard.Task], workQueue chan<- *blackboard.Task) {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	subErrors := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := a.board.Heartbeat(ctx, a.siteID); err != nil && ctx.Err() == nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
			}

		case err, ok := <-subErrors:
			if !ok {
				subErrors = nil
				continue
			}
			a.logger.Warn("task subscription error", zap.Error(err))

		case task, ok := <-sub.Events():
			if !ok {
				if ctx.Err() == nil {
					a.logger.Error("task subscription closed")
				}
				return
			}
			select {
			case workQueue <- task:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *Agent) execute(ctx context.Context, workQueue <-chan *blackboard.Task) {
	defer a.wg.Done()
	for record := range workQueue {
		a.handle(ctx, record)
	}
}

// handle runs one task and submits its result.
func (a *Agent) handle(ctx context.Context, record *blackboard.Task) {
	logger := a.logger.With(zap.String("task_id", record.ID), zap.Int("round", record.Round))

	result := &blackboard.Result{TaskID: record.ID, SiteID: a.siteID}

	task, err := transport.FlowTask(record)
	if err != nil {
		result.Status = blackboard.ResultStatusFatalError
		result.Error = err.Error()
	} else if ctx.Err() != nil {
		result.Status = blackboard.ResultStatusAborted
		result.Error = "site shutting down"
	} else {
		logger.Info("executing task", zap.String("task", task.Name))
		start := time.Now()
		payload, execErr := a.executor.Execute(ctx, task)
		a.fill(ctx, result, payload, execErr)
		logger.Info("task finished",
			zap.String("status", string(result.Status)),
			zap.Duration("duration", time.Since(start)))
	}

	result.CompletedAtMs = time.Now().UnixMilli()

	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
	defer cancel()
	if err := a.board.SubmitResult(submitCtx, result); err != nil {
		logger.Error("failed to submit result", zap.Error(err))
	}
}

// fill sets the status, payload and error of result from an execution outcome.
func (a *Agent) fill(ctx context.Context, result *blackboard.Result, payload flow.Payload, err error) {
	switch {
	case err == nil:
		data, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			result.Status = blackboard.ResultStatusFatalError
			result.Error = fmt.Sprintf("failed to marshal payload: %v", marshalErr)
			return
		}
		result.Status = blackboard.ResultStatusOK
		result.Payload = string(data)
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		result.Status = blackboard.ResultStatusAborted
		result.Error = err.Error()
	default:
		result.Status = blackboard.ResultStatus(flow.StatusForError(err))
		result.Error = err.Error()
	}
}
