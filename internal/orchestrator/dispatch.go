package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dyluth/fedloop/internal/comm"
	"github.com/dyluth/fedloop/internal/flow"
	"github.com/dyluth/fedloop/internal/transport"
)

// DispatcherWorkerID is the worker ID of the synthetic result injected when a
// dispatch fails before any target is known.
const DispatcherWorkerID = "_dispatcher"

// ErrNoSites is returned when a broadcast has no explicit targets and the
// transport knows no sites.
var ErrNoSites = errors.New("no sites available")

// LoopState is the state of a DispatchLoop.
type LoopState string

const (
	LoopIdle        LoopState = "idle"
	LoopDispatching LoopState = "dispatching"
	LoopTerminated  LoopState = "terminated"
)

// DispatchObserver receives dispatch outcomes. *metrics.Collector implements it.
type DispatchObserver interface {
	ObserveResult(task string, status flow.Status)
	ObserveDispatchError(task string)
}

// DispatchLoop drains the command queue on its own goroutine and hands each
// request to the transport. Every worker response is pushed to the result
// queue as soon as the transport reports it.
type DispatchLoop struct {
	ch        *comm.Channel
	transport transport.Transport
	logger    *zap.Logger
	observer  DispatchObserver

	errs chan error
	done chan struct{}

	mu      sync.Mutex
	state   LoopState
	started bool
}

// NewDispatchLoop creates a loop reading commands from ch. observer may be nil.
func NewDispatchLoop(ch *comm.Channel, tr transport.Transport, observer DispatchObserver, logger *zap.Logger) *DispatchLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispatchLoop{
		ch:        ch,
		transport: tr,
		logger:    logger.With(zap.String("component", "dispatch_loop")),
		observer:  observer,
		errs:      make(chan error, 16),
		done:      make(chan struct{}),
		state:     LoopIdle,
	}
}

// Start launches the loop goroutine. The loop runs until it consumes a STOP
// command or ctx ends.
func (d *DispatchLoop) Start(ctx context.Context) error {
	if d.ch == nil {
		return comm.ErrMissingChannel
	}
	if d.transport == nil {
		return errors.New("dispatch loop requires a transport")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("dispatch loop already started")
	}
	d.started = true

	go d.run(ctx)
	return nil
}

// Errors returns transport failures in the order they happened.
func (d *DispatchLoop) Errors() <-chan error {
	return d.errs
}

// Done is closed once the loop goroutine has exited.
func (d *DispatchLoop) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the loop exits or timeout elapses. A timeout of zero
// waits indefinitely. Returns true if the loop exited.
func (d *DispatchLoop) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-d.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-d.done:
		return true
	case <-timer.C:
		return false
	}
}

// State returns the current loop state.
func (d *DispatchLoop) State() LoopState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DispatchLoop) setState(s LoopState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *DispatchLoop) run(ctx context.Context) {
	defer close(d.done)
	defer d.setState(LoopTerminated)

	d.logger.Debug("dispatch loop started")

	for {
		cmd, err := d.ch.GetCommand(ctx)
		if err != nil {
			d.logger.Debug("dispatch loop exiting", zap.Error(err))
			return
		}

		if cmd.Kind == comm.CommandStop {
			d.logger.Debug("stop command received")
			return
		}

		d.setState(LoopDispatching)
		if err := d.handle(ctx, cmd); err != nil {
			d.report(err)
		}
		d.setState(LoopIdle)
	}
}

func (d *DispatchLoop) handle(ctx context.Context, cmd comm.Command) error {
	req := cmd.Request
	if req == nil {
		return fmt.Errorf("%s command without a request", cmd.Kind)
	}

	switch cmd.Kind {
	case comm.CommandBroadcast:
		return d.dispatch(ctx, req, flow.OperatorBroadcast, req.Targets)

	case comm.CommandSend:
		if len(req.Targets) == 0 {
			return d.fail(req, nil, errors.New("send command without targets"))
		}
		for i, target := range req.Targets {
			if err := d.dispatch(ctx, req, flow.OperatorSend, []string{target}); err != nil {
				// Targets after the failed one never see the task.
				if rest := req.Targets[i+1:]; len(rest) > 0 {
					d.fail(req, rest, fmt.Errorf("send aborted after failure on %s: %w", target, err))
				}
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

// dispatch sends one task to targets, resolving every known site when none
// are given. Every target receives exactly one result on the queue, even when
// the transport fails.
func (d *DispatchLoop) dispatch(ctx context.Context, req *comm.Request, op flow.Operator, targets []string) error {
	if len(targets) == 0 {
		sites, err := d.transport.Sites(ctx)
		if err != nil {
			return d.fail(req, nil, fmt.Errorf("failed to resolve sites: %w", err))
		}
		if len(sites) == 0 {
			return d.fail(req, nil, ErrNoSites)
		}
		targets = sites
	}

	task := &flow.Task{
		ID:          uuid.New().String(),
		Name:        req.TaskName,
		Payload:     req.Payload.Clone(),
		Operator:    op,
		Targets:     append([]string(nil), targets...),
		Timeout:     req.Timeout,
		Round:       req.Round.Current,
		StartRound:  req.Round.Start,
		TotalRounds: req.Round.Total,
		CreatedAtMs: time.Now().UnixMilli(),
	}

	var mu sync.Mutex
	outstanding := make(map[string]bool, len(targets))
	for _, t := range targets {
		outstanding[t] = true
	}

	d.logger.Debug("dispatching task",
		zap.String("task_id", task.ID),
		zap.String("task", task.Name),
		zap.String("operator", string(op)),
		zap.Int("round", task.Round),
		zap.Strings("targets", targets))

	err := d.transport.Dispatch(ctx, task, targets, func(res flow.WorkerResult) {
		mu.Lock()
		if !outstanding[res.WorkerID] {
			mu.Unlock()
			d.logger.Warn("ignoring result from unexpected worker",
				zap.String("task_id", task.ID),
				zap.String("worker", res.WorkerID))
			return
		}
		delete(outstanding, res.WorkerID)
		mu.Unlock()

		d.publish(req, res)
	})
	if err != nil {
		mu.Lock()
		remaining := make([]string, 0, len(outstanding))
		for t := range outstanding {
			remaining = append(remaining, t)
		}
		mu.Unlock()
		sort.Strings(remaining)
		return d.fail(req, remaining, fmt.Errorf("failed to dispatch task %s: %w", task.ID, err))
	}
	return nil
}

// fail publishes a FATAL_ERROR result for every outstanding target, or for the
// dispatcher itself when there are none, and returns err.
func (d *DispatchLoop) fail(req *comm.Request, outstanding []string, err error) error {
	if len(outstanding) == 0 {
		outstanding = []string{DispatcherWorkerID}
	}
	for _, target := range outstanding {
		d.publish(req, flow.WorkerResult{
			WorkerID: target,
			Status:   flow.StatusFatalError,
			Error:    err.Error(),
		})
	}
	if d.observer != nil {
		d.observer.ObserveDispatchError(req.TaskName)
	}
	return err
}

func (d *DispatchLoop) publish(req *comm.Request, res flow.WorkerResult) {
	if d.observer != nil {
		d.observer.ObserveResult(req.TaskName, res.Status)
	}
	fragment := flow.ResultFragment{
		TaskName: req.TaskName,
		Round:    req.Round.Current,
		Results:  map[string]flow.WorkerResult{res.WorkerID: res},
	}
	if err := d.ch.PutResult(fragment); err != nil {
		d.logger.Error("failed to queue result", zap.String("worker", res.WorkerID), zap.Error(err))
	}
}

func (d *DispatchLoop) report(err error) {
	d.logger.Error("dispatch failed", zap.Error(err))
	select {
	case d.errs <- err:
	default:
		d.logger.Warn("dispatch error channel full, dropping error", zap.Error(err))
	}
}
