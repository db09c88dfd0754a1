package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/fedloop/internal/flow"
)

// HandlerFunc runs a task on an in-process site.
// Returning an error wrapped with flow.Retryable reports RETRYABLE_ERROR,
// any other error reports FATAL_ERROR.
type HandlerFunc func(ctx context.Context, task *flow.Task) (flow.Payload, error)

// Local is an in-process transport: each registered site is a HandlerFunc.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	limit    int
	logger   *zap.Logger
}

// NewLocal creates a local transport. limit caps how many handlers run at once
// for a single broadcast; 0 means unlimited.
func NewLocal(limit int, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		handlers: make(map[string]HandlerFunc),
		limit:    limit,
		logger:   logger.With(zap.String("component", "local_transport")),
	}
}

// Register adds or replaces a site.
func (l *Local) Register(siteID string, handler HandlerFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[siteID] = handler
}

// Remove unregisters a site. Later dispatches to it report FATAL_ERROR.
func (l *Local) Remove(siteID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, siteID)
}

// Sites returns the registered site IDs in sorted order.
func (l *Local) Sites(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.handlers))
	for id := range l.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Dispatch runs the task on every target concurrently and reports each result
// as soon as it is available. It returns once every target has been reported.
func (l *Local) Dispatch(ctx context.Context, task *flow.Task, targets []string, cb Callback) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}

	var g errgroup.Group
	if l.limit > 0 {
		g.SetLimit(l.limit)
	}

	var cbMu sync.Mutex
	for _, target := range targets {
		target := target
		g.Go(func() error {
			result := l.run(ctx, task, target)

			cbMu.Lock()
			defer cbMu.Unlock()
			cb(result)
			return nil
		})
	}
	return g.Wait()
}

func (l *Local) run(ctx context.Context, task *flow.Task, siteID string) flow.WorkerResult {
	l.mu.RLock()
	handler, ok := l.handlers[siteID]
	l.mu.RUnlock()

	if !ok {
		return flow.WorkerResult{
			WorkerID: siteID,
			Status:   flow.StatusFatalError,
			Error:    fmt.Sprintf("unknown site: %s", siteID),
		}
	}

	if ctx.Err() != nil {
		return aborted(siteID)
	}

	taskCtx, cancel := ctx, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	defer cancel()

	type outcome struct {
		payload flow.Payload
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		payload, err := handler(taskCtx, task)
		done <- outcome{payload, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			status := flow.StatusForError(out.err)
			if ctx.Err() != nil {
				status = flow.StatusAborted
			} else if errors.Is(out.err, context.DeadlineExceeded) {
				status = flow.StatusRetryableError
			}
			l.logger.Debug("site returned error",
				zap.String("site", siteID),
				zap.String("task_id", task.ID),
				zap.String("status", string(status)),
				zap.Error(out.err))
			return flow.WorkerResult{WorkerID: siteID, Status: status, Error: out.err.Error()}
		}
		return flow.WorkerResult{WorkerID: siteID, Status: flow.StatusOK, Payload: out.payload}

	case <-taskCtx.Done():
		if ctx.Err() != nil {
			return aborted(siteID)
		}
		l.logger.Warn("site timed out",
			zap.String("site", siteID),
			zap.String("task_id", task.ID),
			zap.Duration("timeout", task.Timeout))
		return flow.WorkerResult{
			WorkerID: siteID,
			Status:   flow.StatusRetryableError,
			Error:    fmt.Sprintf("no result within %s", task.Timeout),
		}
	}
}

func aborted(siteID string) flow.WorkerResult {
	return flow.WorkerResult{
		WorkerID: siteID,
		Status:   flow.StatusAborted,
		Error:    "task cancelled",
	}
}
