// Package transport delivers tasks to sites and reports one result per site.
//
// Two implementations are provided: Local runs sites as in-process handlers and
// Redis reaches remote site agents through the blackboard.
package transport

import (
	"context"

	"github.com/dyluth/fedloop/internal/flow"
)

// Callback receives the result of one target. Implementations never invoke a
// callback concurrently with another callback for the same Dispatch call.
type Callback func(result flow.WorkerResult)

// Transport is the contract the dispatch loop depends on.
//
// Dispatch must invoke cb exactly once for every target before returning nil,
// synthesizing RETRYABLE_ERROR for targets that time out and ABORTED for
// targets still running when ctx ends. A non-nil error means the transport
// itself failed; targets that were not yet reported may never be.
type Transport interface {
	Sites(ctx context.Context) ([]string, error)
	Dispatch(ctx context.Context, task *flow.Task, targets []string, cb Callback) error
}
