// Package flow defines the data model shared by every fedloop component:
// tasks sent to sites, the results they return, and the artifact refined
// round after round by the coordinator.
package flow

import (
	"fmt"
	"time"
)

// Status is the outcome a site reports for a single task.
type Status string

const (
	// StatusOK indicates the site completed the task and returned a payload
	StatusOK Status = "OK"

	// StatusRetryableError indicates a transient failure (timeout, unreachable site)
	StatusRetryableError Status = "RETRYABLE_ERROR"

	// StatusFatalError indicates the site failed in a way that retrying will not fix
	StatusFatalError Status = "FATAL_ERROR"

	// StatusAborted indicates the task was cancelled before the site finished
	StatusAborted Status = "ABORTED"
)

// Validate checks if the Status is a valid enum value.
func (s Status) Validate() error {
	switch s {
	case StatusOK, StatusRetryableError, StatusFatalError, StatusAborted:
		return nil
	default:
		return fmt.Errorf("unknown status: %q", s)
	}
}

// Operator selects how a task is fanned out.
type Operator string

const (
	// OperatorBroadcast sends one task to every target concurrently
	OperatorBroadcast Operator = "broadcast"

	// OperatorSend sends the task to each target in order, one at a time
	OperatorSend Operator = "send"
)

// Validate checks if the Operator is a valid enum value.
func (o Operator) Validate() error {
	switch o {
	case OperatorBroadcast, OperatorSend:
		return nil
	default:
		return fmt.Errorf("unknown operator: %q", o)
	}
}

// Payload is an opaque nested mapping exchanged with sites.
// Leaves are numbers, numeric vectors, or arbitrary JSON values.
type Payload map[string]any

// Clone returns a deep copy of the payload. Nested maps and slices are copied,
// scalar leaves are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return Payload(cloneMap(p))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case Payload:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case []float64:
		return append([]float64(nil), val...)
	default:
		return v
	}
}

// RoundInfo carries the round headers attached to every task.
type RoundInfo struct {
	Current int `json:"current_round"`
	Start   int `json:"start_round"`
	Total   int `json:"total_rounds"`
}

// Task is one unit of work sent to a set of sites.
// A task is immutable once handed to a transport.
type Task struct {
	ID          string        `json:"id"`       // UUID
	Name        string        `json:"name"`     // Logical task name, e.g. "train"
	Payload     Payload       `json:"payload"`  // Artifact encoded by the algorithm, nil in the first round
	Operator    Operator      `json:"operator"` // broadcast or send
	Targets     []string      `json:"targets"`  // Site IDs the task was addressed to
	Timeout     time.Duration `json:"timeout"`  // Per-site deadline enforced by the transport, 0 means none
	Round       int           `json:"current_round"`
	StartRound  int           `json:"start_round"`
	TotalRounds int           `json:"total_rounds"`
	CreatedAtMs int64         `json:"created_at_ms"`
}

// RoundInfo returns the round headers of the task.
func (t *Task) RoundInfo() RoundInfo {
	return RoundInfo{Current: t.Round, Start: t.StartRound, Total: t.TotalRounds}
}

// WorkerResult is the single response a site produces for a task.
type WorkerResult struct {
	WorkerID string  `json:"worker_id"`
	Status   Status  `json:"status"`
	Payload  Payload `json:"payload,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// ResultFragment is one item on the result queue: the results of one task,
// keyed by worker ID. A fragment may carry a single worker or many.
type ResultFragment struct {
	TaskName string                  `json:"task_name"`
	Round    int                     `json:"round,omitempty"` // 0 when untagged
	Results  map[string]WorkerResult `json:"results"`
}

// ResultSet maps task name to worker ID to contributed payload.
// A worker that reported a tolerable error contributes an empty payload.
type ResultSet map[string]map[string]Payload

// Contributors returns the number of distinct workers that contributed to task.
func (rs ResultSet) Contributors(task string) int {
	return len(rs[task])
}

// Artifact is the aggregated value produced at the end of a round.
type Artifact struct {
	Params       map[string]any     `json:"params"`
	Metrics      map[string]float64 `json:"metrics"`
	Contributors int                `json:"contributors"`
	Round        int                `json:"round"`
}

// RoundSummary describes a completed round.
type RoundSummary struct {
	Job          string             `json:"job"`
	Round        int                `json:"round"`
	Contributors int                `json:"contributors"`
	Metrics      map[string]float64 `json:"metrics"`
	Best         bool               `json:"best"` // the round's artifact became the best so far
}
