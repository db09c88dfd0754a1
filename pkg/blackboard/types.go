package blackboard

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Task is a unit of work published to one or more sites.
type Task struct {
	ID          string   `json:"id"`            // UUID
	Name        string   `json:"name"`          // Logical task name, e.g. "train"
	Payload     string   `json:"payload"`       // JSON object, "null" when the round carries no artifact
	Operator    string   `json:"operator"`      // "broadcast" or "send", empty means broadcast
	Targets     []string `json:"targets"`       // Site IDs the task was published to
	TimeoutMs   int64    `json:"timeout_ms"`    // Per-site deadline, 0 means none
	Round       int      `json:"current_round"` // Round headers
	StartRound  int      `json:"start_round"`
	TotalRounds int      `json:"total_rounds"`
	CreatedAtMs int64    `json:"created_at_ms"` // Unix timestamp in milliseconds
}

// ResultStatus is the outcome a site reports for a task.
type ResultStatus string

const (
	// ResultStatusOK indicates the site completed the task
	ResultStatusOK ResultStatus = "OK"

	// ResultStatusRetryableError indicates a transient failure such as a timeout
	ResultStatusRetryableError ResultStatus = "RETRYABLE_ERROR"

	// ResultStatusFatalError indicates a failure that retrying will not fix
	ResultStatusFatalError ResultStatus = "FATAL_ERROR"

	// ResultStatusAborted indicates the site stopped before finishing
	ResultStatusAborted ResultStatus = "ABORTED"
)

// Result is a site's response to a task. Each site submits at most one result
// per task; a resubmission replaces the previous one.
type Result struct {
	TaskID        string       `json:"task_id"`
	SiteID        string       `json:"site_id"`
	Status        ResultStatus `json:"status"`
	Payload       string       `json:"payload,omitempty"` // JSON object, empty unless Status is OK
	Error         string       `json:"error,omitempty"`
	CompletedAtMs int64        `json:"completed_at_ms"`
}

// Site is a registered site agent and the time it was last heard from.
type Site struct {
	ID         string `json:"id"`
	LastSeenMs int64  `json:"last_seen_ms"`
}

// Artifact is an aggregated artifact stored for a job.
type Artifact struct {
	ID           string             `json:"id"`  // UUID
	Job          string             `json:"job"` // Job name from fedloop.yml
	Round        int                `json:"round"`
	Params       string             `json:"params"` // JSON object
	Metrics      map[string]float64 `json:"metrics"`
	Contributors int                `json:"contributors"`
	CreatedAtMs  int64              `json:"created_at_ms"`
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if !isValidUUID(t.ID) {
		return fmt.Errorf("invalid task ID: not a valid UUID")
	}

	if t.Name == "" {
		return fmt.Errorf("task name cannot be empty")
	}

	if len(t.Targets) == 0 {
		return fmt.Errorf("task must have at least one target")
	}

	for i, target := range t.Targets {
		if target == "" {
			return fmt.Errorf("invalid target at index %d: site ID cannot be empty", i)
		}
	}

	switch t.Operator {
	case "", "broadcast", "send":
	default:
		return fmt.Errorf("invalid operator: %q", t.Operator)
	}

	if t.TimeoutMs < 0 {
		return fmt.Errorf("invalid timeout: must be >= 0, got %d", t.TimeoutMs)
	}

	if t.Round < 0 {
		return fmt.Errorf("invalid round: must be >= 0, got %d", t.Round)
	}

	if err := validateJSON(t.Payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	return nil
}

// Validate checks if the Result has valid field values.
func (r *Result) Validate() error {
	if !isValidUUID(r.TaskID) {
		return fmt.Errorf("invalid task ID: not a valid UUID")
	}

	if r.SiteID == "" {
		return fmt.Errorf("site ID cannot be empty")
	}

	if err := r.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}

	if r.Payload != "" {
		if err := validateJSON(r.Payload); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	return nil
}

// Validate checks if the ResultStatus is a valid enum value.
func (s ResultStatus) Validate() error {
	switch s {
	case ResultStatusOK, ResultStatusRetryableError, ResultStatusFatalError, ResultStatusAborted:
		return nil
	default:
		return fmt.Errorf("unknown result status: %q", s)
	}
}

// Validate checks if the Artifact has valid field values.
func (a *Artifact) Validate() error {
	if !isValidUUID(a.ID) {
		return fmt.Errorf("invalid artifact ID: not a valid UUID")
	}

	if a.Job == "" {
		return fmt.Errorf("job cannot be empty")
	}

	if a.Round < 0 {
		return fmt.Errorf("invalid round: must be >= 0, got %d", a.Round)
	}

	if err := validateJSON(a.Params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}

	return nil
}

// validateJSON accepts an empty string, "null" or any JSON object.
func validateJSON(s string) error {
	if s == "" || s == "null" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return fmt.Errorf("must be a JSON object: %w", err)
	}
	return nil
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
