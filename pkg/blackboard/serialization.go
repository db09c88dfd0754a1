package blackboard

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Complex fields like arrays
// and metric maps are JSON-encoded into single hash fields. This keeps the scalar
// fields queryable with HGET while still storing nested structures.

// TaskToHash converts a Task struct to a Redis hash format.
// The targets array is JSON-encoded.
func TaskToHash(t *Task) (map[string]interface{}, error) {
	targetsJSON, err := json.Marshal(t.Targets)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal targets: %w", err)
	}

	hash := map[string]interface{}{
		"id":            t.ID,
		"name":          t.Name,
		"payload":       t.Payload,
		"operator":      t.Operator,
		"targets":       string(targetsJSON),
		"timeout_ms":    t.TimeoutMs,
		"current_round": t.Round,
		"start_round":   t.StartRound,
		"total_rounds":  t.TotalRounds,
		"created_at_ms": t.CreatedAtMs,
	}

	return hash, nil
}

// HashToTask converts a Redis hash to a Task struct.
func HashToTask(hash map[string]string) (*Task, error) {
	var targets []string
	if targetsJSON := hash["targets"]; targetsJSON != "" {
		if err := json.Unmarshal([]byte(targetsJSON), &targets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal targets: %w", err)
		}
	}

	// Ensure we have an empty slice instead of nil for consistency
	if targets == nil {
		targets = []string{}
	}

	round, err := parseInt(hash, "current_round")
	if err != nil {
		return nil, err
	}
	startRound, err := parseInt(hash, "start_round")
	if err != nil {
		return nil, err
	}
	totalRounds, err := parseInt(hash, "total_rounds")
	if err != nil {
		return nil, err
	}

	timeoutMs, _ := strconv.ParseInt(hash["timeout_ms"], 10, 64)
	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)

	task := &Task{
		ID:          hash["id"],
		Name:        hash["name"],
		Payload:     hash["payload"],
		Operator:    hash["operator"],
		Targets:     targets,
		TimeoutMs:   timeoutMs,
		Round:       round,
		StartRound:  startRound,
		TotalRounds: totalRounds,
		CreatedAtMs: createdAtMs,
	}

	return task, nil
}

// ArtifactToHash converts an Artifact struct to a Redis hash format.
// The metrics map is JSON-encoded.
func ArtifactToHash(a *Artifact) (map[string]interface{}, error) {
	metrics := a.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}

	hash := map[string]interface{}{
		"id":            a.ID,
		"job":           a.Job,
		"round":         a.Round,
		"params":        a.Params,
		"metrics":       string(metricsJSON),
		"contributors":  a.Contributors,
		"created_at_ms": a.CreatedAtMs,
	}

	return hash, nil
}

// HashToArtifact converts a Redis hash to an Artifact struct.
func HashToArtifact(hash map[string]string) (*Artifact, error) {
	round, err := parseInt(hash, "round")
	if err != nil {
		return nil, err
	}

	metrics := map[string]float64{}
	if metricsJSON := hash["metrics"]; metricsJSON != "" {
		if err := json.Unmarshal([]byte(metricsJSON), &metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
	}

	contributors, _ := strconv.Atoi(hash["contributors"])
	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)

	artifact := &Artifact{
		ID:           hash["id"],
		Job:          hash["job"],
		Round:        round,
		Params:       hash["params"],
		Metrics:      metrics,
		Contributors: contributors,
		CreatedAtMs:  createdAtMs,
	}

	return artifact, nil
}

func parseInt(hash map[string]string, field string) (int, error) {
	v, err := strconv.Atoi(hash[field])
	if err != nil {
		return 0, fmt.Errorf("invalid %s field: %w", field, err)
	}
	return v, nil
}
