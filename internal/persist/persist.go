// Package persist stores the best artifact of a run.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/fedloop/internal/flow"
	"github.com/dyluth/fedloop/pkg/blackboard"
)

// Persister stores an artifact. Implementations must be safe to call more
// than once per run; later calls replace earlier ones.
type Persister interface {
	Persist(ctx context.Context, artifact *flow.Artifact) error
}

// File writes the artifact as indented JSON to Path.
type File struct {
	Path string
}

// NewFile creates a file persister writing to path.
func NewFile(path string) *File {
	return &File{Path: path}
}

// Persist writes artifact, creating parent directories as needed. The file is
// replaced atomically.
func (f *File) Persist(ctx context.Context, artifact *flow.Artifact) error {
	if artifact == nil {
		return errors.New("artifact cannot be nil")
	}
	if f.Path == "" {
		return errors.New("output path cannot be empty")
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

// LoadFile reads an artifact written by File.
func LoadFile(path string) (*flow.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	var artifact flow.Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to parse artifact %s: %w", path, err)
	}
	return &artifact, nil
}

// Redis stores the artifact on the blackboard and marks it as the job's best.
type Redis struct {
	client *blackboard.Client
	job    string
}

// NewRedis creates a Redis persister for job.
func NewRedis(client *blackboard.Client, job string) *Redis {
	return &Redis{client: client, job: job}
}

// Persist saves artifact as a new version and points the job's best key at it.
func (r *Redis) Persist(ctx context.Context, artifact *flow.Artifact) error {
	if artifact == nil {
		return errors.New("artifact cannot be nil")
	}
	record, err := ToRecord(r.job, artifact)
	if err != nil {
		return err
	}
	if err := r.client.SaveArtifact(ctx, record); err != nil {
		return err
	}
	return r.client.MarkBest(ctx, r.job, record.ID)
}

// ToRecord converts an artifact to its blackboard form under a new ID.
func ToRecord(job string, artifact *flow.Artifact) (*blackboard.Artifact, error) {
	params, err := json.Marshal(artifact.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return &blackboard.Artifact{
		ID:           uuid.New().String(),
		Job:          job,
		Round:        artifact.Round,
		Params:       string(params),
		Metrics:      artifact.Metrics,
		Contributors: artifact.Contributors,
		CreatedAtMs:  time.Now().UnixMilli(),
	}, nil
}

// FromRecord converts a blackboard artifact back into a flow.Artifact.
func FromRecord(record *blackboard.Artifact) (*flow.Artifact, error) {
	var params map[string]any
	if record.Params != "" {
		if err := json.Unmarshal([]byte(record.Params), &params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	return &flow.Artifact{
		Params:       params,
		Metrics:      record.Metrics,
		Contributors: record.Contributors,
		Round:        record.Round,
	}, nil
}

// Multi persists to every persister in order and returns all failures joined.
type Multi []Persister

// Persist calls every persister, even after one fails.
func (m Multi) Persist(ctx context.Context, artifact *flow.Artifact) error {
	var errs []error
	for _, p := range m {
		if err := p.Persist(ctx, artifact); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
