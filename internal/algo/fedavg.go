// Package algo holds the round algorithms a coordinator can drive.
package algo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dyluth/fedloop/internal/aggregate"
	"github.com/dyluth/fedloop/internal/flow"
)

// Payload keys exchanged with sites.
const (
	KeyParams  = "params"
	KeyMetrics = "metrics"
)

// ParamsType says how a site's params relate to the global params.
type ParamsType string

const (
	// ParamsFull means sites return complete params.
	ParamsFull ParamsType = "full"

	// ParamsDiff means sites return a delta that is added to the global params.
	ParamsDiff ParamsType = "diff"
)

// Validate checks if the ParamsType is a valid enum value.
func (p ParamsType) Validate() error {
	switch p {
	case ParamsFull, ParamsDiff:
		return nil
	default:
		return fmt.Errorf("invalid params type: %q (must be 'full' or 'diff')", p)
	}
}

// FedAvg averages the params and metrics reported by sites.
type FedAvg struct {
	initial    map[string]any
	paramsType ParamsType
}

// FedAvgOptions configures FedAvg.
type FedAvgOptions struct {
	// InitialParams seeds round one. Nil sends no params in the first round
	// and lets sites initialise their own.
	InitialParams map[string]any
	ParamsType    ParamsType
}

// NewFedAvg creates a FedAvg algorithm.
func NewFedAvg(opts FedAvgOptions) (*FedAvg, error) {
	if opts.ParamsType == "" {
		opts.ParamsType = ParamsFull
	}
	if err := opts.ParamsType.Validate(); err != nil {
		return nil, err
	}
	if opts.InitialParams != nil {
		if _, err := aggregate.Leaves(opts.InitialParams); err != nil {
			return nil, fmt.Errorf("invalid initial params: %w", err)
		}
	}
	return &FedAvg{initial: opts.InitialParams, paramsType: opts.ParamsType}, nil
}

// LoadParams reads initial params from a JSON file.
func LoadParams(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read params file: %w", err)
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse params file %s: %w", path, err)
	}
	return params, nil
}

// InitialArtifact returns the artifact sent in the first round.
func (f *FedAvg) InitialArtifact(ctx context.Context) (*flow.Artifact, error) {
	if f.initial == nil {
		return nil, nil
	}
	return &flow.Artifact{Params: flow.Payload(f.initial).Clone()}, nil
}

// Encode builds the task payload for artifact. A nil artifact encodes to a nil
// payload.
func (f *FedAvg) Encode(artifact *flow.Artifact) flow.Payload {
	if artifact == nil {
		return nil
	}
	payload := flow.Payload{}
	if artifact.Params != nil {
		payload[KeyParams] = artifact.Params
	}
	if len(artifact.Metrics) > 0 {
		metrics := make(map[string]any, len(artifact.Metrics))
		for k, v := range artifact.Metrics {
			metrics[k] = v
		}
		payload[KeyMetrics] = metrics
	}
	return payload
}

// Decode splits a site's payload into params and metrics trees. An empty
// payload decodes to two nil trees.
func (f *FedAvg) Decode(workerID string, payload flow.Payload) (map[string]any, map[string]any, error) {
	params, err := subtree(payload, KeyParams)
	if err != nil {
		return nil, nil, fmt.Errorf("site %s: %w", workerID, err)
	}
	metrics, err := subtree(payload, KeyMetrics)
	if err != nil {
		return nil, nil, fmt.Errorf("site %s: %w", workerID, err)
	}
	return params, metrics, nil
}

// Update merges the aggregated artifact into the current one. For full params
// the aggregate replaces the current params; for diffs it is added leaf by
// leaf. An aggregate without params keeps the current params.
func (f *FedAvg) Update(current, aggregated *flow.Artifact) (*flow.Artifact, error) {
	next := *aggregated
	if aggregated.Params == nil {
		if current != nil {
			next.Params = current.Params
		}
		return &next, nil
	}
	if f.paramsType == ParamsFull || current == nil || current.Params == nil {
		return &next, nil
	}

	params, err := addTrees(current.Params, aggregated.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to apply params diff: %w", err)
	}
	next.Params = params
	return &next, nil
}

func subtree(payload flow.Payload, key string) (map[string]any, error) {
	v, ok := payload[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch tree := v.(type) {
	case map[string]any:
		return tree, nil
	case flow.Payload:
		return tree, nil
	default:
		return nil, fmt.Errorf("%q must be an object, got %T", key, v)
	}
}

// addTrees returns base + delta. Leaves only present in one tree are kept.
func addTrees(base, delta map[string]any) (map[string]any, error) {
	baseLeaves, err := aggregate.Leaves(base)
	if err != nil {
		return nil, err
	}
	deltaLeaves, err := aggregate.Leaves(delta)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]int, len(baseLeaves))
	for i, l := range baseLeaves {
		byKey[l.Key()] = i
	}

	for _, d := range deltaLeaves {
		i, ok := byKey[d.Key()]
		if !ok {
			baseLeaves = append(baseLeaves, d)
			continue
		}
		b := &baseLeaves[i]
		if b.Vector != d.Vector || len(b.Values) != len(d.Values) {
			return nil, fmt.Errorf("leaf %q changes shape", d.Key())
		}
		sum := make([]float64, len(b.Values))
		for j := range sum {
			sum[j] = b.Values[j] + d.Values[j]
		}
		b.Values = sum
	}
	return aggregate.Build(baseLeaves), nil
}
