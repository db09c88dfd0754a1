// Package aggregate merges payloads contributed by sites into a single
// weighted average, leaf by leaf.
package aggregate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var (
	// ErrNonPositiveWeight is returned when Add is given a weight <= 0, NaN or Inf.
	ErrNonPositiveWeight = errors.New("weight must be positive and finite")

	// ErrNoContributions is returned by Result before any leaf was added.
	ErrNoContributions = errors.New("no contributions to aggregate")
)

type accumulator struct {
	path   []string
	vector bool
	sum    []float64
	weight float64
}

// WeightedAggregator keeps a running weighted sum and total weight per numeric
// leaf. The result does not depend on the order of Add calls beyond floating
// point rounding. Not safe for concurrent use.
type WeightedAggregator struct {
	leaves       map[string]*accumulator
	interior     map[string]bool // path keys that are subtrees
	contributors map[string]bool
	round        int
}

// NewWeightedAggregator creates an empty aggregator.
func NewWeightedAggregator() *WeightedAggregator {
	return &WeightedAggregator{
		leaves:       make(map[string]*accumulator),
		interior:     make(map[string]bool),
		contributors: make(map[string]bool),
	}
}

// Add folds payload into the running totals with the given weight.
// The whole payload is validated before anything is accumulated, so a failed
// Add leaves the aggregator unchanged.
func (a *WeightedAggregator) Add(payload map[string]any, weight float64, contributorID string, round int) error {
	if weight <= 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return fmt.Errorf("%w: got %v from %s", ErrNonPositiveWeight, weight, contributorID)
	}

	leaves, err := Leaves(payload)
	if err != nil {
		return fmt.Errorf("contribution from %s: %w", contributorID, err)
	}

	for _, leaf := range leaves {
		if err := a.checkShape(leaf); err != nil {
			return fmt.Errorf("contribution from %s: %w", contributorID, err)
		}
	}

	for _, leaf := range leaves {
		key := leaf.Key()
		acc, ok := a.leaves[key]
		if !ok {
			acc = &accumulator{
				path:   leaf.Path,
				vector: leaf.Vector,
				sum:    make([]float64, len(leaf.Values)),
			}
			a.leaves[key] = acc
			for i := 1; i < len(leaf.Path); i++ {
				a.interior[pathKey(leaf.Path[:i])] = true
			}
		}
		for i, v := range leaf.Values {
			acc.sum[i] += weight * v
		}
		acc.weight += weight
	}

	a.contributors[contributorID] = true
	if round > a.round {
		a.round = round
	}
	return nil
}

func (a *WeightedAggregator) checkShape(leaf Leaf) error {
	name := strings.Join(leaf.Path, ".")
	key := leaf.Key()

	if a.interior[key] {
		return fmt.Errorf("leaf %q conflicts with an existing subtree", name)
	}
	for i := 1; i < len(leaf.Path); i++ {
		if _, ok := a.leaves[pathKey(leaf.Path[:i])]; ok {
			return fmt.Errorf("subtree %q conflicts with an existing leaf", name)
		}
	}

	existing, ok := a.leaves[key]
	if !ok {
		return nil
	}
	if existing.vector != leaf.Vector {
		return fmt.Errorf("leaf %q mixes scalar and vector values", name)
	}
	if len(existing.sum) != len(leaf.Values) {
		return fmt.Errorf("leaf %q has length %d, expected %d", name, len(leaf.Values), len(existing.sum))
	}
	return nil
}

// AddScalars is Add for a flat metric mapping.
func (a *WeightedAggregator) AddScalars(metrics map[string]float64, weight float64, contributorID string, round int) error {
	tree := make(map[string]any, len(metrics))
	for k, v := range metrics {
		tree[k] = v
	}
	return a.Add(tree, weight, contributorID, round)
}

// Result returns the weighted mean of every leaf: sum / total weight.
func (a *WeightedAggregator) Result() (map[string]any, error) {
	if len(a.leaves) == 0 {
		return nil, ErrNoContributions
	}

	keys := make([]string, 0, len(a.leaves))
	for k := range a.leaves {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	leaves := make([]Leaf, 0, len(keys))
	for _, k := range keys {
		acc := a.leaves[k]
		values := make([]float64, len(acc.sum))
		for i, s := range acc.sum {
			values[i] = s / acc.weight
		}
		leaves = append(leaves, Leaf{Path: acc.path, Values: values, Vector: acc.vector})
	}
	return Build(leaves), nil
}

// ScalarResult returns the weighted means of the scalar leaves, flattened to
// dotted names.
func (a *WeightedAggregator) ScalarResult() (map[string]float64, error) {
	tree, err := a.Result()
	if err != nil {
		return nil, err
	}
	return Scalars(tree)
}

// Empty reports whether no leaf has been added yet.
func (a *WeightedAggregator) Empty() bool {
	return len(a.leaves) == 0
}

// Contributors returns the number of distinct contributor IDs seen by Add,
// including contributors whose payload had no numeric leaves.
func (a *WeightedAggregator) Contributors() int {
	return len(a.contributors)
}

// Round returns the highest round passed to Add.
func (a *WeightedAggregator) Round() int {
	return a.round
}
