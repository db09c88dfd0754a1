// Package policy decides when training should stop and whether a freshly
// aggregated artifact beats the current best, using a per-metric direction table.
package policy

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidRule is returned for an unknown direction or comparison mode.
var ErrInvalidRule = errors.New("invalid comparison rule")

// Direction says which way a metric improves.
type Direction string

const (
	// LargerIsBetter is used for scores such as accuracy or auc
	LargerIsBetter Direction = "larger_is_better"

	// SmallerIsBetter is used for losses and error rates
	SmallerIsBetter Direction = "smaller_is_better"
)

// Validate checks if the Direction is a valid enum value.
func (d Direction) Validate() error {
	switch d {
	case LargerIsBetter, SmallerIsBetter:
		return nil
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidRule, d)
	}
}

// Mode selects how IsBetter combines per-metric comparisons.
type Mode string

const (
	// ModeAny accepts a candidate that strictly improves at least one metric
	ModeAny Mode = "any"

	// ModeAll accepts a candidate only if every comparable metric strictly improves
	ModeAll Mode = "all"
)

// Validate checks if the Mode is a valid enum value.
func (m Mode) Validate() error {
	switch m {
	case ModeAny, ModeAll:
		return nil
	default:
		return fmt.Errorf("%w: unknown comparison mode %q", ErrInvalidRule, m)
	}
}

// DefaultRules is the built-in direction table.
func DefaultRules() map[string]Direction {
	return map[string]Direction{
		"accuracy":     LargerIsBetter,
		"auc":          LargerIsBetter,
		"f1":           LargerIsBetter,
		"precision":    LargerIsBetter,
		"recall":       LargerIsBetter,
		"loss":         SmallerIsBetter,
		"running_loss": SmallerIsBetter,
		"val_loss":     SmallerIsBetter,
	}
}

// Policy is an immutable metric direction table. Safe for concurrent use.
type Policy struct {
	rules map[string]Direction
}

// New builds a policy from the default table overlaid with custom rules.
// Returns ErrInvalidRule if any custom direction is unknown.
func New(custom map[string]Direction) (*Policy, error) {
	rules := DefaultRules()
	for metric, dir := range custom {
		if metric == "" {
			return nil, fmt.Errorf("%w: empty metric name", ErrInvalidRule)
		}
		if err := dir.Validate(); err != nil {
			return nil, fmt.Errorf("metric %q: %w", metric, err)
		}
		rules[metric] = dir
	}
	return &Policy{rules: rules}, nil
}

// Default returns a policy with only the built-in rules.
func Default() *Policy {
	return &Policy{rules: DefaultRules()}
}

// Rule returns the direction for metric, if one is defined.
func (p *Policy) Rule(metric string) (Direction, bool) {
	d, ok := p.rules[metric]
	return d, ok
}

// worst returns the value a missing metric is treated as.
func worst(d Direction) float64 {
	if d == LargerIsBetter {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

func valueOr(metrics map[string]float64, name string, d Direction) float64 {
	if v, ok := metrics[name]; ok {
		return v
	}
	return worst(d)
}

// ShouldStop reports whether any target metric has been reached.
// A target without a rule is ignored; a target missing from current never
// triggers.
func (p *Policy) ShouldStop(current, target map[string]float64) bool {
	return p.StopReason(current, target) != ""
}

// StopReason returns the first target metric, in sorted name order, that
// current satisfies, or "" if none is.
func (p *Policy) StopReason(current, target map[string]float64) string {
	names := make([]string, 0, len(target))
	for name := range target {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dir, ok := p.rules[name]
		if !ok {
			continue
		}
		value := valueOr(current, name, dir)
		threshold := target[name]

		if dir == LargerIsBetter && value >= threshold {
			return name
		}
		if dir == SmallerIsBetter && value <= threshold {
			return name
		}
	}
	return ""
}

// IsBetter reports whether candidate should replace incumbent.
//
// A nil incumbent map means there is no incumbent yet, so the candidate wins.
// Only metrics that have a rule and are present in candidate are compared; a
// metric missing from incumbent counts as its worst value. If no metric is
// comparable, ModeAny reports false and ModeAll reports true.
func (p *Policy) IsBetter(candidate, incumbent map[string]float64, mode Mode) bool {
	if incumbent == nil {
		return true
	}

	compared, improved := 0, 0
	for name, value := range candidate {
		dir, ok := p.rules[name]
		if !ok {
			continue
		}
		compared++

		prev := valueOr(incumbent, name, dir)
		if (dir == LargerIsBetter && value > prev) || (dir == SmallerIsBetter && value < prev) {
			improved++
		}
	}

	if compared == 0 {
		// Nothing strictly improved; "all" holds vacuously.
		return mode == ModeAll
	}
	if mode == ModeAll {
		return improved == compared
	}
	return improved > 0
}
