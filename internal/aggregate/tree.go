package aggregate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/fedloop/internal/flow"
)

// Leaf is a numeric value found at Path inside a nested payload.
// Scalars have Vector == false and exactly one value.
type Leaf struct {
	Path   []string
	Values []float64
	Vector bool
}

// Key returns a stable identifier for the leaf's path.
func (l Leaf) Key() string {
	return pathKey(l.Path)
}

func pathKey(path []string) string {
	return strings.Join(path, "\x00")
}

// Leaves walks tree depth-first, in sorted key order, and returns every numeric
// leaf. Nested maps are descended into; empty maps yield nothing. Any other
// non-numeric value is an error naming its path.
func Leaves(tree map[string]any) ([]Leaf, error) {
	var leaves []Leaf
	if err := walk(tree, nil, &leaves); err != nil {
		return nil, err
	}
	return leaves, nil
}

func walk(tree map[string]any, prefix []string, out *[]Leaf) error {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := append(append([]string(nil), prefix...), k)
		v := tree[k]

		if sub, ok := asMap(v); ok {
			if err := walk(sub, path, out); err != nil {
				return err
			}
			continue
		}

		values, vector, err := numeric(v)
		if err != nil {
			return fmt.Errorf("leaf %q: %w", strings.Join(path, "."), err)
		}
		*out = append(*out, Leaf{Path: path, Values: values, Vector: vector})
	}
	return nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case flow.Payload:
		return m, true
	default:
		return nil, false
	}
}

// numeric converts a leaf value to float64s. Vectors come from []float64,
// []int or []any of numbers (the shape JSON decoding produces).
func numeric(v any) ([]float64, bool, error) {
	if f, ok := scalar(v); ok {
		return []float64{f}, false, nil
	}

	switch vec := v.(type) {
	case []float64:
		return append([]float64(nil), vec...), true, nil
	case []int:
		out := make([]float64, len(vec))
		for i, x := range vec {
			out[i] = float64(x)
		}
		return out, true, nil
	case []any:
		out := make([]float64, len(vec))
		for i, x := range vec {
			f, ok := scalar(x)
			if !ok {
				return nil, false, fmt.Errorf("element %d is %T, not a number", i, x)
			}
			out[i] = f
		}
		return out, true, nil
	default:
		return nil, false, fmt.Errorf("unsupported value of type %T", v)
	}
}

func scalar(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Build assembles leaves back into a nested map. Scalars become float64,
// vectors become []float64.
func Build(leaves []Leaf) map[string]any {
	root := make(map[string]any)
	for _, leaf := range leaves {
		node := root
		for _, k := range leaf.Path[:len(leaf.Path)-1] {
			next, ok := node[k].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[k] = next
			}
			node = next
		}

		last := leaf.Path[len(leaf.Path)-1]
		if leaf.Vector {
			node[last] = append([]float64(nil), leaf.Values...)
		} else {
			node[last] = leaf.Values[0]
		}
	}
	return root
}

// Scalars flattens the scalar leaves of tree into dotted names, e.g.
// {"val": {"loss": 0.3}} becomes {"val.loss": 0.3}. Vectors are skipped.
func Scalars(tree map[string]any) (map[string]float64, error) {
	leaves, err := Leaves(tree)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(leaves))
	for _, leaf := range leaves {
		if !leaf.Vector {
			out[strings.Join(leaf.Path, ".")] = leaf.Values[0]
		}
	}
	return out, nil
}
