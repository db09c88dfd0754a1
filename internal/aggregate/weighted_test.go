package aggregate

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightedAverage(t *testing.T) {
	agg := NewWeightedAggregator()
	require.NoError(t, agg.Add(map[string]any{"x": 10.0}, 1, "s1", 1))
	require.NoError(t, agg.Add(map[string]any{"x": 20.0}, 3, "s2", 1))

	result, err := agg.Result()
	require.NoError(t, err)
	assert.InDelta(t, 17.5, result["x"], 1e-12)
	assert.Equal(t, 2, agg.Contributors())
}

func TestNestedAndVectorLeaves(t *testing.T) {
	agg := NewWeightedAggregator()
	require.NoError(t, agg.Add(map[string]any{
		"layer1": map[string]any{"w": []float64{1, 2}, "b": 1},
		"layer2": map[string]any{"w": []any{json.Number("3"), 4.0}},
	}, 1, "s1", 2))
	require.NoError(t, agg.Add(map[string]any{
		"layer1": map[string]any{"w": []float64{3, 4}, "b": 3},
		"layer2": map[string]any{"w": []int{5, 6}},
	}, 1, "s2", 2))

	result, err := agg.Result()
	require.NoError(t, err)

	layer1 := result["layer1"].(map[string]any)
	assert.Equal(t, []float64{2, 3}, layer1["w"])
	assert.Equal(t, 2.0, layer1["b"])
	assert.Equal(t, []float64{4, 5}, result["layer2"].(map[string]any)["w"])
	assert.Equal(t, 2, agg.Round())
}

func TestAddRejectsBadWeights(t *testing.T) {
	for _, w := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		agg := NewWeightedAggregator()
		err := agg.Add(map[string]any{"x": 1.0}, w, "s1", 1)
		assert.ErrorIs(t, err, ErrNonPositiveWeight)
		assert.True(t, agg.Empty())
	}
}

func TestAddRejectsShapeConflicts(t *testing.T) {
	tests := []struct {
		name   string
		first  map[string]any
		second map[string]any
		errMsg string
	}{
		{
			name:   "scalar then vector",
			first:  map[string]any{"w": 1.0},
			second: map[string]any{"w": []float64{1}},
			errMsg: "mixes scalar and vector",
		},
		{
			name:   "vector length",
			first:  map[string]any{"w": []float64{1, 2}},
			second: map[string]any{"w": []float64{1, 2, 3}},
			errMsg: "has length 3, expected 2",
		},
		{
			name:   "leaf then subtree",
			first:  map[string]any{"w": 1.0},
			second: map[string]any{"w": map[string]any{"x": 1.0}},
			errMsg: "conflicts with an existing leaf",
		},
		{
			name:   "subtree then leaf",
			first:  map[string]any{"w": map[string]any{"x": 1.0}},
			second: map[string]any{"w": 2.0},
			errMsg: "conflicts with an existing subtree",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewWeightedAggregator()
			require.NoError(t, agg.Add(tt.first, 1, "s1", 1))

			before, err := agg.Result()
			require.NoError(t, err)

			err = agg.Add(tt.second, 1, "s2", 1)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)

			after, err := agg.Result()
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Equal(t, 1, agg.Contributors())
		})
	}
}

func TestAddRejectsNonNumericLeaf(t *testing.T) {
	agg := NewWeightedAggregator()
	err := agg.Add(map[string]any{"meta": map[string]any{"name": "resnet"}}, 1, "s1", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `leaf "meta.name"`)
}

func TestEmptyPayloadCountsAsContributor(t *testing.T) {
	agg := NewWeightedAggregator()
	require.NoError(t, agg.Add(map[string]any{}, 1, "s1", 1))
	assert.True(t, agg.Empty())
	assert.Equal(t, 1, agg.Contributors())

	_, err := agg.Result()
	assert.ErrorIs(t, err, ErrNoContributions)
}

func TestScalarResult(t *testing.T) {
	agg := NewWeightedAggregator()
	require.NoError(t, agg.AddScalars(map[string]float64{"loss": 1.0, "accuracy": 0.5}, 1, "s1", 1))
	require.NoError(t, agg.AddScalars(map[string]float64{"loss": 0.0}, 1, "s2", 1))

	metrics, err := agg.ScalarResult()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, metrics["loss"], 1e-12)
	// accuracy only came from s1, so its mean is s1's value
	assert.InDelta(t, 0.5, metrics["accuracy"], 1e-12)
}

func TestScalarsFlattensNestedNames(t *testing.T) {
	out, err := Scalars(map[string]any{
		"val":   map[string]any{"loss": 0.25},
		"train": map[string]any{"hist": []float64{1, 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"val.loss": 0.25}, out)
}

type contribution struct {
	Value  float64
	Weight float64
}

// TestAggregationIsOrderIndependent checks that reversing the order of Add calls
// yields the same weighted mean within 1e-9 relative tolerance.
func TestAggregationIsOrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genContribution := gopter.CombineGens(
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(0.1, 100),
	).Map(func(vals []interface{}) contribution {
		return contribution{Value: vals[0].(float64), Weight: vals[1].(float64)}
	})

	properties.Property("result is independent of add order", prop.ForAll(
		func(items []contribution) bool {
			forward := NewWeightedAggregator()
			backward := NewWeightedAggregator()

			for i, c := range items {
				payload := map[string]any{"w": []float64{c.Value, -c.Value}, "b": c.Value}
				if err := forward.Add(payload, c.Weight, string(rune('a'+i)), 1); err != nil {
					return false
				}
			}
			for i := len(items) - 1; i >= 0; i-- {
				c := items[i]
				payload := map[string]any{"w": []float64{c.Value, -c.Value}, "b": c.Value}
				if err := backward.Add(payload, c.Weight, string(rune('a'+i)), 1); err != nil {
					return false
				}
			}

			f, err1 := forward.Result()
			b, err2 := backward.Result()
			if err1 != nil || err2 != nil {
				return false
			}

			fw, bw := f["w"].([]float64), b["w"].([]float64)
			return closeEnough(f["b"].(float64), b["b"].(float64)) &&
				closeEnough(fw[0], bw[0]) && closeEnough(fw[1], bw[1])
		},
		gen.SliceOfN(8, genContribution),
	))

	properties.TestingRun(t)
}

// closeEnough compares relative to the generated value range (±1000) so that
// means close to zero do not fail on cancellation noise.
func closeEnough(a, b float64) bool {
	scale := math.Max(math.Max(math.Abs(a), math.Abs(b)), 1000)
	return math.Abs(a-b) <= 1e-9*scale
}
