package algo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/fedloop/internal/flow"
)

func TestParamsTypeValidate(t *testing.T) {
	assert.NoError(t, ParamsFull.Validate())
	assert.NoError(t, ParamsDiff.Validate())
	assert.ErrorContains(t, ParamsType("delta").Validate(), "invalid params type")
}

func TestNewFedAvg(t *testing.T) {
	f, err := NewFedAvg(FedAvgOptions{})
	require.NoError(t, err)
	assert.Equal(t, ParamsFull, f.paramsType)

	_, err = NewFedAvg(FedAvgOptions{ParamsType: "delta"})
	assert.Error(t, err)

	_, err = NewFedAvg(FedAvgOptions{InitialParams: map[string]any{"w": "heavy"}})
	assert.ErrorContains(t, err, "invalid initial params")
}

func TestInitialArtifact(t *testing.T) {
	ctx := context.Background()

	f, err := NewFedAvg(FedAvgOptions{})
	require.NoError(t, err)
	artifact, err := f.InitialArtifact(ctx)
	require.NoError(t, err)
	assert.Nil(t, artifact)

	initial := map[string]any{"w": []any{1.0, 2.0}, "b": 0.5}
	f, err = NewFedAvg(FedAvgOptions{InitialParams: initial})
	require.NoError(t, err)
	artifact, err = f.InitialArtifact(ctx)
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, 0.5, artifact.Params["b"])

	// The artifact must not alias the configured params
	artifact.Params["b"] = 9.0
	again, err := f.InitialArtifact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.5, again.Params["b"])
}

func TestLoadParams(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "params.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"w":[1,2],"b":0}`), 0644))
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[1,2]`), 0644))

	params, err := LoadParams(good)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, params["w"])

	_, err = LoadParams(bad)
	assert.ErrorContains(t, err, "failed to parse params file")

	_, err = LoadParams(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "failed to read params file")
}

func TestEncodeDecode(t *testing.T) {
	f, err := NewFedAvg(FedAvgOptions{})
	require.NoError(t, err)

	assert.Nil(t, f.Encode(nil))

	payload := f.Encode(&flow.Artifact{
		Params:  map[string]any{"w": 1.0},
		Metrics: map[string]float64{"loss": 0.25},
	})
	assert.Equal(t, map[string]any{"w": 1.0}, payload[KeyParams])
	assert.Equal(t, map[string]any{"loss": 0.25}, payload[KeyMetrics])

	// No params and no metrics encode to an empty payload
	assert.Empty(t, f.Encode(&flow.Artifact{}))

	params, metrics, err := f.Decode("a", payload)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"w": 1.0}, params)
	assert.Equal(t, map[string]any{"loss": 0.25}, metrics)

	params, metrics, err = f.Decode("a", flow.Payload{})
	require.NoError(t, err)
	assert.Nil(t, params)
	assert.Nil(t, metrics)

	_, _, err = f.Decode("site-7", flow.Payload{KeyParams: []any{1.0}})
	assert.ErrorContains(t, err, "site site-7")
	assert.ErrorContains(t, err, `"params" must be an object`)
}

func TestUpdateFull(t *testing.T) {
	f, err := NewFedAvg(FedAvgOptions{ParamsType: ParamsFull})
	require.NoError(t, err)

	current := &flow.Artifact{Params: map[string]any{"w": 1.0}, Round: 1}
	aggregated := &flow.Artifact{Params: map[string]any{"w": 3.0}, Metrics: map[string]float64{"loss": 0.1}, Round: 2, Contributors: 2}

	next, err := f.Update(current, aggregated)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"w": 3.0}, next.Params)
	assert.Equal(t, 2, next.Round)
	assert.Equal(t, 2, next.Contributors)

	// Metrics-only rounds keep the current params
	next, err = f.Update(current, &flow.Artifact{Metrics: map[string]float64{"loss": 0.2}, Round: 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"w": 1.0}, next.Params)

	next, err = f.Update(nil, &flow.Artifact{Round: 1})
	require.NoError(t, err)
	assert.Nil(t, next.Params)
}

func TestUpdateDiff(t *testing.T) {
	f, err := NewFedAvg(FedAvgOptions{ParamsType: ParamsDiff})
	require.NoError(t, err)

	current := &flow.Artifact{Params: map[string]any{
		"layer": map[string]any{"w": []any{1.0, 2.0}},
		"b":     0.5,
	}}
	aggregated := &flow.Artifact{Params: map[string]any{
		"layer": map[string]any{"w": []any{0.5, -1.0}},
		"new":   1.0,
	}, Round: 2}

	next, err := f.Update(current, aggregated)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"layer": map[string]any{"w": []float64{1.5, 1.0}},
		"b":     0.5,
		"new":   1.0,
	}, next.Params)

	// Without current params the diff is taken as is
	next, err = f.Update(&flow.Artifact{}, aggregated)
	require.NoError(t, err)
	assert.Equal(t, aggregated.Params, next.Params)

	_, err = f.Update(current, &flow.Artifact{Params: map[string]any{
		"layer": map[string]any{"w": []any{1.0}},
	}})
	assert.ErrorContains(t, err, "changes shape")
}
