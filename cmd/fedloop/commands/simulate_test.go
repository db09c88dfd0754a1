package commands

import (
	"bufio"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/fedloop/internal/persist"
)

// simulateConfig runs two sites that ignore their input and report fixed
// params and metrics.
const simulateConfig = `version: "1.0"
job:
  name: mnist
  min_clients: 2
  num_rounds: 3
  poll_interval: 10ms
  output_path: out/best.json
sites:
  site-a:
    command: ["sh", "-c", "printf '{\"params\":{\"w\":1},\"metrics\":{\"loss\":0.5}}'"]
    timeout: 10s
  site-b:
    command: ["sh", "-c", "printf '{\"params\":{\"w\":3},\"metrics\":{\"loss\":0.25}}'"]
    timeout: 10s
history:
  path: history.db
`

func TestValidate(t *testing.T) {
	path := writeConfig(t, t.TempDir(), simulateConfig)

	stdout, stderr, err := run(t, "--config", path, "validate")
	require.NoError(t, err)
	assert.Empty(t, stderr)
	assert.Contains(t, stdout, "Job:         mnist")
	assert.Contains(t, stdout, "Min clients: 2")
	assert.Contains(t, stdout, "• site-a (sh -c")
	assert.Contains(t, stdout, path+" is valid")
}

func TestValidate_Errors(t *testing.T) {
	dir := t.TempDir()

	_, stderr, err := run(t, "--config", filepath.Join(dir, "missing.yml"), "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Contains(t, stderr, "--config path/to/fedloop.yml")

	path := writeConfig(t, dir, "version: \"1.0\"\njob:\n  min_clients: 2\n  num_rounds: 1\n  bogus: true\n")
	_, stderr, err = run(t, "--config", path, "validate")
	require.EqualError(t, err, "invalid configuration")
	assert.Contains(t, stderr, "bogus")
}

func TestSimulate(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, simulateConfig)

	stdout, _, err := run(t, "--config", path, "simulate", "--rounds", "2")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Simulating job 'mnist' with 2 site(s) for 2 round(s)")
	assert.Contains(t, stdout, "Job 'mnist' finished")
	assert.Contains(t, stdout, "Contributors: 2")
	assert.Contains(t, stdout, "loss=0.375")

	saved, err := persist.LoadFile(filepath.Join(dir, "out", "best.json"))
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Contributors)
	assert.InDelta(t, 2.0, saved.Params["w"], 1e-9)

	t.Run("history table", func(t *testing.T) {
		stdout, _, err := run(t, "--config", path, "history")
		require.NoError(t, err)
		assert.Contains(t, stdout, "Rounds for job 'mnist':")
		assert.Contains(t, stdout, "2 round(s) found")
	})

	t.Run("history jsonl", func(t *testing.T) {
		stdout, _, err := run(t, "--config", path, "history", "--output", "jsonl", "--limit", "1")
		require.NoError(t, err)

		scanner := bufio.NewScanner(strings.NewReader(stdout))
		var rows []map[string]any
		for scanner.Scan() {
			var row map[string]any
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
			rows = append(rows, row)
		}
		require.Len(t, rows, 1)
		assert.Equal(t, "mnist", rows[0]["job"])
		assert.Equal(t, 2.0, rows[0]["round"])
	})

	t.Run("history best", func(t *testing.T) {
		stdout, _, err := run(t, "--config", path, "history", "--best", "-o", "jsonl")
		require.NoError(t, err)
		var row map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &row))
		assert.Equal(t, true, row["best"])
	})

	t.Run("best from file", func(t *testing.T) {
		stdout, _, err := run(t, "best", "--file", filepath.Join(dir, "out", "best.json"))
		require.NoError(t, err)
		var artifact map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &artifact))
		assert.Equal(t, 2.0, artifact["contributors"])
	})
}

func TestSimulate_Errors(t *testing.T) {
	dir := t.TempDir()
	noSites := writeConfig(t, dir, "version: \"1.0\"\njob:\n  min_clients: 1\n  num_rounds: 1\n")

	_, stderr, err := run(t, "--config", noSites, "simulate")
	require.EqualError(t, err, "no sites configured")
	assert.Contains(t, stderr, "command: [\"python3\", \"train.py\"]")

	path := writeConfig(t, t.TempDir(), simulateConfig)
	_, _, err = run(t, "--config", path, "simulate", "--rounds", "-1")
	require.EqualError(t, err, "invalid --rounds")
}

func TestSimulate_FailingSite(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `version: "1.0"
job:
  name: broken
  min_clients: 1
  num_rounds: 1
  poll_interval: 10ms
sites:
  site-a:
    command: ["sh", "-c", "echo 'disk full' >&2; exit 1"]
    timeout: 10s
`)

	_, stderr, err := run(t, "--config", path, "simulate")
	require.EqualError(t, err, "simulation failed")
	assert.Contains(t, stderr, "simulation failed")
}

func TestHistory_Errors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := run(t, "history", "--db", filepath.Join(dir, "none.db"), "--job", "mnist")
	require.EqualError(t, err, "no round history found")

	_, stderr, err := run(t, "history", "--db", filepath.Join(dir, "none.db"), "--job", "mnist", "--output", "xml")
	require.EqualError(t, err, "invalid output format")
	assert.Contains(t, stderr, "Valid formats: default, jsonl")

	_, _, err = run(t, "history", "--db", "x.db", "--job", "mnist", "--since", "yesterday")
	require.EqualError(t, err, "invalid time filter")

	_, _, err = run(t, "history", "--db", "x.db", "--job", "mnist", "--limit", "-2")
	require.EqualError(t, err, "invalid --limit")

	noHistory := writeConfig(t, dir, "version: \"1.0\"\njob:\n  min_clients: 1\n  num_rounds: 1\n")
	_, _, err = run(t, "--config", noHistory, "history")
	require.EqualError(t, err, "round history is disabled")
}

func TestBest_FileErrors(t *testing.T) {
	_, _, err := run(t, "best", "--file", filepath.Join(t.TempDir(), "missing.json"))
	require.EqualError(t, err, "failed to read artifact")
}
