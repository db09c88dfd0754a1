package site

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/fedloop/internal/flow"
)

func testTask() *flow.Task {
	return &flow.Task{
		ID:          "0f8e6b2c-1111-2222-3333-444455556666",
		Name:        "train",
		Payload:     flow.Payload{"params": map[string]any{"w": 1.5}},
		Operator:    flow.OperatorSend,
		Round:       3,
		StartRound:  1,
		TotalRounds: 10,
	}
}

func shell(script string) *CommandExecutor {
	return &CommandExecutor{SiteID: "a", Command: []string{"sh", "-c", script}, Timeout: 5 * time.Second}
}

func TestCommandExecutor_EchoesInput(t *testing.T) {
	payload, err := shell("cat").Execute(context.Background(), testTask())
	require.NoError(t, err)

	assert.Equal(t, "0f8e6b2c-1111-2222-3333-444455556666", payload["task_id"])
	assert.Equal(t, "train", payload["task_name"])
	assert.Equal(t, "a", payload["site_id"])
	assert.Equal(t, "send", payload["operator"])
	assert.Equal(t, 3.0, payload["current_round"])
	assert.Equal(t, 1.0, payload["start_round"])
	assert.Equal(t, 10.0, payload["total_rounds"])
	assert.Equal(t, map[string]any{"params": map[string]any{"w": 1.5}}, payload["payload"])
}

func TestCommandExecutor_EnvAndWorkdir(t *testing.T) {
	dir := t.TempDir()
	exec := shell(`printf '{"v":"%s","dir":"%s"}' "$FEDLOOP_TEST" "$(pwd)"`)
	exec.Env = []string{"FEDLOOP_TEST=hello"}
	exec.Workdir = dir

	payload, err := exec.Execute(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, "hello", payload["v"])
	assert.Contains(t, payload["dir"], dir)
}

func TestCommandExecutor_Failures(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		retryable bool
		wantErr   string
	}{
		{"non-zero exit", "echo 'out of memory' >&2; exit 1", false, "out of memory"},
		{"temporary failure", "exit 75", true, "code 75"},
		{"no output", "true", false, "no output"},
		{"invalid JSON", "echo not-json", false, "invalid JSON output"},
		{"array output", "echo '[1,2]'", false, "invalid JSON output"},
		{"null output", "echo null", false, "must be a JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := shell(tt.script).Execute(context.Background(), testTask())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, tt.retryable, flow.IsRetryable(err))
		})
	}
}

func TestCommandExecutor_TimeoutIsRetryable(t *testing.T) {
	exec := shell("exec sleep 5")
	exec.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := exec.Execute(context.Background(), testTask())
	require.Error(t, err)
	assert.True(t, flow.IsRetryable(err))
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCommandExecutor_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := shell("exec sleep 5").Execute(ctx, testTask())
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, flow.IsRetryable(err))
}

func TestCommandExecutor_EmptyCommand(t *testing.T) {
	_, err := (&CommandExecutor{}).Execute(context.Background(), testTask())
	assert.Error(t, err)
}

func TestLimitedWriter(t *testing.T) {
	var buf []byte
	w := &limitedWriter{w: writerFunc(func(p []byte) (int, error) {
		buf = append(buf, p...)
		return len(p), nil
	}), limit: 4}

	n, err := w.Write([]byte("abc"))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = w.Write([]byte("defg"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n, "writes report full length even when truncated")

	_, _ = w.Write([]byte("h"))
	assert.Equal(t, "abcd", string(buf))
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
}
