package site

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/fedloop/internal/flow"
)

// fakeRuntime plays a container that prints stdout/stderr and exits with exitCode.
type fakeRuntime struct {
	mu       sync.Mutex
	stdout   string
	stderr   string
	exitCode int64
	startErr error
	block    bool // Wait blocks until ctx ends

	cfg     *container.Config
	host    *container.HostConfig
	name    string
	input   []byte
	removed []string
}

func (f *fakeRuntime) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg, f.host, f.name = cfg, host, name
	data, err := os.ReadFile(host.Mounts[0].Source)
	if err != nil {
		return "", err
	}
	f.input = data
	return "c-1", nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error { return f.startErr }

func (f *fakeRuntime) Wait(ctx context.Context, id string) (int64, error) {
	if f.block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	return f.exitCode, nil
}

func (f *fakeRuntime) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	var buf bytes.Buffer
	stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	if f.stderr != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func containerExecutor(rt *fakeRuntime) *ContainerExecutor {
	return &ContainerExecutor{
		Runtime:      rt,
		InstanceName: "prod",
		SiteID:       "a",
		Image:        "mnist-site:latest",
		Network:      "fedloop-network-prod",
		Timeout:      5 * time.Second,
		InputDir:     os.TempDir(),
	}
}

func TestContainerExecutor_Success(t *testing.T) {
	rt := &fakeRuntime{stdout: `{"params":{"w":2},"metrics":{"loss":0.3}}`, stderr: "epoch 1 done\n"}
	exec := containerExecutor(rt)
	exec.Command = []string{"python3", "train.py"}

	payload, err := exec.Execute(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"w": 2.0}, payload["params"])

	assert.Equal(t, "fedloop-task-prod-a-0f8e6b2c", rt.name)
	assert.Equal(t, "mnist-site:latest", rt.cfg.Image)
	assert.Equal(t, []string{"python3", "train.py"}, []string(rt.cfg.Cmd))
	assert.Contains(t, rt.cfg.Env, "FEDLOOP_INPUT="+ContainerInputPath)
	assert.Equal(t, "task", rt.cfg.Labels["fedloop.component"])
	assert.Equal(t, "a", rt.cfg.Labels["fedloop.site.id"])
	assert.Equal(t, container.NetworkMode("fedloop-network-prod"), rt.host.NetworkMode)

	mount := rt.host.Mounts[0]
	assert.Equal(t, ContainerInputPath, mount.Target)
	assert.True(t, mount.ReadOnly)
	_, err = os.Stat(mount.Source)
	assert.True(t, os.IsNotExist(err), "input file is removed after the task")

	var input Input
	require.NoError(t, json.Unmarshal(rt.input, &input))
	assert.Equal(t, 3, input.CurrentRound)
	assert.Equal(t, "a", input.SiteID)

	assert.Equal(t, []string{"c-1"}, rt.removed)
}

func TestContainerExecutor_ExitCodes(t *testing.T) {
	rt := &fakeRuntime{exitCode: 1, stderr: "CUDA out of memory\n"}
	_, err := containerExecutor(rt).Execute(context.Background(), testTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
	assert.False(t, flow.IsRetryable(err))
	assert.Equal(t, []string{"c-1"}, rt.removed)

	rt = &fakeRuntime{exitCode: ExitTempFail}
	_, err = containerExecutor(rt).Execute(context.Background(), testTask())
	assert.True(t, flow.IsRetryable(err))
}

func TestContainerExecutor_StartFailureRemoves(t *testing.T) {
	rt := &fakeRuntime{startErr: errors.New("no such image")}
	_, err := containerExecutor(rt).Execute(context.Background(), testTask())
	assert.ErrorContains(t, err, "no such image")
	assert.Equal(t, []string{"c-1"}, rt.removed)
}

func TestContainerExecutor_Timeout(t *testing.T) {
	rt := &fakeRuntime{block: true}
	exec := containerExecutor(rt)
	exec.Timeout = 20 * time.Millisecond

	_, err := exec.Execute(context.Background(), testTask())
	require.Error(t, err)
	assert.True(t, flow.IsRetryable(err))
	assert.Equal(t, []string{"c-1"}, rt.removed)
}

func TestContainerExecutor_Cancelled(t *testing.T) {
	rt := &fakeRuntime{block: true}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := containerExecutor(rt).Execute(ctx, testTask())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"c-1"}, rt.removed)
}

func TestContainerExecutor_InvalidOutput(t *testing.T) {
	rt := &fakeRuntime{stdout: "loss=0.3"}
	_, err := containerExecutor(rt).Execute(context.Background(), testTask())
	assert.ErrorContains(t, err, "invalid JSON output")
}
