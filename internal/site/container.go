package site

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	dockerpkg "github.com/dyluth/fedloop/internal/docker"
	"github.com/dyluth/fedloop/internal/flow"
)

// ContainerInputPath is where the task input is mounted inside a task container.
const ContainerInputPath = "/fedloop/input.json"

// Runtime is the part of the Docker API the container executor uses.
type Runtime interface {
	Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int64, error)
	// Logs returns the multiplexed stdout/stderr stream of the container.
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	Remove(ctx context.Context, id string) error
}

// NewDockerRuntime adapts a Docker client to Runtime.
func NewDockerRuntime(cli *client.Client) Runtime {
	return &dockerRuntime{cli: cli}
}

type dockerRuntime struct {
	cli *client.Client
}

func (d *dockerRuntime) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerRuntime) Start(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerRuntime) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("wait failed: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

func (d *dockerRuntime) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
}

func (d *dockerRuntime) Remove(ctx context.Context, id string) error {
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// ContainerExecutor runs every task in a fresh container of Image. The task
// input is bind-mounted read-only at ContainerInputPath and the container's
// stdout is the result. The container is removed whatever the outcome.
type ContainerExecutor struct {
	Runtime      Runtime
	InstanceName string
	SiteID       string
	Image        string
	Command      []string // Overrides the image's CMD when set
	Env          []string
	Network      string // Joined when set
	Timeout      time.Duration
	InputDir     string // Host directory for input files, os.TempDir() when empty
	Logger       *zap.Logger
}

// Execute runs task in a new container.
func (e *ContainerExecutor) Execute(ctx context.Context, task *flow.Task) (flow.Payload, error) {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	inputPath, err := e.writeInput(task)
	if err != nil {
		return nil, err
	}
	defer os.Remove(inputPath)

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, e.Timeout)
	}
	defer cancel()

	cfg := &container.Config{
		Image:  e.Image,
		Cmd:    e.Command,
		Env:    append([]string{"FEDLOOP_INPUT=" + ContainerInputPath}, e.Env...),
		Labels: e.labels(task),
	}
	host := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   inputPath,
			Target:   ContainerInputPath,
			ReadOnly: true,
		}},
	}
	if e.Network != "" {
		host.NetworkMode = container.NetworkMode(e.Network)
	}

	name := dockerpkg.TaskContainerName(e.InstanceName, e.SiteID, task.ID)
	id, err := e.Runtime.Create(execCtx, cfg, host, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create task container: %w", err)
	}
	defer e.cleanup(id, logger)

	logger.Debug("task container created",
		zap.String("container", name),
		zap.String("task_id", task.ID),
		zap.Int("round", task.Round))

	if err := e.Runtime.Start(execCtx, id); err != nil {
		return nil, e.classify(ctx, execCtx, fmt.Errorf("failed to start task container: %w", err))
	}

	exitCode, err := e.Runtime.Wait(execCtx, id)
	if err != nil {
		return nil, e.classify(ctx, execCtx, fmt.Errorf("failed waiting for task container: %w", err))
	}

	stdout, stderr, err := e.output(execCtx, id)
	if err != nil {
		return nil, err
	}

	if exitCode != 0 {
		failure := fmt.Errorf("task container exited with code %d: %s", exitCode, truncate(stderr, 500))
		if exitCode == ExitTempFail {
			return nil, flow.Retryable(failure)
		}
		return nil, failure
	}
	return parseOutput(stdout)
}

// classify maps a failure during start or wait: cancellation is returned as
// ctx.Err(), an expired timeout is retryable.
func (e *ContainerExecutor) classify(ctx, execCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if execCtx.Err() != nil {
		return flow.Retryable(fmt.Errorf("task container timed out after %s", e.Timeout))
	}
	return err
}

func (e *ContainerExecutor) writeInput(task *flow.Task) (string, error) {
	data, err := json.Marshal(NewInput(e.SiteID, task))
	if err != nil {
		return "", fmt.Errorf("failed to marshal task input: %w", err)
	}

	f, err := os.CreateTemp(e.InputDir, "fedloop-input-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create input file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write input file: %w", err)
	}
	// Docker needs an absolute source path for bind mounts
	return filepath.Abs(f.Name())
}

func (e *ContainerExecutor) output(ctx context.Context, id string) ([]byte, string, error) {
	reader, err := e.Runtime.Logs(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read task container output: %w", err)
	}
	defer reader.Close()

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	stdout := &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	stderr := &limitedWriter{w: stderrBuf, limit: maxOutputSize}
	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil {
		return nil, "", fmt.Errorf("failed to demultiplex task container output: %w", err)
	}
	if stdoutBuf.Len() >= maxOutputSize {
		return nil, "", fmt.Errorf("task container output exceeded 10MB limit")
	}
	return stdoutBuf.Bytes(), stderrBuf.String(), nil
}

func (e *ContainerExecutor) labels(task *flow.Task) map[string]string {
	labels := dockerpkg.BuildLabels(e.InstanceName, task.ID, "", dockerpkg.ComponentTask)
	labels[dockerpkg.LabelSiteID] = e.SiteID
	labels[dockerpkg.LabelTaskID] = task.ID
	return labels
}

// cleanup removes the container even when the task context has ended.
func (e *ContainerExecutor) cleanup(id string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Runtime.Remove(ctx, id); err != nil {
		logger.Warn("failed to remove task container", zap.String("container_id", id), zap.Error(err))
	}
}
