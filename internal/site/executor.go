package site

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/fedloop/internal/flow"
)

const (
	// maxOutputSize is the maximum number of bytes kept from a command's stdout/stderr (10MB)
	maxOutputSize = 10 * 1024 * 1024

	// ExitTempFail is the exit code (EX_TEMPFAIL) a command uses to report a
	// transient failure. It maps to RETRYABLE_ERROR.
	ExitTempFail = 75
)

// Executor runs one task on a site and returns the payload to report.
// Errors wrapped with flow.Retryable are reported as RETRYABLE_ERROR.
type Executor interface {
	Execute(ctx context.Context, task *flow.Task) (flow.Payload, error)
}

// Input is the JSON document handed to a site command.
type Input struct {
	TaskID       string       `json:"task_id"`
	TaskName     string       `json:"task_name"`
	Operator     string       `json:"operator"`
	SiteID       string       `json:"site_id"`
	CurrentRound int          `json:"current_round"`
	StartRound   int          `json:"start_round"`
	TotalRounds  int          `json:"total_rounds"`
	Payload      flow.Payload `json:"payload"`
}

// NewInput builds the command input for task.
func NewInput(siteID string, task *flow.Task) *Input {
	return &Input{
		TaskID:       task.ID,
		TaskName:     task.Name,
		Operator:     string(task.Operator),
		SiteID:       siteID,
		CurrentRound: task.Round,
		StartRound:   task.StartRound,
		TotalRounds:  task.TotalRounds,
		Payload:      task.Payload,
	}
}

// CommandExecutor runs the site's training command as a subprocess. The task
// input is written to stdin and the command prints one JSON object on stdout.
type CommandExecutor struct {
	SiteID  string
	Command []string
	Workdir string
	Env     []string // Appended to the agent's environment
	Timeout time.Duration
	Logger  *zap.Logger
}

// Execute runs the command for task.
func (e *CommandExecutor) Execute(ctx context.Context, task *flow.Task) (flow.Payload, error) {
	if len(e.Command) == 0 {
		return nil, errors.New("command array is empty")
	}
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	input, err := json.Marshal(NewInput(e.SiteID, task))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task input: %w", err)
	}

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, e.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Workdir
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	cmd.Stdin = bytes.NewReader(input)
	// Children that inherit stdout must not keep Wait blocked after a kill
	cmd.WaitDelay = time.Second

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: maxOutputSize}

	start := time.Now()
	err = cmd.Run()
	logger.Debug("command finished",
		zap.String("task_id", task.ID),
		zap.Int("round", task.Round),
		zap.Duration("duration", time.Since(start)))

	if err := exitError(ctx, execCtx, err, e.Timeout, stderrBuf.String()); err != nil {
		return nil, err
	}
	if stdoutBuf.Len() >= maxOutputSize || stderrBuf.Len() >= maxOutputSize {
		return nil, fmt.Errorf("command output exceeded 10MB limit")
	}
	return parseOutput(stdoutBuf.Bytes())
}

// exitError classifies how a command ended. Cancellation of ctx is returned
// as is, a timeout and ExitTempFail are retryable, any other failure is fatal.
func exitError(ctx, execCtx context.Context, err error, timeout time.Duration, stderr string) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return flow.Retryable(fmt.Errorf("command timed out after %s", timeout))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		failure := fmt.Errorf("process exited with code %d: %s", exitErr.ExitCode(), truncate(stderr, 500))
		if exitErr.ExitCode() == ExitTempFail {
			return flow.Retryable(failure)
		}
		return failure
	}
	return fmt.Errorf("failed to run command: %w", err)
}

// parseOutput decodes a command's stdout into a payload.
func parseOutput(stdout []byte) (flow.Payload, error) {
	if len(bytes.TrimSpace(stdout)) == 0 {
		return nil, fmt.Errorf("command produced no output on stdout")
	}
	var payload flow.Payload
	if err := json.Unmarshal(stdout, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON output: %w (stdout: %s)", err, truncate(string(stdout), 200))
	}
	if payload == nil {
		return nil, fmt.Errorf("command output must be a JSON object")
	}
	return payload, nil
}

// limitedWriter wraps a writer and enforces a size limit.
// Once the limit is reached, further writes are discarded.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err = lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

// truncate limits a string to maxLen characters, appending "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
