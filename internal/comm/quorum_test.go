package comm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dyluth/fedloop/internal/flow"
)

func fragment(task, worker string, status flow.Status, value float64) flow.ResultFragment {
	result := flow.WorkerResult{WorkerID: worker, Status: status}
	if status == flow.StatusOK {
		result.Payload = flow.Payload{"value": value}
	}
	return flow.ResultFragment{
		TaskName: task,
		Results:  map[string]flow.WorkerResult{worker: result},
	}
}

func newTestAccumulator(ch *Channel, tolerable ...flow.Status) *Accumulator {
	return NewAccumulator(ch, AccumulatorOptions{
		PollInterval: time.Millisecond,
		Tolerable:    tolerable,
	}, nil)
}

type waitOutcome struct {
	results flow.ResultSet
	err     error
}

func TestWaitDuplicateWorkerDoesNotCount(t *testing.T) {
	ch := NewChannel()
	acc := newTestAccumulator(ch)

	require.NoError(t, ch.PutResult(fragment("t", "a", flow.StatusOK, 1)))
	require.NoError(t, ch.PutResult(fragment("t", "a", flow.StatusOK, 2)))

	done := make(chan waitOutcome, 1)
	go func() {
		rs, err := acc.Wait(context.Background(), 2)
		done <- waitOutcome{rs, err}
	}()

	select {
	case <-done:
		t.Fatal("wait returned with a single distinct contributor")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, ch.PutResult(fragment("t", "b", flow.StatusOK, 3)))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, flow.ResultSet{"t": {
			"a": flow.Payload{"value": 2.0},
			"b": flow.Payload{"value": 3.0},
		}}, out.results)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after quorum")
	}
}

func TestWaitEveryObservedTaskNeedsQuorum(t *testing.T) {
	ch := NewChannel()
	acc := newTestAccumulator(ch)

	require.NoError(t, ch.PutResult(fragment("train", "a", flow.StatusOK, 1)))
	require.NoError(t, ch.PutResult(fragment("train", "b", flow.StatusOK, 1)))
	require.NoError(t, ch.PutResult(fragment("validate", "a", flow.StatusOK, 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := acc.Wait(ctx, 2)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestWaitExpectedTasks(t *testing.T) {
	ch := NewChannel()
	acc := newTestAccumulator(ch)

	require.NoError(t, ch.PutResult(fragment("other", "a", flow.StatusOK, 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := acc.Wait(ctx, 1, "train")
	assert.ErrorIs(t, err, ErrAborted)
}

func TestWaitZeroMinResponses(t *testing.T) {
	t.Run("blocks until a fragment is observed", func(t *testing.T) {
		acc := newTestAccumulator(NewChannel())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := acc.Wait(ctx, 0)
		assert.ErrorIs(t, err, ErrAborted)
	})

	t.Run("empty fragment satisfies", func(t *testing.T) {
		ch := NewChannel()
		acc := newTestAccumulator(ch)
		require.NoError(t, ch.PutResult(flow.ResultFragment{TaskName: "train"}))

		rs, err := acc.Wait(context.Background(), 0, "train")
		require.NoError(t, err)
		assert.Contains(t, rs, "train")
		assert.Empty(t, rs["train"])
	})
}

func TestWaitTolerableErrors(t *testing.T) {
	ch := NewChannel()
	acc := newTestAccumulator(ch, flow.StatusRetryableError)

	require.NoError(t, ch.PutResult(fragment("train", "a", flow.StatusOK, 4)))
	require.NoError(t, ch.PutResult(fragment("train", "b", flow.StatusRetryableError, 0)))

	rs, err := acc.Wait(context.Background(), 2, "train")
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Contributors("train"))
	assert.Equal(t, flow.Payload{}, rs["train"]["b"])
}

func TestWaitIntolerableError(t *testing.T) {
	ch := NewChannel()
	acc := newTestAccumulator(ch, flow.StatusRetryableError)

	bad := fragment("train", "b", flow.StatusFatalError, 0)
	res := bad.Results["b"]
	res.Error = "out of memory"
	bad.Results["b"] = res

	require.NoError(t, ch.PutResult(fragment("train", "a", flow.StatusOK, 4)))
	require.NoError(t, ch.PutResult(bad))

	_, err := acc.Wait(context.Background(), 2, "train")
	require.Error(t, err)

	var taskErr *TaskError
	require.True(t, errors.As(err, &taskErr))
	assert.Equal(t, "train", taskErr.Task)
	assert.Equal(t, "b", taskErr.Worker)
	assert.Equal(t, flow.StatusFatalError, taskErr.Status)
	assert.Contains(t, err.Error(), "task train failed with 'FATAL_ERROR' status")
	assert.Contains(t, err.Error(), "out of memory")
}

func TestWaitAbortedStatusNotTolerableByDefault(t *testing.T) {
	ch := NewChannel()
	acc := newTestAccumulator(ch)
	require.NoError(t, ch.PutResult(fragment("train", "a", flow.StatusAborted, 0)))

	_, err := acc.Wait(context.Background(), 1)
	var taskErr *TaskError
	require.True(t, errors.As(err, &taskErr))
	assert.Equal(t, flow.StatusAborted, taskErr.Status)
}

func TestWaitCancelled(t *testing.T) {
	acc := newTestAccumulator(NewChannel())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := acc.Wait(ctx, 1)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitMissingChannel(t *testing.T) {
	var acc *Accumulator
	_, err := acc.Wait(context.Background(), 1)
	assert.ErrorIs(t, err, ErrMissingChannel)

	_, err = NewAccumulator(nil, AccumulatorOptions{}, nil).Wait(context.Background(), 1)
	assert.ErrorIs(t, err, ErrMissingChannel)
}

// TestWaitQuorumProperty checks that Wait succeeds exactly when every observed
// task has at least k distinct workers, and that the last value per worker wins.
func TestWaitQuorumProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		k := rapid.IntRange(1, 3).Draw(rt, "k")
		n := rapid.IntRange(1, 8).Draw(rt, "n")

		ch := NewChannel()
		acc := newTestAccumulator(ch)

		expected := make(flow.ResultSet)
		for i := 0; i < n; i++ {
			task := rapid.SampledFrom([]string{"t", "u"}).Draw(rt, "task")
			worker := rapid.SampledFrom([]string{"a", "b", "c"}).Draw(rt, "worker")
			value := float64(i)

			if expected[task] == nil {
				expected[task] = make(map[string]flow.Payload)
			}
			expected[task][worker] = flow.Payload{"value": value}
			if err := ch.PutResult(fragment(task, worker, flow.StatusOK, value)); err != nil {
				rt.Fatalf("put result: %v", err)
			}
		}

		satisfied := true
		for _, workers := range expected {
			if len(workers) < k {
				satisfied = false
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		rs, err := acc.Wait(ctx, k)
		if satisfied {
			if err != nil {
				rt.Fatalf("expected quorum, got %v", err)
			}
			if !assert.ObjectsAreEqual(expected, rs) {
				rt.Fatalf("results mismatch: want %v got %v", expected, rs)
			}
		} else if !errors.Is(err, ErrAborted) {
			rt.Fatalf("expected wait to block, got results %v err %v", rs, err)
		}
	})
}

func TestWaitDiscardsStaleRounds(t *testing.T) {
	ch := NewChannel()
	acc := NewAccumulator(ch, AccumulatorOptions{PollInterval: time.Millisecond}, nil)
	acc.ExpectRound(2)

	require.NoError(t, ch.PutResult(flow.ResultFragment{
		TaskName: "train",
		Round:    1,
		Results:  map[string]flow.WorkerResult{"late": {WorkerID: "late", Status: flow.StatusFatalError}},
	}))
	require.NoError(t, ch.PutResult(flow.ResultFragment{
		TaskName: "train",
		Round:    2,
		Results:  map[string]flow.WorkerResult{"a": {WorkerID: "a", Status: flow.StatusOK, Payload: flow.Payload{"x": 1.0}}},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	results, err := acc.Wait(ctx, 1, "train")
	require.NoError(t, err)
	assert.Equal(t, flow.ResultSet{"train": {"a": flow.Payload{"x": 1.0}}}, results)
}
