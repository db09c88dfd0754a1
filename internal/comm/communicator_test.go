package comm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/fedloop/internal/flow"
)

func TestBroadcastEnqueuesRequest(t *testing.T) {
	ch := NewChannel()
	c := NewCommunicator(ch, newTestAccumulator(ch), CommunicatorOptions{TaskTimeout: time.Minute})
	c.SetRound(flow.RoundInfo{Current: 3, Start: 1, Total: 5})

	require.NoError(t, c.Broadcast(flow.Payload{"x": 1.0}))

	cmd, err := ch.GetCommand(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CommandBroadcast, cmd.Kind)
	require.NotNil(t, cmd.Request)
	assert.Equal(t, DefaultTaskName, cmd.Request.TaskName)
	assert.Equal(t, time.Minute, cmd.Request.Timeout)
	assert.Equal(t, 3, cmd.Request.Round.Current)
	assert.Empty(t, cmd.Request.Targets)
}

func TestBroadcastAndWait(t *testing.T) {
	ch := NewChannel()
	c := NewCommunicator(ch, newTestAccumulator(ch), CommunicatorOptions{TaskName: "fit"})

	// Play the dispatch loop: answer the broadcast from two workers.
	go func() {
		cmd, err := ch.GetCommand(context.Background())
		if err != nil || cmd.Kind != CommandBroadcast {
			return
		}
		for _, w := range []string{"s1", "s2"} {
			_ = ch.PutResult(fragment(cmd.Request.TaskName, w, flow.StatusOK, 1))
		}
	}()

	rs, err := c.BroadcastAndWait(context.Background(), nil, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Contributors("fit"))
}

func TestSendAndWait(t *testing.T) {
	ch := NewChannel()
	c := NewCommunicator(ch, newTestAccumulator(ch), CommunicatorOptions{})

	t.Run("requires targets", func(t *testing.T) {
		_, err := c.SendAndWait(context.Background(), nil)
		assert.Error(t, err)
	})

	t.Run("waits for every target", func(t *testing.T) {
		go func() {
			cmd, err := ch.GetCommand(context.Background())
			if err != nil || cmd.Kind != CommandSend {
				return
			}
			for _, w := range cmd.Request.Targets {
				_ = ch.PutResult(fragment(cmd.Request.TaskName, w, flow.StatusOK, 2))
			}
		}()

		rs, err := c.SendAndWait(context.Background(), flow.Payload{}, "s1", "s2", "s3")
		require.NoError(t, err)
		assert.Equal(t, 3, rs.Contributors(DefaultTaskName))
	})
}

func TestCommunicatorMissingChannel(t *testing.T) {
	c := NewCommunicator(nil, nil, CommunicatorOptions{})
	assert.ErrorIs(t, c.Broadcast(nil), ErrMissingChannel)

	_, err := c.BroadcastAndWait(context.Background(), nil, 1)
	assert.ErrorIs(t, err, ErrMissingChannel)
}
