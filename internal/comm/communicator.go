package comm

import (
	"context"
	"errors"
	"time"

	"github.com/dyluth/fedloop/internal/flow"
)

// DefaultTaskName is the task name used when none is configured.
const DefaultTaskName = "train"

// Communicator is the surface the round loop uses to reach sites. It only
// enqueues commands and waits on results; the dispatch loop does the rest.
// A Communicator belongs to a single round loop and is not safe for
// concurrent use.
type Communicator struct {
	ch       *Channel
	acc      *Accumulator
	taskName string
	timeout  time.Duration
	round    flow.RoundInfo
}

// CommunicatorOptions configures a Communicator.
type CommunicatorOptions struct {
	TaskName    string
	TaskTimeout time.Duration
}

// NewCommunicator creates a communicator writing to ch and waiting through acc.
func NewCommunicator(ch *Channel, acc *Accumulator, opts CommunicatorOptions) *Communicator {
	if opts.TaskName == "" {
		opts.TaskName = DefaultTaskName
	}
	return &Communicator{
		ch:       ch,
		acc:      acc,
		taskName: opts.TaskName,
		timeout:  opts.TaskTimeout,
	}
}

// TaskName returns the name attached to every request.
func (c *Communicator) TaskName() string {
	return c.taskName
}

// SetRound sets the round headers attached to subsequent requests. Results
// tagged with another round are ignored from then on.
func (c *Communicator) SetRound(info flow.RoundInfo) {
	c.round = info
	c.acc.ExpectRound(info.Current)
}

// Broadcast enqueues a BROADCAST request. With no targets the dispatch loop
// addresses every known site.
func (c *Communicator) Broadcast(payload flow.Payload, targets ...string) error {
	return c.put(CommandBroadcast, payload, targets)
}

// Send enqueues a SEND request delivered to each target in order.
func (c *Communicator) Send(payload flow.Payload, targets ...string) error {
	return c.put(CommandSend, payload, targets)
}

// BroadcastAndWait broadcasts payload to every site and blocks until at least
// minResponses sites have contributed.
func (c *Communicator) BroadcastAndWait(ctx context.Context, payload flow.Payload, minResponses int) (flow.ResultSet, error) {
	if err := c.Broadcast(payload); err != nil {
		return nil, err
	}
	return c.Wait(ctx, minResponses)
}

// SendAndWait sends payload to each target in order and blocks until every
// target has responded.
func (c *Communicator) SendAndWait(ctx context.Context, payload flow.Payload, targets ...string) (flow.ResultSet, error) {
	if len(targets) == 0 {
		return nil, errors.New("send requires at least one target")
	}
	if err := c.Send(payload, targets...); err != nil {
		return nil, err
	}
	return c.Wait(ctx, len(targets))
}

// Wait blocks until the current task has at least minResponses contributors.
func (c *Communicator) Wait(ctx context.Context, minResponses int) (flow.ResultSet, error) {
	return c.acc.Wait(ctx, minResponses, c.taskName)
}

func (c *Communicator) put(kind CommandKind, payload flow.Payload, targets []string) error {
	return c.ch.PutCommand(Command{
		Kind: kind,
		Request: &Request{
			TaskName: c.taskName,
			Payload:  payload,
			Targets:  append([]string(nil), targets...),
			Timeout:  c.timeout,
			Round:    c.round,
		},
	})
}
