// Package comm connects the round loop to the dispatch loop.
//
// The coordinator talks to sites only through a Channel: commands go in one
// queue, result fragments come back on the other. Each queue has its own lock so
// that draining results never blocks the enqueueing of new commands.
package comm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dyluth/fedloop/internal/flow"
)

// ErrMissingChannel is returned by every operation invoked on a nil Channel.
var ErrMissingChannel = errors.New("missing channel")

// CommandKind identifies the variant of a Command.
type CommandKind string

const (
	// CommandBroadcast fans a request out to all targets concurrently
	CommandBroadcast CommandKind = "BROADCAST"

	// CommandSend delivers a request to each target in order
	CommandSend CommandKind = "SEND"

	// CommandStop terminates the dispatch loop
	CommandStop CommandKind = "STOP"
)

// Request is the body of a BROADCAST or SEND command.
type Request struct {
	TaskName string
	Payload  flow.Payload
	Targets  []string // empty means every known site
	Timeout  time.Duration
	Round    flow.RoundInfo
}

// Command is consumed exactly once by the dispatch loop.
// Request is nil for CommandStop.
type Command struct {
	Kind    CommandKind
	Request *Request
}

// StopCommand returns the command that terminates the dispatch loop.
func StopCommand() Command {
	return Command{Kind: CommandStop}
}

// Channel is the pair of unbounded FIFO queues shared by the round loop and the
// dispatch loop. GetCommand has a single consumer; every other method is safe to
// call from any goroutine.
type Channel struct {
	cmdMu    sync.Mutex
	commands []Command
	cmdReady chan struct{}

	resMu   sync.Mutex
	results []flow.ResultFragment
}

// NewChannel creates an empty channel.
func NewChannel() *Channel {
	return &Channel{
		cmdReady: make(chan struct{}, 1),
	}
}

// PutCommand appends a command to the command queue and wakes the consumer.
func (c *Channel) PutCommand(cmd Command) error {
	if c == nil {
		return ErrMissingChannel
	}

	c.cmdMu.Lock()
	c.commands = append(c.commands, cmd)
	c.cmdMu.Unlock()

	select {
	case c.cmdReady <- struct{}{}:
	default:
	}
	return nil
}

// GetCommand removes and returns the oldest command, blocking while the queue is
// empty. Returns ctx.Err() if the context ends first.
func (c *Channel) GetCommand(ctx context.Context) (Command, error) {
	if c == nil {
		return Command{}, ErrMissingChannel
	}

	for {
		if cmd, ok := c.popCommand(); ok {
			return cmd, nil
		}

		select {
		case <-ctx.Done():
			return Command{}, ctx.Err()
		case <-c.cmdReady:
		}
	}
}

func (c *Channel) popCommand() (Command, bool) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if len(c.commands) == 0 {
		return Command{}, false
	}
	cmd := c.commands[0]
	c.commands[0] = Command{}
	c.commands = c.commands[1:]
	return cmd, true
}

// PendingCommands returns the number of queued commands.
func (c *Channel) PendingCommands() int {
	if c == nil {
		return 0
	}
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return len(c.commands)
}

// PutResult appends a result fragment to the result queue.
func (c *Channel) PutResult(fragment flow.ResultFragment) error {
	if c == nil {
		return ErrMissingChannel
	}

	c.resMu.Lock()
	c.results = append(c.results, fragment)
	c.resMu.Unlock()
	return nil
}

// DrainResults removes and returns every queued fragment in arrival order.
// Never blocks; returns an empty slice when nothing is queued.
func (c *Channel) DrainResults() ([]flow.ResultFragment, error) {
	if c == nil {
		return nil, ErrMissingChannel
	}

	c.resMu.Lock()
	defer c.resMu.Unlock()

	drained := c.results
	c.results = nil
	return drained, nil
}

// HasResults reports whether at least one fragment is queued.
func (c *Channel) HasResults() bool {
	if c == nil {
		return false
	}
	c.resMu.Lock()
	defer c.resMu.Unlock()
	return len(c.results) > 0
}
