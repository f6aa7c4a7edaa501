package pipeline

import (
	"fmt"
	"sync"

	"github.com/banshee-data/tagbeat/internal/frame"
)

// CommandKind selects what a Command changes.
type CommandKind int

const (
	SetSampleCount CommandKind = iota
	SetFrameSize
	SetSparsity
	SetFilter
	StartReplay
	// SetParams replaces N, Q and K together, validating only the final
	// triple.
	SetParams
)

func (k CommandKind) String() string {
	switch k {
	case SetSampleCount:
		return "set_sample_count"
	case SetFrameSize:
		return "set_frame_size"
	case SetSparsity:
		return "set_sparsity"
	case SetFilter:
		return "set_filter"
	case StartReplay:
		return "start_replay"
	case SetParams:
		return "set_params"
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// Command is one reconfiguration request. Build commands with the New*
// constructors so the result can be reported back to the submitter.
type Command struct {
	Kind      CommandKind
	Value     int
	Params    frame.Params
	Filter    frame.FilterSet
	SessionID string

	done chan error
}

func newCommand(c Command) Command {
	c.done = make(chan error, 1)
	return c
}

func NewSetSampleCount(n int) Command { return newCommand(Command{Kind: SetSampleCount, Value: n}) }
func NewSetFrameSize(q int) Command   { return newCommand(Command{Kind: SetFrameSize, Value: q}) }
func NewSetSparsity(k int) Command    { return newCommand(Command{Kind: SetSparsity, Value: k}) }

func NewSetParams(p frame.Params) Command {
	return newCommand(Command{Kind: SetParams, Params: p})
}

// NewSetFilter copies fs, so later changes by the caller are not observed.
func NewSetFilter(fs frame.FilterSet) Command {
	return newCommand(Command{Kind: SetFilter, Filter: fs.Clone()})
}

func NewStartReplay(sessionID string) Command {
	return newCommand(Command{Kind: StartReplay, SessionID: sessionID})
}

// Done delivers the command's result once it has been applied.
func (c Command) Done() <-chan error { return c.done }

func (c Command) String() string {
	switch c.Kind {
	case SetSampleCount, SetFrameSize, SetSparsity:
		return fmt.Sprintf("%s(%d)", c.Kind, c.Value)
	case SetParams:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Params)
	case StartReplay:
		return fmt.Sprintf("%s(%s)", c.Kind, c.SessionID)
	case SetFilter:
		return fmt.Sprintf("%s(%d entries)", c.Kind, len(c.Filter))
	}
	return c.Kind.String()
}

func (c Command) finish(err error) {
	if c.done == nil {
		return
	}
	select {
	case c.done <- err:
	default:
	}
}

// CommandQueue is a FIFO of pending commands, safe for concurrent use.
// Enqueue never waits on frame processing.
type CommandQueue struct {
	mu    sync.Mutex
	items []Command
}

func (q *CommandQueue) Enqueue(c Command) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

// Drain removes and returns every pending command in arrival order.
func (q *CommandQueue) Drain() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
