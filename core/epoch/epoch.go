// Package epoch drives the per-rank write epoch state machine:
// Idle -> PreStart -> Started -> Ending -> Closed -> PreStart ...
package epoch

import (
	"fmt"
	"sync"
)

// Stage is a state in the epoch lifecycle.
type Stage int

const (
	Idle Stage = iota
	PreStart
	Started
	Ending
	Closed
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case PreStart:
		return "pre_start"
	case Started:
		return "started"
	case Ending:
		return "ending"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateError reports a stage transition or write attempted from the
// wrong stage.
type StateError struct {
	Op    string
	Stage Stage
}

func (e *StateError) Error() string {
	return fmt.Sprintf("epoch: %s not allowed in stage %s", e.Op, e.Stage)
}

// Counters holds the per-epoch deltas the controller resets at Start
// and the dispatcher increments as writes and deliveries happen.
type Counters struct {
	LocalSends  uint64
	RemoteSends uint64
	LocalRecvs  uint64
	RemoteRecvs uint64
}

// Options configures barrier behavior around End. Both barriers are
// invoked by the caller of End, not by the controller itself — the
// controller only tracks whether they are configured so callers can
// query PreBarrier/PostBarrier uniformly.
type Options struct {
	PreBarrier  bool
	PostBarrier bool
}

// Controller tracks the current stage and epoch number for one rank
// and gates Write to the Started stage. It holds no reference to a
// fabric or transport; End's caller is responsible for driving the
// actual drain and barrier.
type Controller struct {
	mu       sync.Mutex
	stage    Stage
	epoch    uint32
	counters Counters
	opts     Options
}

// New returns a Controller in the Idle stage.
func New(opts Options) *Controller {
	return &Controller{stage: Idle, opts: opts}
}

// Options returns the barrier configuration the controller was built with.
func (c *Controller) Options() Options { return c.opts }

// Stage returns the current stage.
func (c *Controller) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// Epoch returns the epoch number last passed to PreStart.
func (c *Controller) Epoch() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// PreStart moves Idle/Closed -> PreStart. Callers block any lingering
// background drain from epoch-1 before calling this; the controller
// itself does not know how to wait on a transport.
func (c *Controller) PreStart(epoch uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stage != Idle && c.stage != Closed {
		return &StateError{Op: "pre_start", Stage: c.stage}
	}
	c.stage = PreStart
	c.epoch = epoch
	return nil
}

// Start moves PreStart -> Started, snapshotting (resetting) counters.
func (c *Controller) Start(epoch uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stage != PreStart {
		return &StateError{Op: "start", Stage: c.stage}
	}
	if epoch != c.epoch {
		return &StateError{Op: fmt.Sprintf("start(epoch=%d != pre_start epoch=%d)", epoch, c.epoch), Stage: c.stage}
	}
	c.counters = Counters{}
	c.stage = Started
	return nil
}

// CheckWrite returns a *StateError unless the controller is Started.
func (c *Controller) CheckWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stage != Started {
		return &StateError{Op: "write", Stage: c.stage}
	}
	return nil
}

// BeginEnd moves Started -> Ending. Call End (the caller-supplied
// drain) after this returns, then Close.
func (c *Controller) BeginEnd() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stage != Started {
		return &StateError{Op: "end", Stage: c.stage}
	}
	c.stage = Ending
	return nil
}

// Close moves Ending -> Closed once the caller's drain has completed.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stage != Ending {
		return &StateError{Op: "close", Stage: c.stage}
	}
	c.stage = Closed
	return nil
}

// AddLocalSend, AddRemoteSend, AddLocalRecv and AddRemoteRecv are
// called by exactly one owner each (the sender thread for sends, the
// transport's delivery thread for receives), matching the single-writer
// counters used at epoch boundaries.
func (c *Controller) AddLocalSend() {
	c.mu.Lock()
	c.counters.LocalSends++
	c.mu.Unlock()
}

func (c *Controller) AddRemoteSend() {
	c.mu.Lock()
	c.counters.RemoteSends++
	c.mu.Unlock()
}

func (c *Controller) AddLocalRecv() {
	c.mu.Lock()
	c.counters.LocalRecvs++
	c.mu.Unlock()
}

func (c *Controller) AddRemoteRecv() {
	c.mu.Lock()
	c.counters.RemoteRecvs++
	c.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (c *Controller) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}
