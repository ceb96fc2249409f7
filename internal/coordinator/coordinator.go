// Package coordinator implements the Exclusive-Control Coordinator
// (§4.3): a small owned state machine mediating the Scanner's and the
// Request Handler's access to the shared connect-side adapter. A single
// CoordinatorState value is threaded into both collaborators by
// construction rather than kept as module-scope lock-plus-flags state
// (§9, "global mutable state → owned coordinator object"), signaling
// epoch transitions with a reopen-channel-per-cycle pattern.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is one of the three named states of §4.3's table.
type State int

const (
	Idle State = iota
	StopRequested
	ClientActive
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case StopRequested:
		return "STOP_REQUESTED"
	case ClientActive:
		return "CLIENT_ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Coordinator is the owned CoordinatorState value (§3). One instance
// per adapter pair; safe for concurrent use by the Scanner task and
// every serial-lane Handler invocation.
type Coordinator struct {
	mu      sync.Mutex
	log     *logrus.Logger
	enabled bool

	state           State
	epochStart      time.Time
	scanStopped     chan struct{}
	clientCompleted chan struct{}

	deadlockProbe time.Duration
}

// New returns a Coordinator. When enabled is false, every method is a
// no-op and the Scanner runs as if no coordination existed (§4.3,
// "explicit configuration").
func New(enabled bool, deadlockProbe time.Duration, log *logrus.Logger) *Coordinator {
	c := &Coordinator{
		log:           log,
		enabled:       enabled,
		state:         Idle,
		deadlockProbe: deadlockProbe,
	}
	c.resetEvents()
	return c
}

func (c *Coordinator) resetEvents() {
	c.scanStopped = make(chan struct{})
	c.clientCompleted = make(chan struct{})
}

// Enabled reports whether exclusive control is active.
func (c *Coordinator) Enabled() bool {
	return c.enabled
}

// State returns the coordinator's current state, for status reporting.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EpochAge reports how long the current non-IDLE epoch has been open,
// for status reporting; zero while IDLE.
func (c *Coordinator) EpochAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle || c.epochStart.IsZero() {
		return 0
	}
	return time.Since(c.epochStart)
}

// RequestPause begins (or rejoins) an epoch: IDLE → STOP_REQUESTED. It
// is idempotent within a single epoch — a second caller observing
// STOP_REQUESTED or CLIENT_ACTIVE simply waits on the same events
// rather than starting a new one, because concurrent callers funnel
// through this single mutex and only the first transitions state
// (§4.3 contracts).
func (c *Coordinator) RequestPause() {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return
	}
	c.state = StopRequested
	c.epochStart = time.Now()
	c.resetEvents()
}

// AwaitScanStopped waits up to timeout for the Scanner's scan_stopped
// signal. The Handler proceeds regardless of the outcome — exclusive
// control is advisory, not a correctness gate (§4.3) — so the boolean
// result is informational, for the caller to log a warning on false.
func (c *Coordinator) AwaitScanStopped(ctx context.Context, timeout time.Duration) bool {
	if !c.enabled {
		return true
	}
	c.mu.Lock()
	ch := c.scanStopped
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// SignalScanStopped is called by the Scanner once it has halted
// scanning for the current epoch: STOP_REQUESTED → CLIENT_ACTIVE.
func (c *Coordinator) SignalScanStopped() {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StopRequested {
		return
	}
	c.state = ClientActive
	close(c.scanStopped)
}

// AwaitClientCompleted waits up to timeout for the Handler's
// notify_done signal. Elapsing forces the Scanner to resume and leaves
// the epoch open for the Watchdog's deadlock probe (§4.3).
func (c *Coordinator) AwaitClientCompleted(ctx context.Context, timeout time.Duration) bool {
	if !c.enabled {
		return true
	}
	c.mu.Lock()
	ch := c.clientCompleted
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// NotifyDone closes out the current epoch: CLIENT_ACTIVE → IDLE. It is
// safe to call even if SignalScanStopped was never observed (the
// Handler's 10 s wait elapsed), so every Handler exit path can call it
// unconditionally (§5, "issued on every exit path").
func (c *Coordinator) NotifyDone() {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle {
		return
	}
	c.state = Idle
	c.epochStart = time.Time{}
	close(c.clientCompleted)
}

// ProbeDeadlock reports whether the current epoch, if any, has been
// open longer than the configured deadlock-probe window.
func (c *Coordinator) ProbeDeadlock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle || c.epochStart.IsZero() {
		return false
	}
	return time.Since(c.epochStart) > c.deadlockProbe
}

// ForceReset clears all epoch state and releases anything waiting on
// scan_stopped or client_completed. It is a recovery action invoked by
// the Watchdog after ProbeDeadlock returns true, never a routine one,
// and it logs itself at error level.
func (c *Coordinator) ForceReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Error("coordinator: force_reset invoked, epoch considered stuck")
	if c.state == StopRequested {
		close(c.scanStopped)
	}
	if c.state != Idle {
		close(c.clientCompleted)
	}
	c.state = Idle
	c.epochStart = time.Time{}
	c.resetEvents()
}
