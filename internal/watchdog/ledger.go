package watchdog

import (
	"sync"
	"time"
)

// Ledger is the FailureLedger of §3: counters written by many Handler
// goroutines (one at a time, in practice, since the serial lane is
// single-worker) and read by one Watchdog. Writes are commutative
// counters, so a plain mutex is enough discipline — there is no
// lock-free counter in the example pack with a companion "last reset
// timestamp" field, and that combination is exactly what the recovery
// ladder needs to decide whether a reset already happened since the
// last failure.
type Ledger struct {
	mu               sync.Mutex
	consecutiveFails int
	lastFailureAt    time.Time
	lastResetAt      time.Time
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// RecordFailure increments the consecutive-failure counter and returns
// the new value (§3, §4.5 step 4).
func (l *Ledger) RecordFailure() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecutiveFails++
	l.lastFailureAt = time.Now()
	return l.consecutiveFails
}

// RecordSuccess resets the counter to exactly 0 (§4.5 step 6, §8
// invariant 7).
func (l *Ledger) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecutiveFails = 0
}

// ResetByWatchdog is the Watchdog's own counter reset after the stack
// restart rung of the recovery ladder (§4.6 step 4), distinguished from
// RecordSuccess only by which timestamp it stamps.
func (l *Ledger) ResetByWatchdog() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecutiveFails = 0
	l.lastResetAt = time.Now()
}

// Snapshot is a point-in-time read of the ledger, for the Watchdog's
// ladder decisions and for get_service_status.
type Snapshot struct {
	ConsecutiveFailures int
	LastFailureAt       time.Time
	LastResetAt         time.Time
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		ConsecutiveFailures: l.consecutiveFails,
		LastFailureAt:       l.lastFailureAt,
		LastResetAt:         l.lastResetAt,
	}
}
