// Package watchdog implements the Watchdog (§2 component G, §4.6): a
// periodic and event-driven observer of the Failure Ledger that drives
// a four-rung recovery ladder — no-op, lightweight reset, full reset,
// stack restart — holding the Coordinator in an epoch-equivalent state
// while it runs, with a cooldown between successive rungs.
package watchdog

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ble-orchestratord/internal/adapter"
	"github.com/srg/ble-orchestratord/internal/coordinator"
)

// Action names the rung of the ladder last executed, for get_service_status.
type Action string

const (
	ActionNone         Action = "none"
	ActionLightweight  Action = "lightweight_reset"
	ActionFullReset    Action = "full_reset"
	ActionStackRestart Action = "stack_restart"
)

// Config tunes the ladder per §4.6 and §6.
type Config struct {
	CheckInterval    time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	ConnectAdapter   string
	ScanAdapter      string
}

// Watchdog owns the Failure Ledger and drives the recovery ladder.
type Watchdog struct {
	cfg             Config
	ledger          *Ledger
	resetter        adapter.Resetter
	coordinator     *coordinator.Coordinator
	recreateScanner func(ctx context.Context)
	log             *logrus.Logger

	wake      chan struct{}
	stallFlag chan struct{}

	lastAction   Action
	lastActionAt time.Time
	lastAttempt  time.Time

	// sleep is the ladder's inter-step pause, a field so tests can
	// shrink the real 2s/5s/10s waits from §4.6 without changing ladder
	// behavior.
	sleep func(ctx context.Context, d time.Duration)
}

// New constructs a Watchdog. recreateScanner is invoked after any
// successful reset step to force the Scanner to rebuild (§4.6: "after
// any reset step it recreates the Scanner").
func New(cfg Config, resetter adapter.Resetter, coord *coordinator.Coordinator, recreateScanner func(ctx context.Context), log *logrus.Logger) *Watchdog {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	return &Watchdog{
		cfg:             cfg,
		ledger:          NewLedger(),
		resetter:        resetter,
		coordinator:     coord,
		recreateScanner: recreateScanner,
		log:             log,
		wake:            make(chan struct{}, 1),
		stallFlag:       make(chan struct{}, 1),
		lastAction:      ActionNone,
		sleep:           sleepCtx,
	}
}

// Ledger exposes the owned FailureLedger so the Handler can write to it
// (it satisfies handler.FailureSink).
func (w *Watchdog) Ledger() *Ledger { return w.ledger }

// SignalStall is called by the Scanner each time a reopen of its scan
// device fails inside its retry loop (§4.2: "repeated failure raises a
// signal to Watchdog").
func (w *Watchdog) SignalStall() {
	select {
	case w.stallFlag <- struct{}{}:
	default:
	}
	w.Wake()
}

// Wake requests an out-of-cycle check, the event-driven half of §4.6's
// "periodic check ... plus event-driven wakeup on a failure signal".
func (w *Watchdog) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drives the periodic-plus-event-driven check loop until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		case <-w.wake:
			w.check(ctx)
		}
	}
}

// check evaluates the ledger and, at most, climbs one rung of the ladder
// per invocation — the next tick or wake re-evaluates from the top, so a
// still-failing adapter climbs over successive checks rather than all at
// once (§4.6: "stop at first success"). Before that it force-resets a
// Coordinator epoch that ProbeDeadlock reports as stuck.
func (w *Watchdog) check(ctx context.Context) {
	if w.coordinator.ProbeDeadlock() {
		w.coordinator.ForceReset()
	}
	if !w.lastAttempt.IsZero() && time.Since(w.lastAttempt) < w.cfg.Cooldown {
		return
	}

	snap := w.ledger.Snapshot()
	stalled := w.consumeStallFlag()

	if snap.ConsecutiveFailures < w.cfg.FailureThreshold && !stalled {
		w.lastAction = ActionNone
		return
	}

	w.lastAttempt = time.Now()
	next := w.nextRung()
	w.log.WithFields(logrus.Fields{
		"consecutive_failures": snap.ConsecutiveFailures,
		"stalled":              stalled,
		"action":               next,
	}).Warn("watchdog: recovery ladder engaging")

	w.coordinator.RequestPause()
	w.coordinator.AwaitScanStopped(ctx, 10*time.Second)
	defer w.coordinator.NotifyDone()

	var err error
	switch next {
	case ActionLightweight:
		err = w.resetter.ResetAdapter(ctx, w.cfg.ConnectAdapter)
		w.sleep(ctx, 2*time.Second)
	case ActionFullReset:
		err = w.resetter.FullReset(ctx, w.cfg.ConnectAdapter)
		w.sleep(ctx, 5*time.Second)
	case ActionStackRestart:
		err = w.resetter.RestartStack(ctx)
		w.sleep(ctx, 10*time.Second)
		w.ledger.ResetByWatchdog()
	}

	if err != nil {
		w.log.WithError(err).WithField("action", next).Error("watchdog: recovery step failed, will retry after cooldown")
		return
	}

	w.lastAction = next
	w.lastActionAt = time.Now()
	if w.recreateScanner != nil {
		w.recreateScanner(ctx)
	}
}

// nextRung picks the next ladder step after lastAction. It never jumps
// straight to stack restart; each failing check climbs exactly one rung.
func (w *Watchdog) nextRung() Action {
	switch w.lastAction {
	case ActionNone:
		return ActionLightweight
	case ActionLightweight:
		return ActionFullReset
	default:
		return ActionStackRestart
	}
}

func (w *Watchdog) consumeStallFlag() bool {
	select {
	case <-w.stallFlag:
		return true
	default:
		return false
	}
}

// Status feeds get_service_status.
type Status struct {
	ConsecutiveFailures int
	LastResetAt         time.Time
	LastAction          Action
}

func (w *Watchdog) Status() Status {
	snap := w.ledger.Snapshot()
	return Status{
		ConsecutiveFailures: snap.ConsecutiveFailures,
		LastResetAt:         snap.LastResetAt,
		LastAction:          w.lastAction,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
