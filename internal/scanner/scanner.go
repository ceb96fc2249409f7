// Package scanner implements the Scanner (§2 component D, §4.2): a
// resident background task that drives continuous scanning, yields the
// adapter to the Coordinator on request, and recreates the underlying
// scan device when the stack silently stalls.
package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ble-orchestratord/internal/adapter"
	"github.com/srg/ble-orchestratord/internal/cache"
	"github.com/srg/ble-orchestratord/internal/coordinator"
)

const (
	tickPeriod          = 500 * time.Millisecond
	stallThreshold      = 90 * time.Second
	minRecreateInterval = 180 * time.Second
	clientCompletedWait = 60 * time.Second
	backoffInitial      = time.Second
	backoffMax          = 30 * time.Second
)

// Scanner owns the one background scanning task per process (§5).
type Scanner struct {
	factory     adapter.ScannerFactory
	adapterID   string
	coordinator *coordinator.Coordinator
	cache       *cache.Cache
	log         *logrus.Logger

	// onStall is invoked to ask for Watchdog intervention beyond the
	// scanner's own self-recreate: once for every failed reopen of the
	// scan device inside Run's retry loop, before its backoff wait. A
	// failure of the first open at startup does not invoke it.
	onStall func()

	// statusMu guards every field below. lastIngestAt is written from the
	// dev.Scan callback goroutine and read from driveTicks' goroutine, so
	// it needs the same guard as the get_service_status fields even
	// though it isn't itself exposed to status.
	statusMu     sync.Mutex
	lastIngestAt time.Time
	lastRecreate time.Time
	running      bool
	lastTick     time.Time
}

func (s *Scanner) setIngestedNow() time.Time {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.lastIngestAt = time.Now()
	return s.lastIngestAt
}

func (s *Scanner) getIngestedAt() time.Time {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.lastIngestAt
}

func (s *Scanner) setRecreated(t time.Time) {
	s.statusMu.Lock()
	s.lastRecreate = t
	s.statusMu.Unlock()
}

func (s *Scanner) setRunning(running bool) {
	s.statusMu.Lock()
	s.running = running
	s.statusMu.Unlock()
}

func (s *Scanner) setTick(t time.Time) {
	s.statusMu.Lock()
	s.lastTick = t
	s.statusMu.Unlock()
}

// New constructs a Scanner bound to a scan-side adapter id.
func New(factory adapter.ScannerFactory, adapterID string, coord *coordinator.Coordinator, scanCache *cache.Cache, onStall func(), log *logrus.Logger) *Scanner {
	if onStall == nil {
		onStall = func() {}
	}
	return &Scanner{
		factory:     factory,
		adapterID:   adapterID,
		coordinator: coord,
		cache:       scanCache,
		onStall:     onStall,
		log:         log,
	}
}

// LastTick reports when the scanner's loop last ran, for get_service_status.
func (s *Scanner) LastTick() time.Time {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.lastTick
}

// LastRecreate reports when the underlying scan device was last rebuilt.
func (s *Scanner) LastRecreate() time.Time {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.lastRecreate
}

// Running reports whether the scan loop believes it currently holds the adapter.
func (s *Scanner) Running() bool {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.running
}

// Run drives the scanner until ctx is cancelled. It owns its own retry
// and stall-recreation logic and never returns early on a transient
// error — only ctx cancellation ends the loop.
func (s *Scanner) Run(ctx context.Context) {
	backoff := backoffInitial
	dev, err := s.factory(s.adapterID)
	if err != nil {
		s.log.WithError(err).Error("scanner: failed to open scan adapter at startup")
	}
	s.setRecreated(time.Now())
	s.setIngestedNow()

	for {
		if ctx.Err() != nil {
			if dev != nil {
				_ = dev.Close()
			}
			return
		}

		if dev == nil {
			var openErr error
			dev, openErr = s.factory(s.adapterID)
			if openErr != nil {
				s.log.WithError(openErr).WithField("backoff", backoff).Warn("scanner: scan-start failed, retrying with backoff")
				s.onStall()
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}
			backoff = backoffInitial
			s.setRecreated(time.Now())
		}

		s.setRunning(true)
		scanCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- dev.Scan(scanCtx, func(adv adapter.Advertisement) {
				s.ingest(adv)
			})
		}()

		s.driveTicks(ctx, scanCtx, cancel, dev)

		cancel()
		err := <-done
		s.setRunning(false)
		if err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("scanner: scan loop exited with error, will reopen")
		}
		_ = dev.Close()
		dev = nil
	}
}

// driveTicks runs the 0.5s tick loop for one scan session: pausing for
// the Coordinator, detecting stalls, until the session's scanCtx ends or
// ctx is cancelled. A finished pause or a detected stall cancels the
// session so Run can reopen the device.
func (s *Scanner) driveTicks(ctx, scanCtx context.Context, cancelScan context.CancelFunc, dev adapter.Scanner) {
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-scanCtx.Done():
			return
		case <-ticker.C:
			s.setTick(time.Now())
			s.cache.Sweep()
			if s.coordinator.Enabled() && s.awaitingPause() {
				s.handlePause(ctx, dev)
				cancelScan()
				return
			}
			if s.stalled() {
				s.log.Warn("scanner: no advertisements ingested and adapter aged past recreate interval, tearing down")
				cancelScan()
				return
			}
		}
	}
}

// awaitingPause reports whether the Coordinator has a pending
// STOP_REQUESTED epoch the Scanner hasn't yet acknowledged.
func (s *Scanner) awaitingPause() bool {
	return s.coordinator.State() == coordinator.StopRequested
}

// handlePause implements §4.2's "else if coordinator reports stop
// request" branch: stop scanning, signal scan_stopped, wait for
// client_completed (bounded), then let Run's outer loop reopen.
func (s *Scanner) handlePause(ctx context.Context, dev adapter.Scanner) {
	_ = dev.Close()
	s.setRunning(false)
	s.coordinator.SignalScanStopped()
	if !s.coordinator.AwaitClientCompleted(ctx, clientCompletedWait) {
		s.log.Warn("scanner: client_completed wait elapsed, resuming scan and leaving epoch open for deadlock probe")
	}
}

// stalled reports whether the stack is suspected to have silently
// stopped delivering advertisements (§4.2).
func (s *Scanner) stalled() bool {
	now := time.Now()
	return now.Sub(s.getIngestedAt()) > stallThreshold && now.Sub(s.lastRecreate) > minRecreateInterval
}

func (s *Scanner) ingest(adv adapter.Advertisement) {
	observedAt := s.setIngestedNow()
	s.cache.Ingest(cache.Record{
		MAC:              adv.Addr(),
		Name:             adv.LocalName(),
		RSSI:             adv.RSSI(),
		Payload:          adv.Payload(),
		ManufacturerData: adv.ManufacturerData(),
		ObservedAt:       observedAt,
	})
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffMax {
		return backoffMax
	}
	return next
}
