package ipc

import (
	"time"

	"github.com/srg/ble-orchestratord/internal/cache"
	"github.com/srg/ble-orchestratord/internal/coordinator"
	"github.com/srg/ble-orchestratord/internal/notify"
	"github.com/srg/ble-orchestratord/internal/scanner"
	"github.com/srg/ble-orchestratord/internal/scheduler"
	"github.com/srg/ble-orchestratord/internal/watchdog"
)

// StatusSnapshot is the get_service_status result shape, pulled live
// from every component at request time rather than cached, since status
// is read rarely and each component's accessor is already a cheap
// locked read.
type StatusSnapshot struct {
	Scanner       scannerStatus       `json:"scanner"`
	Coordinator   coordinatorStatus   `json:"coordinator"`
	Scheduler     schedulerStatus     `json:"scheduler"`
	Watchdog      watchdogStatus      `json:"watchdog"`
	Cache         cacheStatus         `json:"cache"`
	Notifications notificationsStatus `json:"notifications"`
}

type scannerStatus struct {
	Running      bool    `json:"running"`
	LastTick     float64 `json:"last_tick"`
	LastRecreate float64 `json:"last_recreate"`
}

type coordinatorStatus struct {
	State       string  `json:"state"`
	EpochAgeSec float64 `json:"epoch_age_sec"`
}

type schedulerStatus struct {
	SerialQueueDepth   int `json:"serial_queue_depth"`
	ParallelQueueDepth int `json:"parallel_queue_depth"`
}

type watchdogStatus struct {
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LastResetTS         float64 `json:"last_reset_ts"`
	LastAction          string  `json:"last_action"`
}

type cacheStatus struct {
	Entries int `json:"entries"`
}

type notificationsStatus struct {
	ActiveConnections   int `json:"active_connections"`
	ActiveSubscriptions int `json:"active_subscriptions"`
}

// StatusBuilder closes over every component get_service_status reports
// on, and renders a fresh StatusSnapshot on each call.
type StatusBuilder struct {
	scanner     *scanner.Scanner
	coordinator *coordinator.Coordinator
	scheduler   *scheduler.Scheduler
	watchdog    *watchdog.Watchdog
	cache       *cache.Cache
	notifier    *notify.Manager
}

// NewStatusBuilder wires the accessors get_service_status reads.
func NewStatusBuilder(sc *scanner.Scanner, coord *coordinator.Coordinator, sched *scheduler.Scheduler, wd *watchdog.Watchdog, c *cache.Cache, n *notify.Manager) *StatusBuilder {
	return &StatusBuilder{scanner: sc, coordinator: coord, scheduler: sched, watchdog: wd, cache: c, notifier: n}
}

// Snapshot implements the func() StatusSnapshot Session expects.
func (b *StatusBuilder) Snapshot() StatusSnapshot {
	wdStatus := b.watchdog.Status()
	return StatusSnapshot{
		Scanner: scannerStatus{
			Running:      b.scanner.Running(),
			LastTick:     unixSeconds(b.scanner.LastTick()),
			LastRecreate: unixSeconds(b.scanner.LastRecreate()),
		},
		Coordinator: coordinatorStatus{
			State:       b.coordinator.State().String(),
			EpochAgeSec: b.coordinator.EpochAge().Seconds(),
		},
		Scheduler: schedulerStatus{
			SerialQueueDepth:   b.scheduler.SerialQueueDepth(),
			ParallelQueueDepth: b.scheduler.ParallelQueueDepth(),
		},
		Watchdog: watchdogStatus{
			ConsecutiveFailures: wdStatus.ConsecutiveFailures,
			LastResetTS:         unixSeconds(wdStatus.LastResetAt),
			LastAction:          string(wdStatus.LastAction),
		},
		Cache: cacheStatus{
			Entries: b.cache.Len(),
		},
		Notifications: notificationsStatus{
			ActiveConnections:   b.notifier.ActiveConnections(),
			ActiveSubscriptions: b.notifier.ActiveSubscriptions(),
		},
	}
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
