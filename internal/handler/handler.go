// Package handler implements the Request Handler (§2 component F, §4.5):
// it executes one Read or Write request at a time, acquiring exclusive
// adapter access through the Coordinator and retrying the connect step
// against the Adapter Facade with a bounded retry count and interval.
package handler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ble-orchestratord/internal/adapter"
	"github.com/srg/ble-orchestratord/internal/bleerr"
	"github.com/srg/ble-orchestratord/internal/cache"
	"github.com/srg/ble-orchestratord/internal/coordinator"
	"github.com/srg/ble-orchestratord/internal/request"
)

// FailureSink receives connect outcomes so the Watchdog can drive its
// recovery ladder off the Failure Ledger (§4.6). *watchdog.Ledger
// implements this; handler does not import watchdog directly to avoid
// a dependency on the Watchdog's own ladder/scheduling logic.
type FailureSink interface {
	RecordFailure() int
	RecordSuccess()
}

// Config tunes connect behavior per §4.5 and §6.
type Config struct {
	ConnectTimeout time.Duration
	RetryCount     int
	RetryInterval  time.Duration
	PauseTimeout   time.Duration // Coordinator.AwaitScanStopped bound, default 10s (§4.3)
}

// Handler executes Read and Write requests. One instance serves the
// scheduler's serial lane; its internal mutex enforces §4.5 step 2 even
// if a caller bypassed the lane's own single-worker discipline.
type Handler struct {
	cfg         Config
	coordinator *coordinator.Coordinator
	connector   adapter.Connector
	cache       *cache.Cache
	failures    FailureSink
	onFailure   func()
	log         *logrus.Logger

	mu sync.Mutex
}

// New constructs a Handler. onFailure, if non-nil, is invoked after every
// recorded connect failure so a caller can request an out-of-cycle
// Watchdog check (§4.6: "event-driven wakeup on a failure signal")
// instead of waiting for the next periodic one.
func New(cfg Config, coord *coordinator.Coordinator, connector adapter.Connector, scanCache *cache.Cache, failures FailureSink, onFailure func(), log *logrus.Logger) *Handler {
	if cfg.PauseTimeout <= 0 {
		cfg.PauseTimeout = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if onFailure == nil {
		onFailure = func() {}
	}
	return &Handler{cfg: cfg, coordinator: coord, connector: connector, cache: scanCache, failures: failures, onFailure: onFailure, log: log}
}

// Dispatch implements scheduler.Dispatcher for Read and Write requests.
func (h *Handler) Dispatch(ctx context.Context, req *request.Request) ([]byte, error) {
	switch req.Kind {
	case request.KindRead, request.KindWrite:
	default:
		return nil, fmt.Errorf("%w: handler cannot dispatch kind %s", bleerr.ErrInvalidRequest, req.Kind)
	}

	mac := cache.NormalizeMAC(req.MAC)
	if _, ok := h.cache.Lookup(mac); !ok {
		return nil, fmt.Errorf("%w: %s", bleerr.ErrDeviceNotFound, mac)
	}

	// §4.5 step 2: single-operation mutex, independent of lane discipline.
	h.mu.Lock()
	defer h.mu.Unlock()

	h.coordinator.RequestPause()
	if !h.coordinator.AwaitScanStopped(ctx, h.cfg.PauseTimeout) {
		h.log.WithField("mac", mac).Warn("handler: scan_stopped wait elapsed, proceeding anyway (advisory only)")
	}
	defer h.coordinator.NotifyDone()

	conn, err := h.connectWithRetry(ctx, mac)
	if err != nil {
		h.failures.RecordFailure()
		h.onFailure()
		return nil, err
	}
	h.failures.RecordSuccess()
	defer func() {
		if derr := conn.Disconnect(); derr != nil {
			h.log.WithError(derr).WithField("mac", mac).Warn("handler: disconnect failed")
		}
	}()

	switch req.Kind {
	case request.KindRead:
		data, err := conn.Read(ctx, req.ServiceUUID, req.CharUUID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", bleerr.ErrOperationFailed, err)
		}
		return data, nil
	case request.KindWrite:
		if err := conn.Write(ctx, req.ServiceUUID, req.CharUUID, req.Payload, req.WantsResponse); err != nil {
			return nil, fmt.Errorf("%w: %v", bleerr.ErrOperationFailed, err)
		}
		return nil, nil
	default:
		return nil, bleerr.ErrInvalidRequest
	}
}

// connectWithRetry opens a connection with up to cfg.RetryCount retries
// at cfg.RetryInterval spacing (§4.5 step 4). Cancellation mid-retry
// (the scheduler's deadline watchdog firing) aborts immediately rather
// than sleeping out the backoff.
func (h *Handler) connectWithRetry(ctx context.Context, mac string) (adapter.Connection, error) {
	var lastErr error
	for attempt := 0; attempt <= h.cfg.RetryCount; attempt++ {
		connCtx, cancel := context.WithTimeout(ctx, h.cfg.ConnectTimeout)
		conn, err := h.connector.Connect(connCtx, mac, adapter.ConnectOptions{ConnectTimeout: h.cfg.ConnectTimeout})
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt == h.cfg.RetryCount {
			break
		}
		select {
		case <-time.After(h.cfg.RetryInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", bleerr.ErrConnectionFailed, ctx.Err())
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", bleerr.ErrConnectionFailed, mac, h.cfg.RetryCount+1, lastErr)
}
