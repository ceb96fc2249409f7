// Package scheduler implements the Priority Scheduler (§2 component E):
// a serial lane for connect-based requests (Read, Write, Subscribe,
// Unsubscribe) ordered by priority then insertion order, and a parallel
// lane of a fixed worker pool draining CacheLookup requests.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ble-orchestratord/internal/bleerr"
	"github.com/srg/ble-orchestratord/internal/groutine"
	"github.com/srg/ble-orchestratord/internal/request"
)

// Dispatcher executes one connect-based request and returns its result
// payload or a classified *bleerr.Error. Implementations: internal/handler
// for Read/Write, internal/notify for Subscribe/Unsubscribe, composed by
// Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *request.Request) ([]byte, error)
}

// LookupFunc resolves a CacheLookup request's MAC into its result
// payload, already encoded the way the IPC layer wants it.
type LookupFunc func(ctx context.Context, req *request.Request) ([]byte, error)

// Config tunes the scheduler per §4.4 and §6.
type Config struct {
	// MaxAge is REQUEST_MAX_AGE_SEC: a serial request older than this
	// when dequeued is skipped rather than executed.
	MaxAge time.Duration
	// SkipOldRequests is SKIP_OLD_REQUESTS.
	SkipOldRequests bool
	// ParallelWorkers is SCAN_COMMAND_PARALLEL_WORKERS.
	ParallelWorkers int
	// ParallelDeadline bounds each CacheLookup regardless of the
	// request's own deadline (§4.4: "5s per-request deadline").
	ParallelDeadline time.Duration
	// SerialWatermark is the soft backpressure threshold (§5): once the
	// serial queue depth is at or above it, new LOW priority enqueues
	// are rejected with QueueFull. HIGH and NORMAL are always admitted.
	SerialWatermark int
	// ParallelQueueSize bounds the parallel lane's channel; an enqueue
	// that would block past it is rejected with QueueFull instead.
	ParallelQueueSize int
}

// DefaultConfig returns scheduler tuning derived from defaults not
// otherwise named by an environment variable.
func DefaultConfig() Config {
	return Config{
		ParallelDeadline:  5 * time.Second,
		SerialWatermark:   512,
		ParallelQueueSize: 512,
	}
}

// Scheduler owns both lanes. One instance per orchestrator process.
type Scheduler struct {
	cfg Config
	log *logrus.Logger

	dispatcher Dispatcher
	lookup     LookupFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *priorityQueue
	closed  bool
	running bool

	parallel chan *request.Request
}

// New constructs a Scheduler. dispatcher serves the serial lane,
// lookup serves the parallel lane.
func New(cfg Config, dispatcher Dispatcher, lookup LookupFunc, log *logrus.Logger) *Scheduler {
	if cfg.ParallelWorkers <= 0 {
		cfg.ParallelWorkers = 3
	}
	if cfg.ParallelDeadline <= 0 {
		cfg.ParallelDeadline = 5 * time.Second
	}
	if cfg.SerialWatermark <= 0 {
		cfg.SerialWatermark = 512
	}
	if cfg.ParallelQueueSize <= 0 {
		cfg.ParallelQueueSize = 512
	}
	s := &Scheduler{
		cfg:        cfg,
		log:        log,
		dispatcher: dispatcher,
		lookup:     lookup,
		queue:      newPriorityQueue(),
		parallel:   make(chan *request.Request, cfg.ParallelQueueSize),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the single serial worker and the fixed parallel pool as
// named background goroutines (§5: "one serial-lane worker ... M=3
// parallel-lane workers"). Start is idempotent; it is a no-op if already
// running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	groutine.Go(ctx, "scheduler-serial-worker", s.runSerial)
	for i := 0; i < s.cfg.ParallelWorkers; i++ {
		groutine.Go(ctx, fmt.Sprintf("scheduler-parallel-worker-%d", i), s.runParallel)
	}
	groutine.Go(ctx, "scheduler-shutdown-watcher", func(workerCtx context.Context) {
		<-workerCtx.Done()
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
	})
}

// Enqueue admits req into the lane its Kind belongs to. CacheLookup goes
// to the parallel lane; everything else to the serial priority queue.
func (s *Scheduler) Enqueue(req *request.Request) error {
	if req.Kind == request.KindCacheLookup {
		select {
		case s.parallel <- req:
			return nil
		default:
			req.Fail(bleerr.ErrQueueFull)
			return bleerr.ErrQueueFull
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		req.Fail(bleerr.ErrUnavailable)
		return bleerr.ErrUnavailable
	}
	if req.Priority == request.Low && s.queue.len() >= s.cfg.SerialWatermark {
		s.mu.Unlock()
		req.Fail(bleerr.ErrQueueFull)
		return bleerr.ErrQueueFull
	}
	s.queue.push(req)
	s.cond.Signal()
	s.mu.Unlock()
	return nil
}

// Cancel drops req from the serial queue if it is still sitting there
// unprocessed, for a caller whose client disconnected before the
// request reached the front of the lane. It is a no-op for requests
// already popped for dispatch (the common case) and for the parallel
// lane, which has no per-item removal. Returns true if req was found
// and removed, in which case the caller is responsible for failing it.
func (s *Scheduler) Cancel(req *request.Request) bool {
	if req.Kind == request.KindCacheLookup {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.remove(req.ID, req.Priority)
}

// SerialQueueDepth reports the serial lane's pending count, for
// get_service_status.
func (s *Scheduler) SerialQueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// ParallelQueueDepth reports the parallel lane's pending count.
func (s *Scheduler) ParallelQueueDepth() int {
	return len(s.parallel)
}

// runSerial is the single serial-lane worker loop.
func (s *Scheduler) runSerial(ctx context.Context) {
	for {
		req := s.dequeueSerial()
		if req == nil {
			return // scheduler closed
		}
		s.processSerial(ctx, req)
	}
}

// dequeueSerial blocks until a request is ready or the scheduler is
// closed, returning nil in the latter case.
func (s *Scheduler) dequeueSerial() *request.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if req := s.queue.pop(); req != nil {
			return req
		}
		if s.closed {
			return nil
		}
		s.cond.Wait()
	}
}

// processSerial applies the age-skip policy, then dispatches with a
// watchdog timer pinned to the request's absolute deadline (§4.4). The
// dispatch itself runs in its own goroutine so a Handler that overruns
// its deadline does not stall the lane; the Handler's own single-
// operation mutex (§4.5 step 2) is what actually serializes overlapping
// connect attempts once the timed-out one finishes cancelling.
func (s *Scheduler) processSerial(ctx context.Context, req *request.Request) {
	now := time.Now()
	if s.cfg.SkipOldRequests && req.Age(now) > s.cfg.MaxAge {
		if err := req.MarkProcessing(); err != nil {
			s.log.WithError(err).WithField("request_id", req.ID).Error("scheduler: invariant violation on age-skip")
			return
		}
		req.Fail(bleerr.ErrSkippedDueToAge)
		s.log.WithFields(logrusFields(req)).Info("scheduler: skipped request due to age")
		return
	}

	if err := req.MarkProcessing(); err != nil {
		s.log.WithError(err).WithField("request_id", req.ID).Error("scheduler: invariant violation before dispatch")
		return
	}

	dispatchCtx, cancel := context.WithDeadline(ctx, req.Deadline)
	done := make(chan struct{})
	go func() {
		defer cancel()
		defer close(done)
		result, err := s.dispatcher.Dispatch(dispatchCtx, req)
		if errors.Is(dispatchCtx.Err(), context.DeadlineExceeded) {
			req.MarkTimeout(bleerr.ErrTimeout)
			return
		}
		if err != nil {
			req.Fail(err)
			return
		}
		req.Complete(result)
	}()

	remaining := time.Until(req.Deadline)
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		req.MarkTimeout(bleerr.ErrTimeout)
		s.log.WithFields(logrusFields(req)).Warn("scheduler: request deadline elapsed, marked TIMEOUT")
	case <-ctx.Done():
		req.MarkTimeout(bleerr.ErrTimeout)
	}
}

// runParallel is one of the fixed parallel-lane workers.
func (s *Scheduler) runParallel(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-s.parallel:
			if !ok {
				return
			}
			s.processParallel(ctx, req)
		}
	}
}

func (s *Scheduler) processParallel(ctx context.Context, req *request.Request) {
	if err := req.MarkProcessing(); err != nil {
		s.log.WithError(err).WithField("request_id", req.ID).Error("scheduler: invariant violation before lookup")
		return
	}

	deadline := req.Deadline
	if cap := time.Now().Add(s.cfg.ParallelDeadline); cap.Before(deadline) {
		deadline = cap
	}
	lookupCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result, err := s.lookup(lookupCtx, req)
	if err != nil {
		req.Fail(err)
		return
	}
	req.Complete(result)
}

func logrusFields(req *request.Request) logrus.Fields {
	return logrus.Fields{
		"request_id": req.ID,
		"kind":       req.Kind,
		"priority":   req.Priority,
	}
}
