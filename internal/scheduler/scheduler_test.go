package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/ble-orchestratord/internal/bleerr"
	"github.com/srg/ble-orchestratord/internal/request"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = discardWriter{}
	return log
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// recordingDispatcher appends the request IDs it was asked to dispatch,
// in dispatch order, so tests can assert on ordering (S2).
type recordingDispatcher struct {
	mu    sync.Mutex
	order []string
	delay time.Duration
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, req *request.Request) ([]byte, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
		}
	}
	d.mu.Lock()
	d.order = append(d.order, req.ID)
	d.mu.Unlock()
	return []byte("ok"), nil
}

func (d *recordingDispatcher) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

func noopLookup(ctx context.Context, req *request.Request) ([]byte, error) {
	return []byte("cache"), nil
}

func TestScheduler_PriorityReorder(t *testing.T) {
	// S2: enqueue R1=NORMAL, R2=HIGH, R3=NORMAL before any dispatch;
	// dispatch order must be R2, R1, R3.
	disp := &recordingDispatcher{}
	s := New(Config{}, disp, noopLookup, testLogger())

	now := time.Now()
	r1 := request.New("r1", request.KindRead, request.Normal, now, time.Second)
	r2 := request.New("r2", request.KindRead, request.High, now, time.Second)
	r3 := request.New("r3", request.KindRead, request.Normal, now, time.Second)

	require.NoError(t, s.Enqueue(r1))
	require.NoError(t, s.Enqueue(r2))
	require.NoError(t, s.Enqueue(r3))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	for _, r := range []*request.Request{r1, r2, r3} {
		select {
		case <-r.Done():
		case <-time.After(time.Second):
			t.Fatalf("request %s never completed", r.ID)
		}
	}

	assert.Equal(t, []string{"r2", "r1", "r3"}, disp.snapshot())
}

func TestScheduler_AgeSkip(t *testing.T) {
	// S3: a request created 40s ago with a 30s max age is skipped on
	// dequeue, with no dispatch call.
	disp := &recordingDispatcher{}
	s := New(Config{MaxAge: 30 * time.Second, SkipOldRequests: true}, disp, noopLookup, testLogger())

	old := request.New("old", request.KindRead, request.Normal, time.Now().Add(-40*time.Second), time.Minute)
	require.NoError(t, s.Enqueue(old))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case <-old.Done():
	case <-time.After(time.Second):
		t.Fatal("skipped request never completed")
	}

	_, err := old.Result()
	assert.ErrorIs(t, err, bleerr.ErrSkippedDueToAge)
	assert.Empty(t, disp.snapshot(), "age-skipped request must not reach the dispatcher")
}

func TestScheduler_DeadlineProducesTimeout(t *testing.T) {
	disp := &recordingDispatcher{delay: time.Second}
	s := New(Config{}, disp, noopLookup, testLogger())

	req := request.New("slow", request.KindRead, request.Normal, time.Now(), 20*time.Millisecond)
	require.NoError(t, s.Enqueue(req))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case <-req.Done():
	case <-time.After(time.Second):
		t.Fatal("request never reached a terminal state")
	}
	status := req.Status()
	assert.Equal(t, "TIMEOUT", status.String())
}

func TestScheduler_ParallelLaneServesCacheLookup(t *testing.T) {
	disp := &recordingDispatcher{}
	s := New(Config{ParallelWorkers: 2}, disp, noopLookup, testLogger())

	req := request.New("lookup", request.KindCacheLookup, request.Normal, time.Now(), time.Second)
	require.NoError(t, s.Enqueue(req))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case <-req.Done():
	case <-time.After(time.Second):
		t.Fatal("cache lookup never completed")
	}
	result, err := req.Result()
	require.NoError(t, err)
	assert.Equal(t, []byte("cache"), result)
}

func TestScheduler_LowPriorityRejectedAtWatermark(t *testing.T) {
	disp := &recordingDispatcher{delay: 50 * time.Millisecond}
	s := New(Config{SerialWatermark: 1}, disp, noopLookup, testLogger())

	// Fill the lane with one LOW request before the worker starts, so
	// the watermark is already met for the second enqueue.
	first := request.New("l1", request.KindRead, request.Low, time.Now(), time.Second)
	require.NoError(t, s.Enqueue(first))

	second := request.New("l2", request.KindRead, request.Low, time.Now(), time.Second)
	err := s.Enqueue(second)
	assert.ErrorIs(t, err, bleerr.ErrQueueFull)

	_, resultErr := second.Result()
	assert.ErrorIs(t, resultErr, bleerr.ErrQueueFull)
}

func TestScheduler_CancelRemovesUnpoppedRequest(t *testing.T) {
	disp := &recordingDispatcher{}
	s := New(Config{}, disp, noopLookup, testLogger())

	req := request.New("r1", request.KindRead, request.Normal, time.Now(), time.Minute)
	require.NoError(t, s.Enqueue(req))

	assert.True(t, s.Cancel(req), "a request still sitting in the queue must be removable")
	assert.Equal(t, 0, s.SerialQueueDepth())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, disp.snapshot(), "a cancelled request must never reach the dispatcher")
}

func TestScheduler_CancelIsNoopOnceDispatched(t *testing.T) {
	disp := &recordingDispatcher{delay: 100 * time.Millisecond}
	s := New(Config{}, disp, noopLookup, testLogger())

	req := request.New("r1", request.KindRead, request.Normal, time.Now(), time.Second)
	require.NoError(t, s.Enqueue(req))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool {
		return len(disp.snapshot()) == 1
	}, time.Second, 5*time.Millisecond, "dispatcher must have claimed the request")

	assert.False(t, s.Cancel(req), "a request already popped for dispatch cannot be found in the queue")
}

func TestScheduler_CancelIgnoresParallelLane(t *testing.T) {
	s := New(Config{}, &recordingDispatcher{}, noopLookup, testLogger())

	req := request.New("lookup", request.KindCacheLookup, request.Normal, time.Now(), time.Second)
	require.NoError(t, s.Enqueue(req))

	assert.False(t, s.Cancel(req), "the parallel lane has no per-item removal")
}
