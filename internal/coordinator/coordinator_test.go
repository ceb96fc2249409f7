package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(nil)
	log.Out = logrusDiscard{}
	return log
}

// logrusDiscard avoids pulling in io.Discard just for a test helper that
// logrus.Logger.Out can use directly.
type logrusDiscard struct{}

func (logrusDiscard) Write(p []byte) (int, error) { return len(p), nil }

func TestCoordinator_HappyPathEpoch(t *testing.T) {
	c := New(true, 90*time.Second, testLogger())
	assert.Equal(t, Idle, c.State())

	c.RequestPause()
	assert.Equal(t, StopRequested, c.State())

	go c.SignalScanStopped()
	ok := c.AwaitScanStopped(context.Background(), time.Second)
	assert.True(t, ok)
	assert.Equal(t, ClientActive, c.State())

	c.NotifyDone()
	assert.Equal(t, Idle, c.State())
}

func TestCoordinator_RequestPause_IdempotentWithinEpoch(t *testing.T) {
	c := New(true, 90*time.Second, testLogger())
	c.RequestPause()
	c.RequestPause()
	assert.Equal(t, StopRequested, c.State())
}

func TestCoordinator_AwaitScanStopped_TimesOut(t *testing.T) {
	c := New(true, 90*time.Second, testLogger())
	c.RequestPause()
	ok := c.AwaitScanStopped(context.Background(), 10*time.Millisecond)
	assert.False(t, ok)
}

func TestCoordinator_Disabled_IsNoOp(t *testing.T) {
	c := New(false, 90*time.Second, testLogger())
	c.RequestPause()
	assert.Equal(t, Idle, c.State())
	assert.True(t, c.AwaitScanStopped(context.Background(), time.Millisecond))
	assert.False(t, c.ProbeDeadlock())
}

func TestCoordinator_ProbeDeadlock(t *testing.T) {
	c := New(true, 20*time.Millisecond, testLogger())
	assert.False(t, c.ProbeDeadlock())

	c.RequestPause()
	assert.False(t, c.ProbeDeadlock())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, c.ProbeDeadlock())
}

func TestCoordinator_ForceReset_ReleasesWaiters(t *testing.T) {
	c := New(true, time.Millisecond, testLogger())
	c.RequestPause()

	done := make(chan bool, 1)
	go func() {
		done <- c.AwaitScanStopped(context.Background(), time.Second)
	}()

	require.Eventually(t, func() bool { return c.ProbeDeadlock() }, time.Second, time.Millisecond)
	c.ForceReset()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("ForceReset did not release the waiting Handler")
	}
	assert.Equal(t, Idle, c.State())
}

func TestCoordinator_NotifyDone_SafeWithoutScanStoppedSignal(t *testing.T) {
	c := New(true, 90*time.Second, testLogger())
	c.RequestPause()
	// Handler's wait elapsed without SignalScanStopped; NotifyDone must
	// still close out the epoch cleanly (§5, "issued on every exit path").
	c.NotifyDone()
	assert.Equal(t, Idle, c.State())
}
