package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/ble-orchestratord/internal/adapter"
	"github.com/srg/ble-orchestratord/internal/bleerr"
	"github.com/srg/ble-orchestratord/internal/cache"
	"github.com/srg/ble-orchestratord/internal/coordinator"
	"github.com/srg/ble-orchestratord/internal/request"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = discardWriter{}
	return log
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeLedger struct {
	fails   int
	success int
}

func (f *fakeLedger) RecordFailure() int { f.fails++; return f.fails }
func (f *fakeLedger) RecordSuccess()     { f.success++; f.fails = 0 }

// fakeConnection implements adapter.Connection for tests.
type fakeConnection struct {
	readData []byte
	readErr  error
	writeErr error
	disErr   error
}

func (c *fakeConnection) Read(ctx context.Context, svc, ch string) ([]byte, error) { return c.readData, c.readErr }
func (c *fakeConnection) Write(ctx context.Context, svc, ch string, payload []byte, withResponse bool) error {
	return c.writeErr
}
func (c *fakeConnection) Subscribe(ctx context.Context, svc, ch string, onValue func([]byte)) error {
	return nil
}
func (c *fakeConnection) Unsubscribe(svc, ch string) error { return nil }
func (c *fakeConnection) Disconnect() error                { return c.disErr }
func (c *fakeConnection) Disconnected() <-chan struct{}    { return make(chan struct{}) }

// fakeConnector fails the first N attempts then succeeds, recording the
// number of Connect calls made (S6's "fail twice, succeed third").
type fakeConnector struct {
	failUntil int
	calls     int
	conn      *fakeConnection
	err       error
}

func (c *fakeConnector) Connect(ctx context.Context, mac string, opts adapter.ConnectOptions) (adapter.Connection, error) {
	c.calls++
	if c.calls <= c.failUntil {
		return nil, errors.New("transient dial error")
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.conn, nil
}

func newTestCache(mac string) *cache.Cache {
	c := cache.New(time.Hour, testLogger())
	c.Ingest(cache.Record{MAC: mac, RSSI: -50, ObservedAt: time.Now()})
	return c
}

func TestHandler_ReadSuccess(t *testing.T) {
	mac := "AA:BB:CC:DD:EE:01"
	connector := &fakeConnector{conn: &fakeConnection{readData: []byte{1, 2, 3}}}
	ledger := &fakeLedger{}
	h := New(Config{RetryCount: 2, RetryInterval: time.Millisecond}, coordinator.New(true, time.Minute, testLogger()), connector, newTestCache(mac), ledger, nil, testLogger())

	req := request.New("r1", request.KindRead, request.Normal, time.Now(), time.Second)
	req.MAC = mac
	req.ServiceUUID = "180d"
	req.CharUUID = "2a37"

	data, err := h.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, 1, ledger.success)
	assert.Equal(t, 0, ledger.fails)
}

func TestHandler_DeviceNotFound(t *testing.T) {
	connector := &fakeConnector{conn: &fakeConnection{}}
	h := New(Config{}, coordinator.New(true, time.Minute, testLogger()), connector, cache.New(time.Hour, testLogger()), &fakeLedger{}, nil, testLogger())

	req := request.New("r1", request.KindRead, request.Normal, time.Now(), time.Second)
	req.MAC = "AA:BB:CC:DD:EE:99"

	_, err := h.Dispatch(context.Background(), req)
	assert.ErrorIs(t, err, bleerr.ErrDeviceNotFound)
	assert.Equal(t, 0, connector.calls, "must not attempt to connect on an unknown MAC")
}

func TestHandler_RetryThenSucceed(t *testing.T) {
	// S6: fail twice, succeed on the third attempt.
	mac := "AA:BB:CC:DD:EE:01"
	connector := &fakeConnector{failUntil: 2, conn: &fakeConnection{readData: []byte("ok")}}
	ledger := &fakeLedger{}
	h := New(Config{RetryCount: 2, RetryInterval: time.Millisecond}, coordinator.New(true, time.Minute, testLogger()), connector, newTestCache(mac), ledger, nil, testLogger())

	req := request.New("r1", request.KindRead, request.Normal, time.Now(), time.Second)
	req.MAC = mac

	data, err := h.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
	assert.Equal(t, 3, connector.calls)
	assert.Equal(t, 0, ledger.fails)
}

func TestHandler_ExhaustsRetriesReturnsConnectionFailed(t *testing.T) {
	mac := "AA:BB:CC:DD:EE:01"
	connector := &fakeConnector{failUntil: 99, conn: &fakeConnection{}}
	ledger := &fakeLedger{}
	woken := 0
	h := New(Config{RetryCount: 2, RetryInterval: time.Millisecond}, coordinator.New(true, time.Minute, testLogger()), connector, newTestCache(mac), ledger, func() { woken++ }, testLogger())

	req := request.New("r1", request.KindRead, request.Normal, time.Now(), time.Second)
	req.MAC = mac

	_, err := h.Dispatch(context.Background(), req)
	assert.ErrorIs(t, err, bleerr.ErrConnectionFailed)
	assert.Equal(t, 3, connector.calls)
	assert.Equal(t, 1, ledger.fails)
	assert.Equal(t, 1, woken, "a connect failure must request an out-of-cycle watchdog check")
}

func TestHandler_WriteOperationFailure(t *testing.T) {
	mac := "AA:BB:CC:DD:EE:01"
	connector := &fakeConnector{conn: &fakeConnection{writeErr: errors.New("gatt write rejected")}}
	h := New(Config{}, coordinator.New(true, time.Minute, testLogger()), connector, newTestCache(mac), &fakeLedger{}, nil, testLogger())

	req := request.New("r1", request.KindWrite, request.Normal, time.Now(), time.Second)
	req.MAC = mac
	req.Payload = []byte{0x01}

	_, err := h.Dispatch(context.Background(), req)
	assert.ErrorIs(t, err, bleerr.ErrOperationFailed)
}
