package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/ble-orchestratord/internal/adapter"
	"github.com/srg/ble-orchestratord/internal/bleerr"
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

type fakeConn struct {
	subscribed   map[string]func([]byte)
	disconnect   int
	disconnected chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{subscribed: make(map[string]func([]byte)), disconnected: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context, svc, ch string) ([]byte, error) { return nil, nil }
func (c *fakeConn) Write(ctx context.Context, svc, ch string, payload []byte, withResponse bool) error {
	return nil
}
func (c *fakeConn) Subscribe(ctx context.Context, svc, ch string, onValue func([]byte)) error {
	c.subscribed[svc+"/"+ch] = onValue
	return nil
}
func (c *fakeConn) Unsubscribe(svc, ch string) error {
	delete(c.subscribed, svc+"/"+ch)
	return nil
}
func (c *fakeConn) Disconnect() error { c.disconnect++; return nil }
func (c *fakeConn) Disconnected() <-chan struct{} { return c.disconnected }

type fakeConnector struct {
	conns map[string]*fakeConn
	calls int
}

func (c *fakeConnector) Connect(ctx context.Context, mac string, opts adapter.ConnectOptions) (adapter.Connection, error) {
	c.calls++
	conn, ok := c.conns[mac]
	if !ok {
		conn = newFakeConn()
		c.conns[mac] = conn
	}
	return conn, nil
}

// reconnectingConnector hands out a fresh *fakeConn on every Connect
// call, simulating the stack tearing down and redialing on reconnect.
type reconnectingConnector struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (c *reconnectingConnector) Connect(ctx context.Context, mac string, opts adapter.ConnectOptions) (adapter.Connection, error) {
	conn := newFakeConn()
	c.mu.Lock()
	c.conns = append(c.conns, conn)
	c.mu.Unlock()
	return conn, nil
}

func (c *reconnectingConnector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

func (c *reconnectingConnector) last() *fakeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[len(c.conns)-1]
}

type recordingPusher struct {
	values []Value
}

func (p *recordingPusher) Push(v Value) { p.values = append(p.values, v) }

func TestManager_SubscribeThenUnsubscribe_NoResidualConnection(t *testing.T) {
	connector := &fakeConnector{conns: make(map[string]*fakeConn)}
	pusher := &recordingPusher{}
	coord := coordinator.New(true, time.Minute, testLogger())
	m := New(connector, coord, pusher, time.Second, testLogger())

	req := request.New("s1", request.KindSubscribe, request.Normal, time.Now(), time.Second)
	req.MAC = "AA:BB:CC:DD:EE:01"
	req.ServiceUUID = "180d"
	req.CharUUID = "2a37"
	req.CallbackID = "cb1"

	_, err := m.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, m.ActiveConnections())
	assert.Equal(t, 1, m.ActiveSubscriptions())

	unreq := request.New("u1", request.KindUnsubscribe, request.Normal, time.Now(), time.Second)
	unreq.CallbackID = "cb1"
	_, err = m.Dispatch(context.Background(), unreq)
	require.NoError(t, err)

	assert.Equal(t, 0, m.ActiveConnections(), "no residual connection after the last subscriber unsubscribes")
	assert.Equal(t, 0, m.ActiveSubscriptions())
}

func TestManager_SecondUnsubscribeIsInvalidRequest(t *testing.T) {
	connector := &fakeConnector{conns: make(map[string]*fakeConn)}
	m := New(connector, coordinator.New(true, time.Minute, testLogger()), &recordingPusher{}, time.Second, testLogger())

	req := request.New("s1", request.KindSubscribe, request.Normal, time.Now(), time.Second)
	req.MAC = "AA:BB:CC:DD:EE:01"
	req.ServiceUUID = "180d"
	req.CharUUID = "2a37"
	req.CallbackID = "cb1"
	_, err := m.Dispatch(context.Background(), req)
	require.NoError(t, err)

	unreq := request.New("u1", request.KindUnsubscribe, request.Normal, time.Now(), time.Second)
	unreq.CallbackID = "cb1"
	_, err = m.Dispatch(context.Background(), unreq)
	require.NoError(t, err)

	_, err = m.Dispatch(context.Background(), unreq)
	assert.ErrorIs(t, err, bleerr.ErrInvalidRequest)
}

func TestManager_SecondSubscriberReusesConnection(t *testing.T) {
	connector := &fakeConnector{conns: make(map[string]*fakeConn)}
	m := New(connector, coordinator.New(true, time.Minute, testLogger()), &recordingPusher{}, time.Second, testLogger())

	mac := "AA:BB:CC:DD:EE:01"
	req1 := request.New("s1", request.KindSubscribe, request.Normal, time.Now(), time.Second)
	req1.MAC, req1.ServiceUUID, req1.CharUUID, req1.CallbackID = mac, "180d", "2a37", "cb1"
	_, err := m.Dispatch(context.Background(), req1)
	require.NoError(t, err)

	req2 := request.New("s2", request.KindSubscribe, request.Normal, time.Now(), time.Second)
	req2.MAC, req2.ServiceUUID, req2.CharUUID, req2.CallbackID = mac, "180d", "2a37", "cb2"
	_, err = m.Dispatch(context.Background(), req2)
	require.NoError(t, err)

	assert.Equal(t, 1, connector.calls, "the second subscriber on the same MAC must reuse the open connection")
	assert.Equal(t, 1, m.ActiveConnections())
	assert.Equal(t, 2, m.ActiveSubscriptions())
}

func TestManager_Close_DisconnectsEveryDevice(t *testing.T) {
	connector := &fakeConnector{conns: make(map[string]*fakeConn)}
	m := New(connector, coordinator.New(true, time.Minute, testLogger()), &recordingPusher{}, time.Second, testLogger())

	for i, mac := range []string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"} {
		req := request.New("s", request.KindSubscribe, request.Normal, time.Now(), time.Second)
		req.MAC, req.ServiceUUID, req.CharUUID, req.CallbackID = mac, "180d", "2a37", "cb"+string(rune('1'+i))
		_, err := m.Dispatch(context.Background(), req)
		require.NoError(t, err)
	}
	require.Equal(t, 2, m.ActiveConnections())

	m.Close()

	assert.Equal(t, 0, m.ActiveConnections())
	assert.Equal(t, 0, m.ActiveSubscriptions())
	for _, conn := range connector.conns {
		assert.Equal(t, 1, conn.disconnect)
	}
}

func TestManager_DisconnectTriggersReconnect(t *testing.T) {
	connector := &reconnectingConnector{}
	// No scanner runs here to acknowledge a pause, so an enabled
	// coordinator would hold each dial in its 10s scan_stopped wait.
	m := New(connector, coordinator.New(false, time.Minute, testLogger()), &recordingPusher{}, time.Second, testLogger())

	mac := "AA:BB:CC:DD:EE:01"
	req := request.New("s1", request.KindSubscribe, request.Normal, time.Now(), time.Second)
	req.MAC, req.ServiceUUID, req.CharUUID, req.CallbackID = mac, "180d", "2a37", "cb1"
	_, err := m.Dispatch(context.Background(), req)
	require.NoError(t, err)

	first := connector.last()
	close(first.disconnected)

	require.Eventually(t, func() bool {
		return connector.callCount() >= 2
	}, time.Second, 10*time.Millisecond, "a reported disconnect must trigger a reconnect dial")

	second := connector.last()
	assert.NotSame(t, first, second)
	require.Eventually(t, func() bool {
		return len(second.subscribed) == 1
	}, time.Second, 10*time.Millisecond, "reconnect must re-subscribe the live characteristic")
}

func TestManager_DeliverRoutesToSubscriber(t *testing.T) {
	connector := &fakeConnector{conns: make(map[string]*fakeConn)}
	pusher := &recordingPusher{}
	m := New(connector, coordinator.New(true, time.Minute, testLogger()), pusher, time.Second, testLogger())

	mac := "AA:BB:CC:DD:EE:01"
	req := request.New("s1", request.KindSubscribe, request.Normal, time.Now(), time.Second)
	req.MAC, req.ServiceUUID, req.CharUUID, req.CallbackID = mac, "180d", "2a37", "cb1"
	_, err := m.Dispatch(context.Background(), req)
	require.NoError(t, err)

	conn := connector.conns[mac]
	onValue := conn.subscribed["180d/2a37"]
	require.NotNil(t, onValue)
	onValue([]byte{9, 9})

	require.Len(t, pusher.values, 1)
	assert.Equal(t, "cb1", pusher.values[0].CallbackID)
	assert.Equal(t, []byte{9, 9}, pusher.values[0].Data)
}
