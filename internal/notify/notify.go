// Package notify implements the Notification Manager (§2 component H,
// §4.7): long-lived per-device connections fanning characteristic
// notifications out to subscribed clients, with indefinite reconnect
// backoff. callback-id -> characteristic bookkeeping lets many client
// sessions share one underlying connection per MAC.
package notify

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

const (
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
)

// Value is one pushed characteristic notification, routed to the IPC
// layer for framing (§6's notification frame).
type Value struct {
	CallbackID string
	MAC        string
	CharUUID   string
	Data       []byte
	ObservedAt time.Time
}

// Pusher delivers a Value to whatever session owns its CallbackID's
// Subscription. Implemented by the IPC layer's session registry; it is
// not told about disconnects (a closing session calls
// Manager.SweepSession itself).
type Pusher interface {
	Push(v Value)
}

// Session is an opaque handle identifying the client connection that
// owns a Subscription, used only for the sweep-on-disconnect lookup.
type Session any

type subscription struct {
	callbackID string
	charUUID   string
	session    Session
	lastSeen   time.Time
	timeout    time.Duration
}

type deviceConn struct {
	mac  string
	conn adapter.Connection
	// subsByChar groups live Subscriptions by normalized characteristic
	// UUID so the last Unsubscribe on a characteristic can tear down
	// its stack-level notify handler independently of other
	// characteristics sharing the connection.
	subsByChar map[string]map[string]*subscription // charUUID -> callbackID -> subscription
	cancel     context.CancelFunc
}

// Manager owns every live connection opened for notifications.
type Manager struct {
	mu      sync.Mutex
	devices map[string]*deviceConn // mac -> deviceConn
	byCB    map[string]*subscription

	connector   adapter.Connector
	coordinator *coordinator.Coordinator
	pusher      Pusher
	log         *logrus.Logger

	connectTimeout time.Duration
}

// New constructs a Manager.
func New(connector adapter.Connector, coord *coordinator.Coordinator, pusher Pusher, connectTimeout time.Duration, log *logrus.Logger) *Manager {
	return &Manager{
		devices:        make(map[string]*deviceConn),
		byCB:           make(map[string]*subscription),
		connector:      connector,
		coordinator:    coord,
		pusher:         pusher,
		connectTimeout: connectTimeout,
		log:            log,
	}
}

// Dispatch implements scheduler.Dispatcher for Subscribe and Unsubscribe
// requests.
func (m *Manager) Dispatch(ctx context.Context, req *request.Request) ([]byte, error) {
	switch req.Kind {
	case request.KindSubscribe:
		return nil, m.subscribe(ctx, req)
	case request.KindUnsubscribe:
		return nil, m.unsubscribe(req.CallbackID)
	default:
		return nil, fmt.Errorf("%w: notify cannot dispatch kind %s", bleerr.ErrInvalidRequest, req.Kind)
	}
}

func (m *Manager) subscribe(ctx context.Context, req *request.Request) error {
	mac := cache.NormalizeMAC(req.MAC)
	charKey := normalizeUUID(req.ServiceUUID) + "/" + normalizeUUID(req.CharUUID)

	m.mu.Lock()
	dc, exists := m.devices[mac]
	m.mu.Unlock()

	if !exists {
		var err error
		dc, err = m.openConnection(ctx, mac)
		if err != nil {
			return err
		}
	}

	sub := &subscription{
		callbackID: req.CallbackID,
		charUUID:   charKey,
		session:    nil,
		lastSeen:   time.Now(),
		timeout:    req.NotificationTimeout,
	}

	m.mu.Lock()
	if m.devices[mac] == nil {
		m.devices[mac] = dc
	} else {
		dc = m.devices[mac]
	}
	firstOnChar := len(dc.subsByChar[charKey]) == 0
	if dc.subsByChar[charKey] == nil {
		dc.subsByChar[charKey] = make(map[string]*subscription)
	}
	dc.subsByChar[charKey][req.CallbackID] = sub
	m.byCB[req.CallbackID] = sub
	m.mu.Unlock()

	if firstOnChar {
		if err := dc.conn.Subscribe(ctx, req.ServiceUUID, req.CharUUID, func(data []byte) {
			m.deliver(mac, charKey, data)
		}); err != nil {
			m.mu.Lock()
			delete(dc.subsByChar[charKey], req.CallbackID)
			delete(m.byCB, req.CallbackID)
			m.mu.Unlock()
			return fmt.Errorf("%w: subscribe %s/%s on %s: %v", bleerr.ErrOperationFailed, req.ServiceUUID, req.CharUUID, mac, err)
		}
	}
	return nil
}

// openConnection opens a new device connection under the exclusive-
// control protocol (§4.5's connect dance, reused here per §4.7: "obeying
// §4.5's exclusive-control protocol for the initial connect").
func (m *Manager) openConnection(ctx context.Context, mac string) (*deviceConn, error) {
	m.coordinator.RequestPause()
	if !m.coordinator.AwaitScanStopped(ctx, 10*time.Second) {
		m.log.WithField("mac", mac).Warn("notify: scan_stopped wait elapsed, proceeding anyway")
	}
	defer m.coordinator.NotifyDone()

	connCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	conn, err := m.connector.Connect(connCtx, mac, adapter.ConnectOptions{ConnectTimeout: m.connectTimeout})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bleerr.ErrConnectionFailed, err)
	}

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	dc := &deviceConn{mac: mac, conn: conn, subsByChar: make(map[string]map[string]*subscription), cancel: monitorCancel}
	go m.monitorInactivity(monitorCtx, dc)
	go m.watchDisconnect(monitorCtx, mac, dc)
	return dc, nil
}

// watchDisconnect waits for the stack to report mac's link has dropped
// and, if dc is still the Manager's active connection for mac and any
// Subscription remains, starts Reconnect (§4.7's mandatory
// reconnect-on-disconnect). Returns without acting if ctx is cancelled
// first, which happens once dc is torn down or superseded.
func (m *Manager) watchDisconnect(ctx context.Context, mac string, dc *deviceConn) {
	select {
	case <-dc.conn.Disconnected():
	case <-ctx.Done():
		return
	}

	m.mu.Lock()
	current, ok := m.devices[mac]
	stillCurrent := ok && current == dc
	hasSubs := stillCurrent && !allCharsEmpty(dc)
	m.mu.Unlock()
	if !stillCurrent || !hasSubs {
		return
	}

	m.log.WithField("mac", mac).Warn("notify: stack reported disconnect, reconnecting")
	m.Reconnect(context.Background(), mac)
}

func (m *Manager) deliver(mac, charKey string, data []byte) {
	m.mu.Lock()
	dc, ok := m.devices[mac]
	if !ok {
		m.mu.Unlock()
		return
	}
	subs := dc.subsByChar[charKey]
	targets := make([]*subscription, 0, len(subs))
	for _, sub := range subs {
		sub.lastSeen = time.Now()
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, sub := range targets {
		m.pusher.Push(Value{
			CallbackID: sub.callbackID,
			MAC:        mac,
			CharUUID:   charKey,
			Data:       data,
			ObservedAt: now,
		})
	}
}

// unsubscribe tears down one Subscription (§4.7). A second call for the
// same callbackID is InvalidRequest, matching §8's round-trip property.
func (m *Manager) unsubscribe(callbackID string) error {
	m.mu.Lock()
	sub, ok := m.byCB[callbackID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: unknown callback_id %s", bleerr.ErrInvalidRequest, callbackID)
	}
	delete(m.byCB, callbackID)

	var targetMAC string
	var dc *deviceConn
	for mac, d := range m.devices {
		if subs, ok := d.subsByChar[sub.charUUID]; ok {
			if _, ok := subs[callbackID]; ok {
				targetMAC = mac
				dc = d
				delete(subs, callbackID)
				break
			}
		}
	}
	lastOnChar := dc != nil && len(dc.subsByChar[sub.charUUID]) == 0
	lastOnConn := dc != nil && allCharsEmpty(dc)
	if lastOnConn {
		delete(m.devices, targetMAC)
	}
	m.mu.Unlock()

	if dc == nil {
		return nil
	}
	if lastOnChar {
		parts := splitCharKey(sub.charUUID)
		if err := dc.conn.Unsubscribe(parts[0], parts[1]); err != nil {
			m.log.WithError(err).WithField("mac", targetMAC).Warn("notify: unsubscribe at stack level failed")
		}
	}
	if lastOnConn {
		dc.cancel()
		if err := dc.conn.Disconnect(); err != nil {
			m.log.WithError(err).WithField("mac", targetMAC).Warn("notify: disconnect failed on last unsubscribe")
		}
	}
	return nil
}

// SweepSession tears down every Subscription owned by session (§3,
// "torn down on ... client disconnect").
func (m *Manager) SweepSession(session Session) {
	m.mu.Lock()
	var toDrop []string
	for cbID, sub := range m.byCB {
		if sub.session == session {
			toDrop = append(toDrop, cbID)
		}
	}
	m.mu.Unlock()

	for _, cbID := range toDrop {
		_ = m.unsubscribe(cbID)
	}
}

// BindSession records which client session owns callbackID, so a later
// disconnect can sweep it. Called by the IPC layer right after a
// successful Subscribe response.
func (m *Manager) BindSession(callbackID string, session Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.byCB[callbackID]; ok {
		sub.session = session
	}
}

// monitorInactivity tears down Subscriptions whose non-zero
// NotificationTimeout has elapsed since their last delivered value
// (§3's Subscription lifecycle), and watches for the connection's own
// idle teardown via ctx cancellation.
func (m *Manager) monitorInactivity(ctx context.Context, dc *deviceConn) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired(dc)
		}
	}
}

func (m *Manager) sweepExpired(dc *deviceConn) {
	now := time.Now()
	var expired []string
	m.mu.Lock()
	for _, subs := range dc.subsByChar {
		for cbID, sub := range subs {
			if sub.timeout > 0 && now.Sub(sub.lastSeen) > sub.timeout {
				expired = append(expired, cbID)
			}
		}
	}
	m.mu.Unlock()
	for _, cbID := range expired {
		_ = m.unsubscribe(cbID)
	}
}

// Reconnect is invoked by watchDisconnect when the stack reports mac's
// link has dropped; it retries indefinitely with exponential backoff so
// long as any Subscription remains on mac (§4.7).
func (m *Manager) Reconnect(ctx context.Context, mac string) {
	backoff := reconnectInitial
	for {
		m.mu.Lock()
		dc, stillWanted := m.devices[mac]
		hasSubs := stillWanted && !allCharsEmpty(dc)
		m.mu.Unlock()
		if !hasSubs {
			return
		}

		newDC, err := m.openConnection(ctx, mac)
		if err != nil {
			m.log.WithError(err).WithField("mac", mac).WithField("backoff", backoff).Warn("notify: reconnect failed, backing off")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		m.mu.Lock()
		old := m.devices[mac]
		newDC.subsByChar = old.subsByChar
		m.devices[mac] = newDC
		chars := make([]string, 0, len(old.subsByChar))
		for charKey := range old.subsByChar {
			chars = append(chars, charKey)
		}
		m.mu.Unlock()
		old.cancel()

		for _, charKey := range chars {
			parts := splitCharKey(charKey)
			ck := charKey
			if err := newDC.conn.Subscribe(ctx, parts[0], parts[1], func(data []byte) {
				m.deliver(mac, ck, data)
			}); err != nil {
				m.log.WithError(err).WithField("mac", mac).WithField("char", charKey).Warn("notify: re-subscribe failed after reconnect")
			}
		}
		return
	}
}

// Close tears down every live connection the Manager holds, the
// concrete shape of graceful shutdown's "all Notification Manager
// connections are closed before process exit". Subscriptions are not
// individually unsubscribed first — the connections are simply dropped,
// since the process is exiting and there is no client left to notify.
func (m *Manager) Close() {
	m.mu.Lock()
	devices := make([]*deviceConn, 0, len(m.devices))
	for _, dc := range m.devices {
		devices = append(devices, dc)
	}
	m.devices = make(map[string]*deviceConn)
	m.byCB = make(map[string]*subscription)
	m.mu.Unlock()

	for _, dc := range devices {
		dc.cancel()
		if err := dc.conn.Disconnect(); err != nil {
			m.log.WithError(err).WithField("mac", dc.mac).Warn("notify: disconnect failed during shutdown")
		}
	}
}

// ActiveConnections and ActiveSubscriptions feed get_service_status.
func (m *Manager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

func (m *Manager) ActiveSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byCB)
}

func allCharsEmpty(dc *deviceConn) bool {
	for _, subs := range dc.subsByChar {
		if len(subs) > 0 {
			return false
		}
	}
	return true
}

func normalizeUUID(uuid string) string {
	out := make([]byte, 0, len(uuid))
	for _, r := range uuid {
		if r == '-' {
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, byte(r))
	}
	return string(out)
}

func splitCharKey(key string) [2]string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return [2]string{key[:i], key[i+1:]}
		}
	}
	return [2]string{key, ""}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > reconnectMax {
		return reconnectMax
	}
	return next
}
