package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/ble-orchestratord/internal/adapter"
	"github.com/srg/ble-orchestratord/internal/bleerr"
)

// connector implements adapter.Connector for one connect-side adapter.
type connector struct {
	dev ble.Device
}

// NewConnector opens the connect-side adapter and returns an
// adapter.Connector.
func NewConnector(adapterID string) (adapter.Connector, error) {
	dev, err := newLinuxDevice(adapterID)
	if err != nil {
		return nil, err
	}
	return &connector{dev: dev}, nil
}

func (c *connector) Connect(ctx context.Context, mac string, opts adapter.ConnectOptions) (adapter.Connection, error) {
	ble.SetDefaultDevice(c.dev)

	connCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	client, err := ble.Dial(connCtx, ble.NewAddr(mac))
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", bleerr.ErrConnectionFailed, mac, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("%w: discover profile on %s: %v", bleerr.ErrConnectionFailed, mac, err)
	}

	return &connection{client: client, profile: profile, subs: make(map[string]func([]byte))}, nil
}

// connection implements adapter.Connection over one ble.Client.
type connection struct {
	mu      sync.Mutex
	client  ble.Client
	profile *ble.Profile
	subs    map[string]func([]byte)
}

func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// findCharacteristic locates a live *ble.Characteristic by service and
// characteristic UUID, normalizing both UUIDs before comparing.
func (c *connection) findCharacteristic(serviceUUID, charUUID string) (*ble.Characteristic, error) {
	svcUUID := normalizeUUID(serviceUUID)
	chUUID := normalizeUUID(charUUID)
	for _, svc := range c.profile.Services {
		if normalizeUUID(svc.UUID.String()) != svcUUID {
			continue
		}
		for _, ch := range svc.Characteristics {
			if normalizeUUID(ch.UUID.String()) == chUUID {
				return ch, nil
			}
		}
		return nil, fmt.Errorf("%w: characteristic %s in service %s", bleerr.ErrOperationFailed, charUUID, serviceUUID)
	}
	return nil, fmt.Errorf("%w: service %s", bleerr.ErrOperationFailed, serviceUUID)
}

func (c *connection) Read(ctx context.Context, serviceUUID, charUUID string) ([]byte, error) {
	ch, err := c.findCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	data, err := c.client.ReadCharacteristic(ch)
	if err != nil {
		return nil, normalizeError(err)
	}
	return data, nil
}

func (c *connection) Write(ctx context.Context, serviceUUID, charUUID string, payload []byte, withResponse bool) error {
	ch, err := c.findCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := c.client.WriteCharacteristic(ch, payload, !withResponse); err != nil {
		return normalizeError(err)
	}
	return nil
}

func (c *connection) Subscribe(ctx context.Context, serviceUUID, charUUID string, onValue func([]byte)) error {
	ch, err := c.findCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	key := normalizeUUID(serviceUUID) + "/" + normalizeUUID(charUUID)

	c.mu.Lock()
	c.subs[key] = onValue
	c.mu.Unlock()

	if err := c.client.Subscribe(ch, false, func(data []byte) {
		onValue(data)
	}); err != nil {
		return normalizeError(err)
	}
	return nil
}

func (c *connection) Unsubscribe(serviceUUID, charUUID string) error {
	ch, err := c.findCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	key := normalizeUUID(serviceUUID) + "/" + normalizeUUID(charUUID)

	c.mu.Lock()
	delete(c.subs, key)
	c.mu.Unlock()

	err1 := c.client.Unsubscribe(ch, false)
	err2 := c.client.Unsubscribe(ch, true)
	if err1 != nil && err2 != nil {
		return normalizeError(err1)
	}
	return nil
}

func (c *connection) Disconnect() error {
	if err := c.client.CancelConnection(); err != nil {
		return normalizeError(err)
	}
	return nil
}

// Disconnected exposes the underlying client's own disconnect channel,
// closed by the stack on any link loss, whether requested or not. Not
// every ble.Client backend implements Disconnected(); when it doesn't,
// this returns a channel that never closes rather than asserting.
func (c *connection) Disconnected() <-chan struct{} {
	if dc, ok := c.client.(interface{ Disconnected() <-chan struct{} }); ok {
		return dc.Disconnected()
	}
	return make(chan struct{})
}
