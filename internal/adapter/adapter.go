// Package adapter defines the Adapter Facade (§2 component A): the single
// narrow contract the rest of the orchestrator uses to reach the host BLE
// stack. Nothing outside this package and its goble subpackage imports
// github.com/go-ble/ble directly — every other component is mediated
// through the interfaces here.
package adapter

import (
	"context"
	"time"
)

// Advertisement is a single scan observation, mirroring §3's
// AdvertisementRecord fields before they are made immutable and stored
// in the scan cache.
type Advertisement interface {
	Addr() string
	LocalName() string
	RSSI() int
	Payload() []byte
	ManufacturerData() map[uint16][]byte
}

// Scanner drives continuous background scanning on the scan-side adapter.
type Scanner interface {
	// Scan blocks, invoking handler for each advertisement, until ctx is
	// cancelled or a fatal scan error occurs.
	Scan(ctx context.Context, handler func(Advertisement)) error
	// Close tears down the underlying scan device so a fresh one can be
	// created (§4.2's "tear down and rebuild" stall recovery).
	Close() error
}

// ScannerFactory creates a new Scanner bound to the scan-side adapter id.
type ScannerFactory func(adapterID string) (Scanner, error)

// Connection is a live GATT connection to one peripheral.
type Connection interface {
	Read(ctx context.Context, serviceUUID, charUUID string) ([]byte, error)
	Write(ctx context.Context, serviceUUID, charUUID string, payload []byte, withResponse bool) error
	Subscribe(ctx context.Context, serviceUUID, charUUID string, onValue func([]byte)) error
	Unsubscribe(serviceUUID, charUUID string) error
	Disconnect() error
	// Disconnected returns a channel closed once the stack reports the
	// link has dropped, whether by Disconnect or a peer-initiated or
	// radio-level loss (§4.7's reconnect trigger).
	Disconnected() <-chan struct{}
}

// ConnectOptions configures a Connect call.
type ConnectOptions struct {
	ConnectTimeout time.Duration
}

// Connector opens connections on the connect-side adapter.
type Connector interface {
	Connect(ctx context.Context, mac string, opts ConnectOptions) (Connection, error)
}

// ConnectorFactory creates a new Connector bound to the connect-side
// adapter id.
type ConnectorFactory func(adapterID string) (Connector, error)

// Resetter issues the administrative host commands the Watchdog's
// recovery ladder needs (§4.6). Implementations must degrade a
// privilege failure to a logged warning rather than a process exit
// (§9, "Adapter-reset privilege dependency").
type Resetter interface {
	// ResetAdapter brings adapterID down and back up (lightweight reset).
	ResetAdapter(ctx context.Context, adapterID string) error
	// FullReset issues a full controller reset on adapterID.
	FullReset(ctx context.Context, adapterID string) error
	// RestartStack restarts the host Bluetooth service entirely.
	RestartStack(ctx context.Context) error
}
