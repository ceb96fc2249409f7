// Package goble implements the Adapter Facade's interfaces (adapter.Scanner,
// adapter.Connector, adapter.Resetter) on top of github.com/go-ble/ble.
//
// The orchestrator is a Linux resident service naming two independent
// host adapters (SCAN_ADAPTER, CONNECT_ADAPTER) by hciN id, resolved to
// a ble.OptDeviceID index the same way a Linux HCI socket is addressed
// by controller number.
package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// newLinuxDevice opens the host BLE controller named by adapterID
// (e.g. "hci0", "hci1") as a ble.Device.
func newLinuxDevice(adapterID string) (ble.Device, error) {
	idx, err := hciIndex(adapterID)
	if err != nil {
		return nil, err
	}
	dev, err := linux.NewDevice(ble.OptDeviceID(idx))
	if err != nil {
		return nil, fmt.Errorf("open adapter %s: %w", adapterID, err)
	}
	return dev, nil
}

// hciIndex extracts the numeric index from an "hciN" adapter id.
func hciIndex(adapterID string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(adapterID, "hci%d", &n); err != nil {
		return 0, fmt.Errorf("invalid adapter id %q: %w", adapterID, err)
	}
	return n, nil
}
