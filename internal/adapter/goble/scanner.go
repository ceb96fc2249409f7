package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/ble-orchestratord/internal/adapter"
)

// scanAdvertisement adapts ble.Advertisement to adapter.Advertisement.
type scanAdvertisement struct {
	adv ble.Advertisement
}

func (a scanAdvertisement) Addr() string      { return a.adv.Addr().String() }
func (a scanAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a scanAdvertisement) RSSI() int         { return a.adv.RSSI() }
func (a scanAdvertisement) Payload() []byte   { return a.adv.ManufacturerData() }

// ManufacturerData splits go-ble's flat manufacturer-data blob into a
// company-ID-keyed map (§3): the first two bytes (little-endian) are the
// registered company ID, the remainder is vendor-specific payload.
func (a scanAdvertisement) ManufacturerData() map[uint16][]byte {
	raw := a.adv.ManufacturerData()
	if len(raw) < 2 {
		return nil
	}
	companyID := uint16(raw[0]) | uint16(raw[1])<<8
	return map[uint16][]byte{companyID: append([]byte(nil), raw[2:]...)}
}

// scanner implements adapter.Scanner on top of a ble.Device.
type scanner struct {
	dev ble.Device
}

// NewScanner opens the scan-side adapter and returns an adapter.Scanner.
func NewScanner(adapterID string) (adapter.Scanner, error) {
	dev, err := newLinuxDevice(adapterID)
	if err != nil {
		return nil, err
	}
	return &scanner{dev: dev}, nil
}

func (s *scanner) Scan(ctx context.Context, handler func(adapter.Advertisement)) error {
	ble.SetDefaultDevice(s.dev)
	err := s.dev.Scan(ctx, true, func(adv ble.Advertisement) {
		handler(scanAdvertisement{adv: adv})
	})
	if err != nil {
		return normalizeError(err)
	}
	return nil
}

func (s *scanner) Close() error {
	return s.dev.Stop()
}
