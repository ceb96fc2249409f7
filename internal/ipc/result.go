package ipc

import (
	"encoding/json"
	"time"

	"github.com/srg/ble-orchestratord/internal/cache"
	"github.com/srg/ble-orchestratord/internal/request"
)

// scanResult is a scan_command's success payload: a snapshot of the Scan
// Cache's newest record for the MAC (§8 scenario S1).
type scanResult struct {
	Address          string           `json:"address"`
	Name             string           `json:"name,omitempty"`
	RSSI             int              `json:"rssi"`
	ManufacturerData map[string][]int `json:"manufacturer_data,omitempty"`
	LastSeen         float64          `json:"last_seen"`
}

// readResult is a read_command's success payload.
type readResult struct {
	Value []int `json:"value"`
}

// subscribeResult is a subscribe_notifications success payload.
type subscribeResult struct {
	CallbackID string `json:"callback_id"`
}

// decodeResult shapes a completed Request's raw result bytes into the
// JSON value appropriate to its Kind. CacheLookup carries a JSON-encoded
// scanResult (written by the lookup LookupFunc); everything else
// carries a raw byte payload or nothing.
func decodeResult(req *request.Request, result []byte) interface{} {
	switch req.Kind {
	case request.KindCacheLookup:
		// json.RawMessage embeds the LookupFunc's already-encoded object
		// as-is; a plain []byte would instead be base64-encoded as a
		// JSON string by the outer Marshal, breaking result.rssi/
		// result.address field access (§8 scenario S1).
		return json.RawMessage(result)
	case request.KindRead:
		return readResult{Value: bytesToInts(result)}
	case request.KindSubscribe:
		return subscribeResult{CallbackID: req.CallbackID}
	default:
		return nil
	}
}

// recordToScanResult renders a cache.Record as the scan_command result
// shape, JSON-encoded by the caller (the Lookup function bound in
// cmd/ble-orchestratord).
func recordToScanResult(rec cache.Record) scanResult {
	manufacturer := make(map[string][]int, len(rec.ManufacturerData))
	for companyID, data := range rec.ManufacturerData {
		key := cache.VendorName(companyID)
		if key == "" {
			key = hexCompanyID(companyID)
		}
		manufacturer[key] = bytesToInts(data)
	}
	return scanResult{
		Address:          rec.MAC,
		Name:             rec.Name,
		RSSI:             rec.RSSI,
		ManufacturerData: manufacturer,
		LastSeen:         float64(rec.ObservedAt.UnixNano()) / float64(time.Second),
	}
}

func hexCompanyID(id uint16) string {
	const hexdigits = "0123456789abcdef"
	return "0x" + string([]byte{
		hexdigits[(id>>12)&0xF],
		hexdigits[(id>>8)&0xF],
		hexdigits[(id>>4)&0xF],
		hexdigits[id&0xF],
	})
}
