// Package cache implements the scan cache: a bounded, TTL-indexed map
// from MAC address to recent advertisement history, fed by the Scanner's
// callback and read by CacheLookup requests.
package cache

import (
	"fmt"
	"strings"
	"time"
)

// Record is one immutable advertisement observation for a single MAC.
type Record struct {
	MAC              string
	Name             string
	RSSI             int
	Payload          []byte
	ManufacturerData map[uint16][]byte
	ObservedAt       time.Time
}

// NormalizeMAC renders addr in the canonical upper-case colon-separated
// form used throughout the orchestrator.
func NormalizeMAC(addr string) string {
	return strings.ToUpper(addr)
}

func (r Record) String() string {
	return fmt.Sprintf("%s rssi=%d name=%q observed=%s", r.MAC, r.RSSI, r.Name, r.ObservedAt.Format(time.RFC3339))
}
