package ipc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/srg/ble-orchestratord/internal/bleerr"
	"github.com/srg/ble-orchestratord/internal/cache"
	"github.com/srg/ble-orchestratord/internal/request"
)

// NewLookupFunc binds the Scan Cache to a scheduler.LookupFunc, the
// parallel lane's entry point for scan_command (§4.4). The result is
// JSON-encoded here so the IPC layer's decodeResult can pass it through
// unchanged as the response frame's "result" field.
func NewLookupFunc(c *cache.Cache) func(ctx context.Context, req *request.Request) ([]byte, error) {
	return func(ctx context.Context, req *request.Request) ([]byte, error) {
		rec, ok := c.Lookup(req.MAC)
		if !ok {
			return nil, fmt.Errorf("%w: %s", bleerr.ErrDeviceNotFound, req.MAC)
		}
		encoded, err := json.Marshal(recordToScanResult(rec))
		if err != nil {
			return nil, fmt.Errorf("%w: encoding scan result: %v", bleerr.ErrOperationFailed, err)
		}
		return encoded, nil
	}
}
