// Package ipc implements the IPC Server (§2 component I, §4.8): a
// line-delimited JSON duplex over a Unix domain socket or loopback TCP,
// decoding client frames into typed internal/request.Request values and
// streaming back response and notification frames to any number of
// concurrent client sessions.
package ipc

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/srg/ble-orchestratord/internal/bleerr"
	"github.com/srg/ble-orchestratord/internal/request"
)

// Command names the closed set of §6 request frame commands.
type Command string

const (
	CommandScan          Command = "scan_command"
	CommandRead          Command = "read_command"
	CommandSend          Command = "send_command"
	CommandSubscribe     Command = "subscribe_notifications"
	CommandUnsubscribe   Command = "unsubscribe_notifications"
	CommandServiceStatus Command = "get_service_status"
)

// inFrame is the union of every field any command's request frame may
// carry (§6's table); only the fields relevant to Command are read.
type inFrame struct {
	Command             string          `json:"command"`
	RequestID           string          `json:"request_id"`
	MAC                 string          `json:"mac_address"`
	ServiceUUID         string          `json:"service_uuid"`
	CharUUID            string          `json:"characteristic_uuid"`
	Data                json.RawMessage `json:"data"`
	ResponseRequired    *bool           `json:"response_required"`
	Priority            string          `json:"priority"`
	Timeout             float64         `json:"timeout"`
	CallbackID          string          `json:"callback_id"`
	NotificationTimeout float64         `json:"notification_timeout"`
}

// toRequest validates f against its Command's required fields and
// builds the typed Request the Scheduler understands. now is the
// Request's created_at.
func (f *inFrame) toRequest(now time.Time) (*request.Request, error) {
	if f.RequestID == "" {
		return nil, fmt.Errorf("%w: missing request_id", bleerr.ErrInvalidRequest)
	}

	priority, err := request.ParsePriority(f.Priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bleerr.ErrInvalidRequest, err)
	}

	timeout := time.Duration(f.Timeout * float64(time.Second))

	var kind request.Kind
	switch Command(f.Command) {
	case CommandScan:
		if f.MAC == "" {
			return nil, fmt.Errorf("%w: scan_command requires mac_address", bleerr.ErrInvalidRequest)
		}
		kind = request.KindCacheLookup
	case CommandRead:
		if f.MAC == "" || f.ServiceUUID == "" || f.CharUUID == "" {
			return nil, fmt.Errorf("%w: read_command requires mac_address, service_uuid, characteristic_uuid", bleerr.ErrInvalidRequest)
		}
		kind = request.KindRead
	case CommandSend:
		if f.MAC == "" || f.ServiceUUID == "" || f.CharUUID == "" || len(f.Data) == 0 {
			return nil, fmt.Errorf("%w: send_command requires mac_address, service_uuid, characteristic_uuid, data", bleerr.ErrInvalidRequest)
		}
		kind = request.KindWrite
	case CommandSubscribe:
		if f.MAC == "" || f.ServiceUUID == "" || f.CharUUID == "" {
			return nil, fmt.Errorf("%w: subscribe_notifications requires mac_address, service_uuid, characteristic_uuid", bleerr.ErrInvalidRequest)
		}
		kind = request.KindSubscribe
	case CommandUnsubscribe:
		if f.CallbackID == "" {
			return nil, fmt.Errorf("%w: unsubscribe_notifications requires callback_id", bleerr.ErrInvalidRequest)
		}
		kind = request.KindUnsubscribe
	default:
		return nil, fmt.Errorf("%w: unknown command %q", bleerr.ErrInvalidRequest, f.Command)
	}

	req := request.New(f.RequestID, kind, priority, now, timeout)
	req.MAC = f.MAC
	req.ServiceUUID = f.ServiceUUID
	req.CharUUID = f.CharUUID
	req.CallbackID = f.CallbackID
	req.WantsResponse = f.ResponseRequired == nil || *f.ResponseRequired
	req.NotificationTimeout = time.Duration(f.NotificationTimeout * float64(time.Second))

	if kind == request.KindWrite {
		payload, err := decodeData(f.Data)
		if err != nil {
			return nil, err
		}
		req.Payload = payload
	}
	if kind == request.KindSubscribe && req.CallbackID == "" {
		req.CallbackID = req.ID
	}
	return req, nil
}

// decodeData accepts the three shapes §6 requires: a JSON array of
// 0-255 integers, a hex string, or a base64 string.
func decodeData(raw json.RawMessage) ([]byte, error) {
	var ints []int
	if err := json.Unmarshal(raw, &ints); err == nil {
		out := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: data[%d]=%d out of byte range", bleerr.ErrInvalidRequest, i, v)
			}
			out[i] = byte(v)
		}
		return out, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: data must be a hex string, base64 string, or byte array", bleerr.ErrInvalidRequest)
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(s, "0x")); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("%w: data string is neither valid hex nor base64", bleerr.ErrInvalidRequest)
}

// successFrame and errorFrame are §6's two response frame shapes.
type successFrame struct {
	Status    string      `json:"status"`
	RequestID string      `json:"request_id"`
	Result    interface{} `json:"result,omitempty"`
}

type errorFrame struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error"`
}

// notificationFrame is the pushed (not request/response) frame §6 defines.
type notificationFrame struct {
	Type       string  `json:"type"`
	CallbackID string  `json:"callback_id"`
	MAC        string  `json:"mac_address"`
	CharUUID   string  `json:"characteristic_uuid"`
	Value      []int   `json:"value"`
	Timestamp  float64 `json:"timestamp"`
}

func bytesToInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
