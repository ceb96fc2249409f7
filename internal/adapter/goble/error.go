package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/ble-orchestratord/internal/bleerr"
)

// normalizeError maps go-ble's raw error strings to the orchestrator's
// typed error taxonomy so upstream callers never need to string-match.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return bleerr.New(bleerr.ReasonTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not connected"), strings.Contains(msg, "disconnected"):
		return bleerr.New(bleerr.ReasonConnectionFailed, err)
	case strings.Contains(msg, "already connected"):
		return bleerr.New(bleerr.ReasonOperationFailed, err)
	case strings.Contains(msg, "bluetooth is turned off"), strings.Contains(msg, "invalid state"):
		return bleerr.New(bleerr.ReasonUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", bleerr.ErrOperationFailed, err)
	}
}
