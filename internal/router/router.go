// Package router composes the serial lane's two Dispatchers — Handler
// for Read/Write, Notification Manager for Subscribe/Unsubscribe — into
// the single scheduler.Dispatcher the Scheduler's serial worker expects
// (§4.4: one lane handling all four connect-based request kinds).
package router

import (
	"context"
	"fmt"

	"github.com/srg/ble-orchestratord/internal/bleerr"
	"github.com/srg/ble-orchestratord/internal/request"
)

// Dispatcher is the subset of scheduler.Dispatcher a route target must
// implement; declared locally so router does not import handler/notify
// just to name their concrete types.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *request.Request) ([]byte, error)
}

// Router picks readWrite for request.KindRead/KindWrite and
// subscription for request.KindSubscribe/KindUnsubscribe.
type Router struct {
	readWrite    Dispatcher
	subscription Dispatcher
}

// New constructs a Router over the two underlying dispatchers.
func New(readWrite, subscription Dispatcher) *Router {
	return &Router{readWrite: readWrite, subscription: subscription}
}

// Dispatch implements scheduler.Dispatcher.
func (r *Router) Dispatch(ctx context.Context, req *request.Request) ([]byte, error) {
	switch req.Kind {
	case request.KindRead, request.KindWrite:
		return r.readWrite.Dispatch(ctx, req)
	case request.KindSubscribe, request.KindUnsubscribe:
		return r.subscription.Dispatch(ctx, req)
	default:
		return nil, fmt.Errorf("%w: router cannot dispatch kind %s", bleerr.ErrInvalidRequest, req.Kind)
	}
}
