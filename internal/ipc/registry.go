package ipc

import (
	"sync"

	"github.com/srg/ble-orchestratord/internal/notify"
)

// Registry is the single notify.Pusher shared by every Session, since
// notify.Manager is constructed with one Pusher for its whole lifetime
// but a Subscription's notifications must reach whichever session
// created it. Registry looks the owning *Session up by callback_id and
// forwards the frame to it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // callback_id -> owning session
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Bind records that callbackID's notifications belong to session.
func (r *Registry) Bind(callbackID string, session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[callbackID] = session
}

// Unbind removes callbackID's routing entry, called on unsubscribe and
// on session teardown.
func (r *Registry) Unbind(callbackID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callbackID)
}

// UnbindAll removes every routing entry in callbackIDs, called once a
// session's connection has closed.
func (r *Registry) UnbindAll(callbackIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range callbackIDs {
		delete(r.sessions, id)
	}
}

// Push implements notify.Pusher: route v to its owning session, if it
// is still connected. A miss is silent — the subscription has already
// been swept, or is in the brief window between dispatch and BindSession.
func (r *Registry) Push(v notify.Value) {
	r.mu.RLock()
	session, ok := r.sessions[v.CallbackID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	session.deliver(v)
}
