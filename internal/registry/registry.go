// Package registry keeps the process-wide index of live delivery channels,
// one per (kind, user id).
package registry

import "sync"

// Kind names an independent channel namespace.
type Kind string

const (
	KindChat      Kind = "chat"
	KindSignaling Kind = "signaling"
)

// Handle is a live channel the server can push frames to.
type Handle interface {
	Send(payload []byte) error
}

// Registry maps (kind, user id) to at most one live Handle. The lock is only
// held for map access; callers push to handles after releasing it.
type Registry struct {
	mutex sync.RWMutex
	conns map[Kind]map[string]Handle
}

func New() *Registry {
	return &Registry{conns: make(map[Kind]map[string]Handle)}
}

// Bind installs handle for the key and returns the handle it superseded, if any.
func (r *Registry) Bind(kind Kind, userID string, handle Handle) Handle {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	byUser, ok := r.conns[kind]
	if !ok {
		byUser = make(map[string]Handle)
		r.conns[kind] = byUser
	}
	previous := byUser[userID]
	byUser[userID] = handle
	if previous == handle {
		return nil
	}
	return previous
}

// Unbind removes whatever handle is bound for the key. Idempotent.
func (r *Registry) Unbind(kind Kind, userID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.conns[kind], userID)
}

// Release removes the binding only while handle still owns it, so a
// superseded connection's cleanup cannot evict its replacement.
func (r *Registry) Release(kind Kind, userID string, handle Handle) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if current, ok := r.conns[kind][userID]; ok && current == handle {
		delete(r.conns[kind], userID)
		return true
	}
	return false
}

func (r *Registry) Lookup(kind Kind, userID string) (Handle, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	handle, ok := r.conns[kind][userID]
	return handle, ok
}

// Snapshot copies the bindings of one kind.
func (r *Registry) Snapshot(kind Kind) map[string]Handle {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make(map[string]Handle, len(r.conns[kind]))
	for userID, handle := range r.conns[kind] {
		out[userID] = handle
	}
	return out
}

func (r *Registry) Count(kind Kind) int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.conns[kind])
}
