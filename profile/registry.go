package profile

import (
	"sync"

	"github.com/canflow/iocore/canerr"
)

// singleHandleKinds is the set of profile kinds where only one session may
// hold a given profile id at a time.
var singleHandleKinds = map[Kind]bool{
	KindSlcan:  true,
	KindSerial: true,
}

// Registry maps profile id to the session id currently holding it. It is a
// process-wide singleton in practice; callers construct one and
// share it.
type Registry struct {
	mu   sync.Mutex
	held map[string]string // profile id -> session id
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{held: make(map[string]string)}
}

// CanUseProfile reports whether a session may register the given profile id
// and kind. Non-single-handle kinds always succeed. Single-handle kinds fail
// with a DeviceBusy *canerr.Error if the id is already registered.
func (r *Registry) CanUseProfile(id string, kind Kind) error {
	if !singleHandleKinds[kind] {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.held[id]; held {
		return canerr.Newf(id, canerr.DeviceBusy, "profile %q is already in use by another session", id)
	}
	return nil
}

// Acquire atomically performs the CanUseProfile check and, on success,
// registers sessionID as the holder. Two racing sessions acquiring the same
// single-handle profile see exactly one success.
func (r *Registry) Acquire(id string, kind Kind, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if singleHandleKinds[kind] {
		if _, held := r.held[id]; held {
			return canerr.Newf(id, canerr.DeviceBusy, "profile %q is already in use by another session", id)
		}
	}
	r.held[id] = sessionID
	return nil
}

// Register records that sessionID holds profile id. Call at session start,
// after CanUseProfile has succeeded.
func (r *Registry) Register(id, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held[id] = sessionID
}

// Unregister releases profile id. Call at session stop, including abnormal
// termination; safe to call even if the id was never registered.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, id)
}

// HolderOf returns the session id currently holding profile id, if any.
func (r *Registry) HolderOf(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.held[id]
	return s, ok
}
