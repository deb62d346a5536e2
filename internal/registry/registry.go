// Package registry tracks the signaling connections that are currently open.
//
// The Registry is the only authoritative view of the open connection set.
// Handlers look peers up by id or iterate a Snapshot; they never keep their
// own copy of the set.
package registry

import "sync"

// Conn is one open signaling channel.
//
// Implementations must be comparable (in practice, pointer types): Unregister
// compares handles to reject stale removals.
type Conn interface {
	// ID is assigned by the transport and is stable for the life of the
	// connection.
	ID() string

	// Attr returns a connect-time attribute (e.g. "nickname").
	Attr(key string) (string, bool)

	// Send queues one frame for delivery. Frames sent to the same Conn are
	// written in order and never interleave.
	Send(frame []byte) error

	// Ping queues a liveness probe carrying payload.
	Ping(payload []byte) error
}

type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]Conn),
	}
}

// Register inserts c, replacing any connection registered under the same id.
func (r *Registry) Register(c Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
}

// Unregister removes c only if its id still maps to c. A stale handle whose
// id has since been re-registered leaves the newer mapping in place.
func (r *Registry) Unregister(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[c.ID()]
	if !ok || cur != c {
		return false
	}
	delete(r.conns, c.ID())
	return true
}

func (r *Registry) Lookup(id string) (Conn, bool) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	return c, ok
}

// Snapshot returns the connections registered at a single point in time.
// The returned slice is owned by the caller.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
