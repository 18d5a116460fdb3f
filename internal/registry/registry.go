// Package registry tracks the links a node holds to remote peers.
// It is not safe for concurrent use; callers serialise access through the
// node's event loop.
package registry

import (
	"errors"
	"time"

	"github.com/renzhidao/m2/internal/wire"
)

// ErrDuplicateKey is returned by Add when the peer already has an entry.
var ErrDuplicateKey = errors.New("registry: duplicate peer id")

// State is the lifecycle stage of a Connection.
type State int

const (
	Pending State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Link is the outbound half of a point-to-point link.
type Link interface {
	Send(e wire.Envelope) error
	Close() error
}

// Connection is one tracked link, keyed by PeerID.
type Connection struct {
	PeerID         string
	State          State
	CreatedAt      time.Time
	LastLivenessAt time.Time
	Label          string
	Outbound       bool
	Link           Link

	// Handshaken is set once the handshake PEER_EX went out. Until then
	// application messages are held in Outbox.
	Handshaken bool
	Outbox     []wire.Envelope
}

// IsOpen reports whether the connection completed its link setup.
func (c *Connection) IsOpen() bool { return c.State == Open }

// Registry maps peer ids to connections and remembers insertion order.
type Registry struct {
	conns map[string]*Connection
	order []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Add inserts c, failing with ErrDuplicateKey if its peer is already present.
func (r *Registry) Add(c *Connection) error {
	if _, ok := r.conns[c.PeerID]; ok {
		return ErrDuplicateKey
	}
	r.conns[c.PeerID] = c
	r.order = append(r.order, c.PeerID)
	return nil
}

// Put inserts or overwrites the entry for c.PeerID.
func (r *Registry) Put(c *Connection) {
	if _, ok := r.conns[c.PeerID]; !ok {
		r.order = append(r.order, c.PeerID)
	}
	r.conns[c.PeerID] = c
}

// Remove drops the entry for peerID. Removing an absent peer is a no-op.
func (r *Registry) Remove(peerID string) bool {
	if _, ok := r.conns[peerID]; !ok {
		return false
	}
	delete(r.conns, peerID)
	for i, id := range r.order {
		if id == peerID {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// RemoveIf drops the entry for peerID only if it still refers to c.
func (r *Registry) RemoveIf(peerID string, c *Connection) bool {
	if cur, ok := r.conns[peerID]; !ok || cur != c {
		return false
	}
	return r.Remove(peerID)
}

// Get returns the connection for peerID.
func (r *Registry) Get(peerID string) (*Connection, bool) {
	c, ok := r.conns[peerID]
	return c, ok
}

// Has reports whether any entry, pending or open, exists for peerID.
func (r *Registry) Has(peerID string) bool {
	_, ok := r.conns[peerID]
	return ok
}

// HasOpen reports whether an open connection exists for peerID.
func (r *Registry) HasOpen(peerID string) bool {
	c, ok := r.conns[peerID]
	return ok && c.IsOpen()
}

// Len counts all entries.
func (r *Registry) Len() int { return len(r.conns) }

// OpenCount counts open entries only.
func (r *Registry) OpenCount() int {
	n := 0
	for _, c := range r.conns {
		if c.IsOpen() {
			n++
		}
	}
	return n
}

// IDs returns peer ids in insertion order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Snapshot returns the connections in insertion order. The slice is a copy;
// later Add/Remove calls do not change it.
func (r *Registry) Snapshot() []*Connection {
	out := make([]*Connection, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.conns[id])
	}
	return out
}

// ForEach calls fn for every connection present when ForEach was called.
func (r *Registry) ForEach(fn func(c *Connection)) {
	for _, c := range r.Snapshot() {
		fn(c)
	}
}

// Clear drops every entry and returns what was held.
func (r *Registry) Clear() []*Connection {
	all := r.Snapshot()
	r.conns = make(map[string]*Connection)
	r.order = nil
	return all
}
