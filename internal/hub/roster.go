// Package hub tracks the well-known hub identities nodes bootstrap through.
package hub

import (
	"strconv"
	"strings"
	"time"
)

// Roster is the fixed list of hub identities, prefix followed by index.
type Roster struct {
	prefix string
	count  int
}

// NewRoster creates a Roster of count identities.
func NewRoster(prefix string, count int) Roster {
	return Roster{prefix: prefix, count: count}
}

// Len returns the number of hub slots.
func (r Roster) Len() int { return r.count }

// ID returns the identity for slot i.
func (r Roster) ID(i int) string { return r.prefix + strconv.Itoa(i) }

// IDs lists every hub identity in index order.
func (r Roster) IDs() []string {
	ids := make([]string, r.count)
	for i := range ids {
		ids[i] = r.ID(i)
	}
	return ids
}

// Index resolves a hub identity back to its slot.
func (r Roster) Index(id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, r.prefix)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 || i >= r.count || r.ID(i) != id {
		return 0, false
	}
	return i, true
}

// IsHub reports whether id is a roster identity.
func (r Roster) IsHub(id string) bool {
	_, ok := r.Index(id)
	return ok
}

// Heartbeats records when each hub slot was last heard from. It is a
// liveness hint only and never drives connections on its own.
type Heartbeats struct {
	seen map[int]time.Time
}

// NewHeartbeats creates an empty table.
func NewHeartbeats() *Heartbeats {
	return &Heartbeats{seen: make(map[int]time.Time)}
}

// Record notes a pulse from slot index.
func (h *Heartbeats) Record(index int, at time.Time) {
	if prev, ok := h.seen[index]; ok && prev.After(at) {
		return
	}
	h.seen[index] = at
}

// LastSeen returns the last pulse time for index.
func (h *Heartbeats) LastSeen(index int) (time.Time, bool) {
	t, ok := h.seen[index]
	return t, ok
}

// Fresh reports whether index pulsed within window of now.
func (h *Heartbeats) Fresh(index int, now time.Time, window time.Duration) bool {
	t, ok := h.seen[index]
	return ok && now.Sub(t) <= window
}

// AnyFresh reports whether any slot pulsed within window of now.
func (h *Heartbeats) AnyFresh(now time.Time, window time.Duration) bool {
	for i := range h.seen {
		if h.Fresh(i, now, window) {
			return true
		}
	}
	return false
}

// Snapshot copies the table.
func (h *Heartbeats) Snapshot() map[int]time.Time {
	out := make(map[int]time.Time, len(h.seen))
	for k, v := range h.seen {
		out[k] = v
	}
	return out
}
