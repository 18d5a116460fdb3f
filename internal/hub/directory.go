package hub

import (
	"time"

	"go.uber.org/zap"

	"github.com/renzhidao/m2/internal/loop"
	"github.com/renzhidao/m2/internal/state"
)

// Transport is the part of the transport manager the directory drives.
type Transport interface {
	ConnectTo(id string)
	Restart()
	Disabled() bool
}

// Options tunes hub election.
type Options struct {
	// StaleAfter is how long a hub pulse keeps its slot occupied.
	StaleAfter time.Duration
	// SettleDelay is how long ConnectToAnyHub waits for patrol dials
	// before deciding to claim a slot.
	SettleDelay time.Duration
}

// Directory owns the roster and heartbeat table and acts as the hub keeper:
// it patrols, claims a vacant slot when the overlay looks empty, and
// resigns when the presence broker is reachable directly.
type Directory struct {
	roster Roster
	beats  *Heartbeats
	st     *state.State
	tr     Transport
	sched  loop.Scheduler
	opts   Options
	logger *zap.Logger

	seeking bool
}

// New creates a Directory.
func New(roster Roster, st *state.State, tr Transport, sched loop.Scheduler, opts Options, logger *zap.Logger) *Directory {
	return &Directory{
		roster: roster,
		beats:  NewHeartbeats(),
		st:     st,
		tr:     tr,
		sched:  sched,
		opts:   opts,
		logger: logger,
	}
}

// Roster returns the hub roster.
func (d *Directory) Roster() Roster { return d.roster }

// Heartbeats returns the pulse table.
func (d *Directory) Heartbeats() *Heartbeats { return d.beats }

// IsHub reports whether id is a roster identity.
func (d *Directory) IsHub(id string) bool { return d.roster.IsHub(id) }

// RecordPulse notes a HUB_PULSE for slot index.
func (d *Directory) RecordPulse(index int, at time.Time) {
	if index < 0 || index >= d.roster.Len() {
		return
	}
	d.beats.Record(index, at)
}

// Seeking reports whether a hub-seeking action is in flight.
func (d *Directory) Seeking() bool { return d.seeking }

// Patrol dials every roster hub that has no open link.
func (d *Directory) Patrol() {
	for _, id := range d.roster.IDs() {
		if d.st.Self.IsSelf(id) || d.st.Conns.HasOpen(id) {
			continue
		}
		d.tr.ConnectTo(id)
	}
}

// Resign gives up the hub slot and rebinds under the node's own identity.
func (d *Directory) Resign() {
	if !d.st.Self.IsHub() {
		return
	}
	d.logger.Info("Resigning hub slot", zap.Int("index", d.st.Self.HubIndex()))
	d.st.Self.Demote()
	d.tr.Restart()
}

// ConnectToAnyHub patrols the roster and, if the node is still isolated
// once the dials settle, claims the lowest vacant hub slot.
func (d *Directory) ConnectToAnyHub() {
	if d.st.Self.IsHub() || d.seeking || d.tr.Disabled() {
		return
	}
	d.seeking = true
	d.Patrol()
	d.sched.After(d.opts.SettleDelay, func() {
		d.seeking = false
		d.maybeClaim()
	})
}

func (d *Directory) maybeClaim() {
	if d.st.Self.IsHub() || d.st.Presence == state.PresenceOnline || d.tr.Disabled() {
		return
	}
	if d.st.Conns.OpenCount() > 0 {
		return
	}
	now := d.sched.Now()
	if d.beats.AnyFresh(now, d.opts.StaleAfter) {
		return
	}
	i, ok := d.vacant(now)
	if !ok {
		return
	}
	id := d.roster.ID(i)
	d.logger.Info("No hub reachable, claiming slot", zap.Int("index", i), zap.String("hubID", id))
	d.st.Self.Promote(i, id)
	d.tr.Restart()
}

// vacant returns the lowest slot with neither a fresh pulse nor a link.
func (d *Directory) vacant(now time.Time) (int, bool) {
	for i := 0; i < d.roster.Len(); i++ {
		if d.beats.Fresh(i, now, d.opts.StaleAfter) || d.st.Conns.Has(d.roster.ID(i)) {
			continue
		}
		return i, true
	}
	return 0, false
}
