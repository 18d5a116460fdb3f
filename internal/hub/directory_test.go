package hub_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renzhidao/m2/internal/hub"
	"github.com/renzhidao/m2/internal/loop"
	"github.com/renzhidao/m2/internal/registry"
	"github.com/renzhidao/m2/internal/state"
)

type fakeTransport struct {
	dials    []string
	restarts int
	disabled bool
}

func (f *fakeTransport) ConnectTo(id string) { f.dials = append(f.dials, id) }
func (f *fakeTransport) Restart() { f.restarts++ }
func (f *fakeTransport) Disabled() bool { return f.disabled }

var opts = hub.Options{StaleAfter: 30 * time.Second, SettleDelay: 10 * time.Second}

func setup(selfID string) (*hub.Directory, *state.State, *fakeTransport, *loop.Manual) {
	st := state.New(state.NewSelf(selfID, selfID))
	tr := &fakeTransport{}
	sched := loop.NewManual(time.Unix(1_700_000_000, 0))
	d := hub.New(hub.NewRoster("hub-", 3), st, tr, sched, opts, zap.NewNop())
	return d, st, tr, sched
}

func openConn(t *testing.T, st *state.State, id string) {
	t.Helper()
	require.NoError(t, st.Conns.Add(&registry.Connection{PeerID: id, State: registry.Open}))
}

func TestRosterIndex(t *testing.T) {
	r := hub.NewRoster("hub-", 3)
	assert.Equal(t, []string{"hub-0", "hub-1", "hub-2"}, r.IDs())

	i, ok := r.Index("hub-2")
	assert.True(t, ok)
	assert.Equal(t, 2, i)

	for _, id := range []string{"hub-3", "hub-01", "hub--1", "hub-", "node-1"} {
		assert.False(t, r.IsHub(id), id)
	}
}

func TestHeartbeatsIgnoreOlderPulse(t *testing.T) {
	h := hub.NewHeartbeats()
	now := time.Unix(1000, 0)
	h.Record(1, now)
	h.Record(1, now.Add(-time.Minute))

	seen, ok := h.LastSeen(1)
	require.True(t, ok)
	assert.Equal(t, now, seen)
	assert.True(t, h.Fresh(1, now.Add(10*time.Second), 30*time.Second))
	assert.False(t, h.Fresh(1, now.Add(31*time.Second), 30*time.Second))
	assert.False(t, h.AnyFresh(now.Add(time.Hour), 30*time.Second))
}

func TestPatrolDialsHubsWithoutOpenLink(t *testing.T) {
	d, st, tr, _ := setup("alice")
	openConn(t, st, "hub-1")

	d.Patrol()
	assert.Equal(t, []string{"hub-0", "hub-2"}, tr.dials)
}

func TestPatrolIsQuietOnceAllHubsOpen(t *testing.T) {
	d, st, tr, _ := setup("alice")

	d.Patrol()
	require.Equal(t, []string{"hub-0", "hub-1", "hub-2"}, tr.dials)
	for _, id := range tr.dials {
		openConn(t, st, id)
	}

	d.Patrol()
	assert.Len(t, tr.dials, 3)
}

func TestPatrolSkipsOwnHubIdentity(t *testing.T) {
	d, st, tr, _ := setup("alice")
	st.Self.Promote(0, "hub-0")

	d.Patrol()
	assert.Equal(t, []string{"hub-1", "hub-2"}, tr.dials)
}

func TestConnectToAnyHubClaimsLowestVacantSlot(t *testing.T) {
	d, st, tr, sched := setup("alice")
	require.NoError(t, st.Conns.Add(&registry.Connection{PeerID: "hub-0", State: registry.Pending}))

	d.ConnectToAnyHub()
	d.ConnectToAnyHub()
	assert.Equal(t, []string{"hub-0", "hub-1", "hub-2"}, tr.dials, "second call is a no-op while seeking")
	assert.True(t, d.Seeking())

	sched.Advance(opts.SettleDelay)
	assert.False(t, d.Seeking())
	assert.True(t, st.Self.IsHub())
	assert.Equal(t, 1, st.Self.HubIndex())
	assert.Equal(t, "hub-1", st.Self.TransportID())
	assert.Equal(t, 1, tr.restarts)

	d.ConnectToAnyHub()
	assert.Len(t, tr.dials, 3, "hubs do not seek")
}

func TestConnectToAnyHubIdleWhileTransportDisabled(t *testing.T) {
	d, st, tr, sched := setup("alice")
	tr.disabled = true

	d.ConnectToAnyHub()
	sched.Advance(opts.SettleDelay)
	assert.Empty(t, tr.dials)
	assert.False(t, d.Seeking())

	// A claim already scheduled is abandoned if the transport dies meanwhile.
	tr.disabled = false
	d.ConnectToAnyHub()
	tr.disabled = true
	sched.Advance(opts.SettleDelay)
	assert.False(t, st.Self.IsHub())
	assert.Zero(t, tr.restarts)
}

func TestConnectToAnyHubDefersToLiveHub(t *testing.T) {
	d, st, tr, sched := setup("alice")
	d.RecordPulse(2, sched.Now())

	d.ConnectToAnyHub()
	sched.Advance(opts.SettleDelay)
	assert.False(t, st.Self.IsHub())
	assert.Equal(t, 0, tr.restarts)
}

func TestConnectToAnyHubNoClaimOnceConnected(t *testing.T) {
	d, st, tr, sched := setup("alice")

	d.ConnectToAnyHub()
	openConn(t, st, "bob")
	sched.Advance(opts.SettleDelay)
	assert.False(t, st.Self.IsHub())
	assert.Equal(t, 0, tr.restarts)
}

func TestConnectToAnyHubNoClaimWhenPresenceOnline(t *testing.T) {
	d, st, tr, sched := setup("alice")

	d.ConnectToAnyHub()
	st.Presence = state.PresenceOnline
	sched.Advance(opts.SettleDelay)
	assert.False(t, st.Self.IsHub())
	assert.Equal(t, 0, tr.restarts)
}

func TestResign(t *testing.T) {
	d, st, tr, _ := setup("alice")

	d.Resign()
	assert.Equal(t, 0, tr.restarts)

	st.Self.Promote(1, "hub-1")
	d.Resign()
	assert.False(t, st.Self.IsHub())
	assert.Equal(t, "alice", st.Self.TransportID())
	assert.Equal(t, 1, tr.restarts)
}

func TestRecordPulseIgnoresUnknownSlots(t *testing.T) {
	d, _, _, sched := setup("alice")
	d.RecordPulse(7, sched.Now())
	d.RecordPulse(-1, sched.Now())
	assert.Empty(t, d.Heartbeats().Snapshot())
}
