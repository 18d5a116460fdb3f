package presence_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renzhidao/m2/internal/loop"
	"github.com/renzhidao/m2/internal/metrics"
	"github.com/renzhidao/m2/internal/presence"
	"github.com/renzhidao/m2/internal/presence/presencetest"
	"github.com/renzhidao/m2/internal/registry"
	"github.com/renzhidao/m2/internal/state"
)

type fakeHubs struct {
	pulses   map[int]time.Time
	patrols  int
	resigns  int
	connects []string
}

func (h *fakeHubs) RecordPulse(i int, at time.Time) { h.pulses[i] = at }
func (h *fakeHubs) Patrol() { h.patrols++ }
func (h *fakeHubs) Resign() { h.resigns++ }
func (h *fakeHubs) ConnectTo(id string) { h.connects = append(h.connects, id) }

var opts = presence.Options{
	Broker:               "broker.example",
	Port:                 8084,
	Path:                 "/mqtt",
	ProxyHost:            "proxy.example",
	ProxyPort:            443,
	Topic:                "p1/presence",
	DirectTimeout:        5 * time.Second,
	ProxyTimeout:         10 * time.Second,
	DirectInterval:       4 * time.Second,
	ProxyInterval:        10 * time.Second,
	StaleAfter:           120 * time.Second,
	RetryDelay:           10 * time.Second,
	PulseConnectBelow:    5,
	PresenceConnectBelow: 6,
}

type harness struct {
	st     *state.State
	sched  *loop.Manual
	dialer *presencetest.Dialer
	hubs   *fakeHubs
	ch     *presence.Channel
}

func newHarness() *harness {
	h := &harness{
		st:     state.New(state.NewSelf("alice", "Alice")),
		sched:  loop.NewManual(time.Unix(1_700_000_000, 0)),
		dialer: &presencetest.Dialer{},
		hubs:   &fakeHubs{pulses: map[int]time.Time{}},
	}
	h.ch = presence.NewChannel(h.st, h.sched, h.dialer, h.hubs, h.hubs, nil, opts, metrics.NewUnregistered(), zap.NewNop())
	return h
}

func (h *harness) settle(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.sched.Drain()
		return cond()
	}, time.Second, time.Millisecond)
}

func (h *harness) online(t *testing.T) *presencetest.Session {
	t.Helper()
	h.ch.Start()
	h.settle(t, func() bool { return h.st.Presence == state.PresenceOnline })
	_, s := h.dialer.Last()
	return s
}

func (h *harness) status(s state.PresenceStatus) func() bool {
	return func() bool { return h.st.Presence == s }
}

func (h *harness) openConns(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, h.st.Conns.Add(&registry.Connection{PeerID: fmt.Sprintf("peer-%d", i), State: registry.Open}))
	}
}

func TestDirectConnectAnnouncesAndPatrols(t *testing.T) {
	h := newHarness()
	s := h.online(t)

	d, _ := h.dialer.Last()
	assert.Equal(t, "wss://broker.example:8084/mqtt", d.URL)
	assert.True(t, strings.HasPrefix(d.ClientID, "presence_alice_"))
	assert.Len(t, d.ClientID, len("presence_alice_")+4)
	assert.False(t, h.ch.Proxied())
	assert.Equal(t, []string{"p1/presence"}, s.Topics())
	assert.Equal(t, 1, h.hubs.patrols)

	ann := s.Announcements()
	require.Len(t, ann, 1)
	assert.Equal(t, "alice", ann[0].ID)
	assert.Empty(t, ann[0].Type)
	assert.Equal(t, h.sched.Now().UnixMilli(), ann[0].TS)

	h.sched.Advance(opts.DirectInterval)
	assert.Len(t, s.Announcements(), 2)
}

func TestFailureSwitchesToProxy(t *testing.T) {
	h := newHarness()
	h.dialer.SetFail(true)
	h.ch.Start()
	h.settle(t, h.status(state.PresenceFailed))
	assert.Equal(t, 1, h.ch.FailureCount())

	h.dialer.SetFail(false)
	h.sched.Advance(opts.RetryDelay)
	h.settle(t, h.status(state.PresenceOnline))

	d, s := h.dialer.Last()
	assert.Equal(t, "wss://proxy.example:443/https://broker.example:8084/mqtt", d.URL)
	assert.True(t, h.ch.Proxied())
	assert.Equal(t, 0, h.ch.FailureCount())

	h.sched.Advance(opts.DirectInterval)
	assert.Len(t, s.Announcements(), 1)
	h.sched.Advance(opts.ProxyInterval - opts.DirectInterval)
	assert.Len(t, s.Announcements(), 2)
}

func TestFailureCountIncrementsOncePerAttempt(t *testing.T) {
	h := newHarness()
	h.dialer.SetFail(true)
	h.ch.Start()

	for want := 1; want <= 3; want++ {
		h.settle(t, func() bool { return h.dialer.Count() == want && h.st.Presence == state.PresenceFailed })
		assert.Equal(t, want, h.ch.FailureCount())
		h.sched.Advance(opts.RetryDelay)
	}
	assert.True(t, h.ch.Proxied())
}

func TestLostSessionRetriesThroughProxy(t *testing.T) {
	h := newHarness()
	s := h.online(t)

	s.Drop(errors.New("broker went away"))
	h.settle(t, h.status(state.PresenceLost))
	assert.Equal(t, 1, h.ch.FailureCount())

	h.sched.Advance(opts.RetryDelay)
	h.settle(t, h.status(state.PresenceOnline))
	d, _ := h.dialer.Last()
	assert.Contains(t, d.URL, "proxy.example")
}

func TestHubResignsOnDirectConnect(t *testing.T) {
	h := newHarness()
	h.st.Self.Promote(1, "hub-1")
	h.online(t)
	assert.Equal(t, 1, h.hubs.resigns)
	assert.Equal(t, 0, h.hubs.patrols)
}

func TestHubKeepsSlotWhenProxied(t *testing.T) {
	h := newHarness()
	h.st.Self.Promote(1, "hub-1")
	h.dialer.SetFail(true)
	h.ch.Start()
	h.settle(t, h.status(state.PresenceFailed))

	h.dialer.SetFail(false)
	h.sched.Advance(opts.RetryDelay)
	h.settle(t, h.status(state.PresenceOnline))
	assert.Equal(t, 0, h.hubs.resigns)
	assert.Equal(t, 1, h.hubs.patrols)

	_, s := h.dialer.Last()
	ann := s.Announcements()
	require.Len(t, ann, 1)
	assert.Equal(t, presence.TypeHubPulse, ann[0].Type)
	assert.Equal(t, "hub-1", ann[0].ID)
	require.NotNil(t, ann[0].HubIndex)
	assert.Equal(t, 1, *ann[0].HubIndex)
}

func TestStaleAnnouncementsDropped(t *testing.T) {
	h := newHarness()
	s := h.online(t)
	now := h.sched.Now()

	s.Deliver(presence.Announcement{ID: "old", TS: now.Add(-121 * time.Second).UnixMilli()})
	s.Deliver(presence.Announcement{ID: "future", TS: now.Add(121 * time.Second).UnixMilli()})
	idx := 0
	s.Deliver(presence.Announcement{Type: presence.TypeHubPulse, ID: "hub-0", HubIndex: &idx, TS: now.Add(-5 * time.Minute).UnixMilli()})
	s.Deliver(presence.Announcement{ID: "fresh", TS: now.Add(-119 * time.Second).UnixMilli()})
	h.settle(t, func() bool { return len(h.hubs.connects) > 0 })

	assert.Equal(t, []string{"fresh"}, h.hubs.connects)
	assert.Empty(t, h.hubs.pulses)
}

func TestHubPulseRecordsAndConnects(t *testing.T) {
	h := newHarness()
	s := h.online(t)
	idx := 2

	s.Deliver(presence.Announcement{Type: presence.TypeHubPulse, ID: "hub-2", HubIndex: &idx, TS: h.sched.Now().UnixMilli()})
	h.settle(t, func() bool { return len(h.hubs.pulses) == 1 })
	assert.Equal(t, []string{"hub-2"}, h.hubs.connects)
	assert.Equal(t, h.sched.Now(), h.hubs.pulses[2])
}

func TestHubPulseSkipsConnectWhenWellConnected(t *testing.T) {
	h := newHarness()
	s := h.online(t)
	h.openConns(t, 5)
	idx := 2

	s.Deliver(presence.Announcement{Type: presence.TypeHubPulse, ID: "hub-2", HubIndex: &idx, TS: h.sched.Now().UnixMilli()})
	h.settle(t, func() bool { return len(h.hubs.pulses) == 1 })
	assert.Empty(t, h.hubs.connects)
}

func TestPresenceConnectThresholds(t *testing.T) {
	h := newHarness()
	s := h.online(t)
	now := h.sched.Now().UnixMilli()

	s.Deliver(presence.Announcement{ID: "alice", TS: now})
	s.Deliver(presence.Announcement{ID: "bob", TS: now})
	h.settle(t, func() bool { return len(h.hubs.connects) == 1 })
	assert.Equal(t, []string{"bob"}, h.hubs.connects)

	require.NoError(t, h.st.Conns.Add(&registry.Connection{PeerID: "carol", State: registry.Pending}))
	h.openConns(t, 6)
	s.Deliver(presence.Announcement{ID: "carol", TS: now})
	s.Deliver(presence.Announcement{ID: "dave", TS: now})
	idx := 0
	s.Deliver(presence.Announcement{Type: presence.TypeHubPulse, ID: "hub-0", HubIndex: &idx, TS: now})
	h.settle(t, func() bool { return len(h.hubs.pulses) == 1 })
	assert.Equal(t, []string{"bob"}, h.hubs.connects)
}

func TestMalformedPayloadIgnored(t *testing.T) {
	h := newHarness()
	s := h.online(t)

	s.DeliverRaw([]byte("not json"))
	s.DeliverRaw([]byte(`{"ts":1}`))
	s.Deliver(presence.Announcement{ID: "bob", TS: h.sched.Now().UnixMilli()})
	h.settle(t, func() bool { return len(h.hubs.connects) == 1 })
	assert.Equal(t, state.PresenceOnline, h.st.Presence)
}

func TestStopIsIdempotentAndCancelsTimers(t *testing.T) {
	h := newHarness()
	s := h.online(t)

	h.ch.Stop()
	h.ch.Stop()
	assert.Equal(t, state.PresenceOffline, h.st.Presence)
	assert.True(t, s.IsClosed())
	assert.Equal(t, 0, h.sched.Timers())

	h.sched.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.Count())
}

func TestStopDuringRetryWaitPreventsReconnect(t *testing.T) {
	h := newHarness()
	h.dialer.SetFail(true)
	h.ch.Start()
	h.settle(t, h.status(state.PresenceFailed))

	h.ch.Stop()
	h.sched.Advance(opts.RetryDelay * 3)
	assert.Equal(t, 1, h.dialer.Count())
	assert.Equal(t, state.PresenceOffline, h.st.Presence)
}

func TestStartWhileOnlineIsNoop(t *testing.T) {
	h := newHarness()
	h.online(t)
	h.ch.Start()
	h.sched.Drain()
	assert.Equal(t, 1, h.dialer.Count())
}
