package node_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renzhidao/m2/internal/config"
	"github.com/renzhidao/m2/internal/loop"
	"github.com/renzhidao/m2/internal/metrics"
	"github.com/renzhidao/m2/internal/node"
	"github.com/renzhidao/m2/internal/presence/presencetest"
	"github.com/renzhidao/m2/internal/store"
	"github.com/renzhidao/m2/internal/transport"
	"github.com/renzhidao/m2/internal/transport/transporttest"
	"github.com/renzhidao/m2/internal/wire"
)

type harness struct {
	cfg    *config.Config
	sched  *loop.Manual
	tr     *transporttest.Transport
	dialer *presencetest.Dialer
	m      *metrics.Metrics
	c      *node.Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Node.ID = "alice"
	cfg.Node.Name = "Alice"
	cfg.Hubs.Prefix = "hub-"
	cfg.Hubs.Count = 3

	s, err := store.Open(t.TempDir()+"/messages", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{
		cfg:    cfg,
		sched:  loop.NewManual(time.Unix(1_700_000_000, 0)),
		tr:     transporttest.New(),
		dialer: &presencetest.Dialer{},
		m:      metrics.NewUnregistered(),
	}
	h.c, err = node.New(cfg, node.Deps{
		Sched:     h.sched,
		Transport: h.tr,
		Dialer:    h.dialer,
		Store:     s,
		Metrics:   h.m,
	}, zap.NewNop())
	require.NoError(t, err)
	return h
}

func (h *harness) settle(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.sched.Drain()
		return cond()
	}, time.Second, time.Millisecond)
}

func (h *harness) status(t *testing.T) node.Status {
	t.Helper()
	s, err := h.c.Status(context.Background())
	require.NoError(t, err)
	return s
}

func (h *harness) running(t *testing.T) bool {
	s := h.status(t)
	return s.Transport == transport.Running.String() && s.Presence == "online"
}

// start brings the node up with a reachable broker and waits for both
// transport and presence.
func (h *harness) start(t *testing.T) *transporttest.Endpoint {
	t.Helper()
	h.c.Start()
	h.settle(t, func() bool { return h.running(t) })
	return h.tr.Last()
}

func (h *harness) openHubs(t *testing.T, ep *transporttest.Endpoint) {
	t.Helper()
	for i := 0; i < h.cfg.Hubs.Count; i++ {
		l := ep.Dialed(fmt.Sprintf("hub-%d", i))
		require.NotNil(t, l)
		l.Ready()
	}
	h.settle(t, func() bool { return h.status(t).Open == h.cfg.Hubs.Count })
}

func TestStartPatrolsHubs(t *testing.T) {
	h := newHarness(t)
	ep := h.start(t)

	assert.Equal(t, []string{"alice"}, h.tr.Binds())
	assert.ElementsMatch(t, []string{"hub-0", "hub-1", "hub-2"}, ep.DialOrder())

	s := h.status(t)
	assert.Equal(t, "running", s.Phase)
	assert.Equal(t, "normal", s.Role)
	assert.Equal(t, 3, s.Pending)
	assert.Equal(t, h.cfg.Limits.MaxPeersNormal, s.Capacity)

	_, sess := h.dialer.Last()
	require.NotNil(t, sess)
	assert.Equal(t, []string{h.cfg.Presence.Topic}, sess.Topics())
}

func TestSuspendAndResume(t *testing.T) {
	h := newHarness(t)
	ep := h.start(t)
	h.openHubs(t, ep)

	// Let the handshake and initial check timers fire.
	h.sched.Advance(3 * time.Second)
	require.Equal(t, 2, h.sched.Timers(), "maintenance tick and presence announcements")

	require.NoError(t, h.c.SuspendCtx(context.Background()))
	s := h.status(t)
	assert.Equal(t, "suspended", s.Phase)
	assert.Zero(t, s.Open)
	assert.Zero(t, s.Pending)
	assert.Equal(t, "offline", s.Presence)
	assert.Zero(t, h.sched.Timers())
	assert.True(t, ep.IsClosed())
	assert.True(t, ep.Dialed("hub-0").Closed())

	h.sched.Advance(2 * h.cfg.Schedule.LoopInterval)
	assert.Zero(t, testutil.ToFloat64(h.m.MaintenanceTicks))
	assert.ErrorIs(t, h.c.SuspendCtx(context.Background()), node.ErrNotRunning)

	require.NoError(t, h.c.ResumeCtx(context.Background()))
	h.settle(t, func() bool { return h.running(t) })
	require.NoError(t, h.c.ResumeCtx(context.Background()))
	assert.Equal(t, 2, h.sched.Timers())
	assert.Equal(t, []string{"alice", "alice"}, h.tr.Binds())
	assert.Equal(t, 2, h.dialer.Sessions())

	h.sched.Advance(h.cfg.Schedule.LoopInterval)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.m.MaintenanceTicks))
}

func TestMaintenanceGossipsToOpenLinks(t *testing.T) {
	h := newHarness(t)
	ep := h.start(t)
	h.openHubs(t, ep)

	h.sched.Advance(h.cfg.Schedule.LoopInterval)

	kinds := ep.Dialed("hub-1").SentKinds()
	require.GreaterOrEqual(t, len(kinds), 2)
	assert.Equal(t, []wire.Kind{wire.KindPing, wire.KindPeerEx}, kinds[len(kinds)-2:])
	assert.Equal(t, float64(1), testutil.ToFloat64(h.m.MaintenanceTicks))
}

func TestQueuedMessageFlushedOnConnect(t *testing.T) {
	h := newHarness(t)
	ep := h.start(t)

	m, err := h.c.Send(context.Background(), "hello", "")
	require.NoError(t, err)
	assert.Equal(t, 1, h.status(t).QueuedMessages)

	l := ep.Dialed("hub-0")
	l.Ready()
	h.settle(t, func() bool { return h.status(t).QueuedMessages == 0 })
	h.sched.Advance(time.Second)

	kinds := l.SentKinds()
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, []wire.Kind{wire.KindHello, wire.KindPeerEx, wire.KindMsg}, kinds[:3])
	assert.Equal(t, m.ID, l.Sent()[2].Msg.ID)

	stored, err := h.c.Messages("", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hello", stored[0].Text)
}

func TestIsolatedNodeClaimsHubSlot(t *testing.T) {
	h := newHarness(t)
	h.dialer.SetFail(true)
	h.c.Start()
	h.settle(t, func() bool { return h.status(t).Transport == transport.Running.String() })
	ep := h.tr.Last()

	hangUpAll := func() {
		for i := 0; i < h.cfg.Hubs.Count; i++ {
			if l := ep.Dialed(fmt.Sprintf("hub-%d", i)); l != nil {
				l.Hangup(transport.ErrPeerUnavailable)
			}
		}
		h.settle(t, func() bool { s := h.status(t); return s.Open+s.Pending == 0 })
	}
	hangUpAll()

	h.sched.Advance(h.cfg.Schedule.InitialCheck)
	assert.Len(t, ep.DialOrder(), 6, "initial check patrols again")
	hangUpAll()

	h.sched.Advance(h.cfg.Schedule.ConnTimeout)
	h.settle(t, func() bool {
		binds := h.tr.Binds()
		return len(binds) == 2 && binds[1] == "hub-0" && h.status(t).Transport == transport.Running.String()
	})

	s := h.status(t)
	assert.Equal(t, "hub", s.Role)
	assert.Equal(t, 0, s.HubIndex)
	assert.Equal(t, "hub-0", s.TransportID)
	assert.Equal(t, h.cfg.Limits.MaxPeersHub, s.Capacity)
	assert.ElementsMatch(t, []string{"hub-1", "hub-2"}, h.tr.Last().DialOrder())
}

func TestIncompatibleTransportIsFatal(t *testing.T) {
	h := newHarness(t)
	var got error
	h.c.SetOnFatal(func(err error) { got = err })
	h.tr.FailBinds(fmt.Errorf("listen: %w", transport.ErrIncompatible))

	h.c.Start()
	h.settle(t, func() bool { return got != nil })

	assert.True(t, errors.Is(got, transport.ErrIncompatible))
	s := h.status(t)
	assert.NotEmpty(t, s.Fatal)
	assert.Equal(t, transport.Stopped.String(), s.Transport)
	assert.Equal(t, []string{"alice"}, h.tr.Binds())
}

func TestFatalTransportIsNeverRetried(t *testing.T) {
	for _, tc := range []struct {
		name     string
		hubIndex int
		bind     string
	}{
		{name: "normal", hubIndex: -1, bind: "alice"},
		{name: "hub slot", hubIndex: 1, bind: "hub-1"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.cfg.Node.HubIndex = tc.hubIndex
			h.dialer.SetFail(true)
			h.tr.FailBinds(fmt.Errorf("listen: %w", transport.ErrIncompatible))

			h.c.Start()
			h.settle(t, func() bool { return h.status(t).Fatal != "" })

			for i := 0; i < 60; i++ {
				h.sched.Advance(time.Second)
			}
			require.NoError(t, h.c.SuspendCtx(context.Background()))
			require.NoError(t, h.c.ResumeCtx(context.Background()))
			for i := 0; i < 30; i++ {
				h.sched.Advance(time.Second)
			}

			s := h.status(t)
			assert.Equal(t, []string{tc.bind}, h.tr.Binds())
			assert.Equal(t, "normal", s.Role)
			assert.Equal(t, -1, s.HubIndex)
			assert.Equal(t, "alice", s.TransportID)
			assert.Equal(t, transport.Stopped.String(), s.Transport)
			assert.Equal(t, "running", s.Phase)
		})
	}
}

func TestShutdownIsFinal(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.c.Shutdown()
	h.c.Shutdown()
	assert.Equal(t, node.PhaseStopped, h.c.Phase())
	assert.Zero(t, h.sched.Timers())
	assert.ErrorIs(t, h.c.ResumeCtx(context.Background()), node.ErrNotRunning)

	_, err := h.c.Send(context.Background(), "late", "")
	assert.ErrorIs(t, err, node.ErrNotRunning)
}

func TestNewRequiresID(t *testing.T) {
	cfg := config.Default()
	_, err := node.New(cfg, node.Deps{}, zap.NewNop())
	assert.Error(t, err)
}

func TestStartInHubSlot(t *testing.T) {
	h := newHarness(t)
	h.cfg.Node.HubIndex = 1
	h.dialer.SetFail(true)

	h.c.Start()
	h.settle(t, func() bool { return h.status(t).Transport == transport.Running.String() })

	assert.Equal(t, []string{"hub-1"}, h.tr.Binds())
	assert.ElementsMatch(t, []string{"hub-0", "hub-2"}, h.tr.Last().DialOrder())
	s := h.status(t)
	assert.Equal(t, "hub", s.Role)
	assert.Equal(t, "hub-1", s.TransportID)
}
