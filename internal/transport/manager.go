package transport

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/renzhidao/m2/internal/loop"
	"github.com/renzhidao/m2/internal/metrics"
	"github.com/renzhidao/m2/internal/registry"
	"github.com/renzhidao/m2/internal/state"
	"github.com/renzhidao/m2/internal/wire"
)

// Lifecycle is the manager's own view of its transport endpoint.
type Lifecycle int

const (
	Uninitialized Lifecycle = iota
	Starting
	Running
	Stopped
)

func (l Lifecycle) String() string {
	switch l {
	case Uninitialized:
		return "uninitialized"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const bindTimeout = 30 * time.Second

// Options holds capacity bounds and handshake timings.
type Options struct {
	MaxPeersHub    int
	MaxPeersNormal int
	RejectListSize int
	RejectGrace    time.Duration
	PeerExDelay    time.Duration
	AskPubDelay    time.Duration
	RestartDelay   time.Duration
}

// DefaultOptions returns the handshake timings used in production.
func DefaultOptions() Options {
	return Options{
		MaxPeersHub:    80,
		MaxPeersNormal: 30,
		RejectListSize: 10,
		RejectGrace:    500 * time.Millisecond,
		PeerExDelay:    100 * time.Millisecond,
		AskPubDelay:    500 * time.Millisecond,
		RestartDelay:   5 * time.Second,
	}
}

// MessageStore is the history query surface used during handshake.
type MessageStore interface {
	Recent(n int) ([]wire.ChatMessage, error)
	PublicAfter(ts int64) ([]wire.ChatMessage, error)
}

// Router receives application payloads and peer names.
type Router interface {
	Contact(id, name string)
	Incoming(m wire.ChatMessage, from string)
	History(msgs []wire.ChatMessage, from string)
}

// RetryQueue resends outbound messages that found no peer earlier.
// Requeue takes back messages a link accepted but never transmitted.
type RetryQueue interface {
	RetryPending()
	Requeue(msgs []wire.ChatMessage)
}

// View re-renders the peer list.
type View interface {
	RenderPeers()
}

// Notifier surfaces fatal conditions to the user.
type Notifier interface {
	Fatal(err error)
}

// Collaborators are the external services the manager calls. Nil fields
// are skipped.
type Collaborators struct {
	Store    MessageStore
	Router   Router
	Retry    RetryQueue
	View     View
	Notifier Notifier
}

// Manager opens, accepts and tears down links and is the only writer of
// the connection registry. All methods must run on the loop.
type Manager struct {
	st      *state.State
	sched   loop.Scheduler
	tr      Transport
	opts    Options
	collab  Collaborators
	metrics *metrics.Metrics
	logger  *zap.Logger

	life    Lifecycle
	ep      Endpoint
	epoch   int
	restart loop.Task

	disconnectLogged bool
	onReady          func()

	// fatal is set by an incompatible environment and never cleared.
	fatal error
}

// NewManager creates a Manager over the shared state.
func NewManager(st *state.State, sched loop.Scheduler, tr Transport, opts Options, collab Collaborators, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		st:      st,
		sched:   sched,
		tr:      tr,
		opts:    opts,
		collab:  collab,
		metrics: m,
		logger:  logger,
	}
}

// SetCollaborators replaces the collaborator set. Components that need the
// manager themselves are wired through here after construction.
func (m *Manager) SetCollaborators(c Collaborators) { m.collab = c }

// SetOnReady registers the callback run each time the endpoint binds.
func (m *Manager) SetOnReady(fn func()) {
	m.onReady = fn
}

// Lifecycle returns the current lifecycle stage.
func (m *Manager) Lifecycle() Lifecycle { return m.life }

// Disabled reports whether a fatal error has shut the transport down for
// the rest of the process.
func (m *Manager) Disabled() bool { return m.fatal != nil }

// Capacity is the registry bound for the node's current role.
func (m *Manager) Capacity() int {
	if m.st.Self.IsHub() {
		return m.opts.MaxPeersHub
	}
	return m.opts.MaxPeersNormal
}

// Start binds the transport identity. It is a no-op while a bind is in
// flight, an endpoint is live, or the transport is disabled.
func (m *Manager) Start() {
	if m.life == Starting || m.life == Running || m.Disabled() {
		return
	}
	m.life = Starting
	epoch := m.epoch
	id := m.st.Self.TransportID()
	m.logger.Info("Starting transport", zap.String("id", id))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), bindTimeout)
		defer cancel()
		ep, err := m.tr.Bind(ctx, id)
		m.sched.Post(func() { m.bound(epoch, ep, err) })
	}()
}

func (m *Manager) bound(epoch int, ep Endpoint, err error) {
	if epoch != m.epoch {
		if ep != nil {
			ep.Close()
		}
		return
	}
	if err != nil {
		m.life = Uninitialized
		m.logger.Warn("Transport bind failed", zap.Error(err))
		if kind := Classify(err); kind != KindIncompatible && kind != KindNetwork {
			err = fmt.Errorf("bind: %w: %w", ErrNetwork, err)
		}
		m.handleError(err)
		return
	}

	m.ep = ep
	m.life = Running
	m.disconnectLogged = false
	m.logger.Info("Transport ready", zap.String("id", ep.ID()))

	go func() {
		for l := range ep.Accept() {
			l := l
			m.sched.Post(func() {
				if m.epoch != epoch {
					l.Close()
					return
				}
				m.accept(l)
			})
		}
	}()
	go func() {
		for err := range ep.Errors() {
			err := err
			m.sched.Post(func() {
				if m.epoch == epoch {
					m.handleError(err)
				}
			})
		}
	}()

	m.renderView()
	if m.onReady != nil {
		m.onReady()
	}
}

// Stop closes every link and the endpoint. Pending restarts become no-ops.
// Calling Stop again is harmless.
func (m *Manager) Stop() {
	if m.restart != nil {
		m.restart.Cancel()
		m.restart = nil
	}
	wasLive := m.life != Stopped
	m.teardown()
	m.life = Stopped
	if wasLive {
		m.logger.Info("Transport stopped")
		m.renderView()
	}
}

// teardown invalidates the current epoch and releases the endpoint.
func (m *Manager) teardown() {
	m.epoch++
	for _, c := range m.st.Conns.Clear() {
		c.State = registry.Closed
		if c.Link != nil {
			c.Link.Close()
		}
		m.requeue(c)
	}
	if m.ep != nil {
		if err := m.ep.Close(); err != nil {
			m.logger.Debug("Endpoint close", zap.Error(err))
		}
		m.ep = nil
	}
	m.life = Uninitialized
	m.updateGauges()
}

func (m *Manager) scheduleRestart() {
	if m.restart != nil || m.Disabled() {
		return
	}
	m.teardown()
	epoch := m.epoch
	m.restart = m.sched.After(m.opts.RestartDelay, func() {
		m.restart = nil
		if epoch != m.epoch || m.life == Stopped {
			return
		}
		m.Start()
	})
}

// Restart rebinds under the node's current transport identity, used after
// a role change. A disabled transport stays down.
func (m *Manager) Restart() {
	if m.Disabled() {
		return
	}
	if m.restart != nil {
		m.restart.Cancel()
		m.restart = nil
	}
	m.teardown()
	m.renderView()
	m.Start()
}

func (m *Manager) handleError(err error) {
	kind := Classify(err)
	m.metrics.TransportErrors.WithLabelValues(kind.String()).Inc()

	switch kind {
	case KindPeerUnavailable:
		m.logger.Debug("Peer unavailable", zap.Error(err))
	case KindIncompatible:
		m.logger.Error("Transport unsupported, P2P disabled", zap.Error(err))
		m.fatal = err
		if m.restart != nil {
			m.restart.Cancel()
			m.restart = nil
		}
		m.teardown()
		m.life = Stopped
		if m.collab.Notifier != nil {
			m.collab.Notifier.Fatal(err)
		}
	case KindDisconnected:
		if !m.disconnectLogged {
			m.logger.Info("Transport disconnected, reconnecting")
			m.disconnectLogged = true
		}
		if m.ep == nil {
			return
		}
		if rerr := m.ep.Reconnect(); rerr != nil {
			m.logger.Warn("Reconnect failed", zap.Error(rerr))
			m.scheduleRestart()
		}
	case KindNetwork:
		m.logger.Warn("Transport network error, restarting", zap.Error(err), zap.Duration("delay", m.opts.RestartDelay))
		m.scheduleRestart()
	default:
		m.logger.Warn("Transport error", zap.Error(err))
	}
}

// ConnectTo opens an outbound link unless one is pointless or already
// tracked. The capacity check happens before the pending entry exists.
func (m *Manager) ConnectTo(id string) {
	if id == "" || m.st.Self.IsSelf(id) {
		return
	}
	if m.st.Conns.Has(id) {
		return
	}
	if m.life != Running || m.ep == nil {
		return
	}
	if m.st.Conns.Len() >= m.Capacity() {
		m.logger.Debug("At capacity, not dialing", zap.String("peer", id))
		return
	}

	link, err := m.ep.Dial(id)
	if err != nil {
		m.handleError(err)
		return
	}
	c := &registry.Connection{
		PeerID:    id,
		State:     registry.Pending,
		CreatedAt: m.sched.Now(),
		Outbound:  true,
		Link:      link,
	}
	if err := m.st.Conns.Add(c); err != nil {
		link.Close()
		return
	}
	m.updateGauges()
	m.watch(c, link)
}

// accept runs admission control for an inbound link.
func (m *Manager) accept(link Link) {
	id := link.PeerID()
	if id == "" || m.st.Self.IsSelf(id) {
		link.Close()
		return
	}

	if m.st.Conns.Len() >= m.Capacity() {
		m.metrics.Admissions.WithLabelValues("rejected").Inc()
		m.reject(link)
		return
	}

	if cur, ok := m.st.Conns.Get(id); ok {
		// Simultaneous dials keep the link opened by the lower identity.
		if cur.IsOpen() || m.st.Self.TransportID() < id {
			link.Close()
			return
		}
		m.st.Conns.Remove(id)
		cur.State = registry.Closed
		cur.Link.Close()
	}

	c := &registry.Connection{
		PeerID:    id,
		State:     registry.Pending,
		CreatedAt: m.sched.Now(),
		Link:      link,
	}
	m.st.Conns.Put(c)
	m.metrics.Admissions.WithLabelValues("accepted").Inc()
	m.updateGauges()
	m.watch(c, link)
}

// reject hands a full node's neighbours to the caller, then hangs up.
func (m *Manager) reject(link Link) {
	m.logger.Debug("At capacity, rejecting", zap.String("peer", link.PeerID()))
	epoch := m.epoch
	go func() {
		for ev := range link.Events() {
			if ev.Type != EventReady {
				continue
			}
			m.sched.Post(func() {
				if m.epoch != epoch {
					link.Close()
					return
				}
				ids := m.st.Conns.IDs()
				if len(ids) > m.opts.RejectListSize {
					ids = ids[:m.opts.RejectListSize]
				}
				if err := link.Send(wire.PeerEx(ids)); err != nil {
					m.logger.Debug("Reject peer list send failed", zap.Error(err))
				}
				m.sched.After(m.opts.RejectGrace, func() { link.Close() })
			})
		}
	}()
}

func (m *Manager) watch(c *registry.Connection, link Link) {
	epoch := m.epoch
	go func() {
		for ev := range link.Events() {
			ev := ev
			m.sched.Post(func() {
				if m.epoch == epoch {
					m.onLinkEvent(c, ev)
				}
			})
		}
	}()
}

func (m *Manager) onLinkEvent(c *registry.Connection, ev LinkEvent) {
	switch ev.Type {
	case EventReady:
		m.open(c)
	case EventData:
		if cur, ok := m.st.Conns.Get(c.PeerID); !ok || cur != c {
			return
		}
		c.LastLivenessAt = m.sched.Now()
		m.handleData(c, ev.Msg)
	case EventClosed:
		if ev.Err != nil {
			m.logger.Debug("Link closed", zap.String("peer", c.PeerID), zap.Error(ev.Err))
		}
		m.gone(c)
	}
}

// open admits a ready link and runs the handshake.
func (m *Manager) open(c *registry.Connection) {
	if c.State != registry.Pending {
		return
	}
	if cur, ok := m.st.Conns.Get(c.PeerID); !ok || cur != c {
		// Pruned or replaced while the link was coming up.
		c.State = registry.Closed
		c.Link.Close()
		return
	}

	now := m.sched.Now()
	c.State = registry.Open
	c.CreatedAt = now
	c.LastLivenessAt = now
	m.st.Conns.Put(c)
	m.updateGauges()
	m.logger.Info("Connected", zap.String("peer", c.PeerID), zap.Bool("outbound", c.Outbound))

	self := m.st.Self
	m.send(c, wire.Hello(self.TransportID(), self.Name))

	m.sched.After(m.opts.PeerExDelay, func() {
		if !c.IsOpen() {
			return
		}
		list := append(m.st.Conns.IDs(), self.TransportID())
		m.send(c, wire.PeerEx(list))
		c.Handshaken = true
		for _, e := range c.Outbox {
			m.send(c, e)
		}
		c.Outbox = nil
	})

	ts := m.latestTS()
	m.sched.After(m.opts.AskPubDelay, func() {
		if c.IsOpen() {
			m.send(c, wire.AskPub(ts))
		}
	})

	if m.collab.Retry != nil {
		m.collab.Retry.RetryPending()
	}
	m.renderView()
}

func (m *Manager) latestTS() int64 {
	if m.collab.Store == nil {
		return 0
	}
	recent, err := m.collab.Store.Recent(1)
	if err != nil {
		m.logger.Warn("Latest message lookup failed", zap.Error(err))
		return 0
	}
	if len(recent) == 0 {
		return 0
	}
	return recent[0].TS
}

// gone removes c if it is still the tracked entry for its peer.
func (m *Manager) gone(c *registry.Connection) {
	c.State = registry.Closed
	m.requeue(c)
	if m.st.Conns.RemoveIf(c.PeerID, c) {
		m.logger.Info("Disconnected", zap.String("peer", c.PeerID))
		m.updateGauges()
		m.renderView()
	}
}

// Drop closes and forgets the connection to peerID.
func (m *Manager) Drop(peerID string) {
	c, ok := m.st.Conns.Get(peerID)
	if !ok {
		return
	}
	c.State = registry.Closed
	if c.Link != nil {
		c.Link.Close()
	}
	m.requeue(c)
	m.st.Conns.Remove(peerID)
	m.updateGauges()
	m.renderView()
}

// requeue hands messages still held in c's outbox back to the retry queue.
func (m *Manager) requeue(c *registry.Connection) {
	if len(c.Outbox) == 0 {
		return
	}
	msgs := make([]wire.ChatMessage, 0, len(c.Outbox))
	for _, e := range c.Outbox {
		if e.Msg != nil {
			msgs = append(msgs, *e.Msg)
		}
	}
	c.Outbox = nil
	if m.collab.Retry != nil && len(msgs) > 0 {
		m.logger.Debug("Requeueing unsent messages", zap.String("peer", c.PeerID), zap.Int("count", len(msgs)))
		m.collab.Retry.Requeue(msgs)
	}
}

func (m *Manager) handleData(c *registry.Connection, e wire.Envelope) {
	m.metrics.FramesReceived.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case wire.KindPing:
		m.send(c, wire.Pong())
	case wire.KindPong:
	case wire.KindHello:
		c.Label = e.Name
		if m.collab.Router != nil && e.ID != "" {
			m.collab.Router.Contact(e.ID, e.Name)
		}
	case wire.KindPeerEx:
		ids, err := e.Peers()
		if err != nil {
			return
		}
		for _, id := range ids {
			if id == "" || m.st.Self.IsSelf(id) || m.st.Conns.Has(id) {
				continue
			}
			if m.st.Conns.Len() < m.opts.MaxPeersNormal {
				m.ConnectTo(id)
			}
		}
	case wire.KindAskPub:
		if m.collab.Store == nil {
			return
		}
		msgs, err := m.collab.Store.PublicAfter(e.TS)
		if err != nil {
			m.logger.Warn("History query failed", zap.Error(err))
			return
		}
		if len(msgs) > 0 {
			m.send(c, wire.RepPub(msgs))
		}
	case wire.KindRepPub:
		msgs, err := e.Messages()
		if err != nil || m.collab.Router == nil {
			return
		}
		m.collab.Router.History(msgs, c.PeerID)
	case wire.KindMsg:
		if e.Msg != nil && m.collab.Router != nil {
			m.collab.Router.Incoming(*e.Msg, c.PeerID)
		}
	}
}

// Send delivers e to peerID. MSG frames for a connection whose handshake
// has not finished are held and sent after its PEER_EX.
func (m *Manager) Send(peerID string, e wire.Envelope) error {
	c, ok := m.st.Conns.Get(peerID)
	if !ok || !c.IsOpen() {
		return fmt.Errorf("%s: %w", peerID, ErrNotConnected)
	}
	if e.Kind == wire.KindMsg && !c.Handshaken {
		c.Outbox = append(c.Outbox, e)
		return nil
	}
	return c.Link.Send(e)
}

// Broadcast sends e to every open connection except skip and returns how
// many accepted it.
func (m *Manager) Broadcast(e wire.Envelope, skip string) int {
	n := 0
	m.st.Conns.ForEach(func(c *registry.Connection) {
		if c.PeerID == skip || !c.IsOpen() {
			return
		}
		if err := m.Send(c.PeerID, e); err == nil {
			n++
		}
	})
	return n
}

func (m *Manager) send(c *registry.Connection, e wire.Envelope) {
	if err := c.Link.Send(e); err != nil {
		m.logger.Debug("Send failed", zap.String("peer", c.PeerID), zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func (m *Manager) renderView() {
	if m.collab.View != nil {
		m.collab.View.RenderPeers()
	}
}

func (m *Manager) updateGauges() {
	open := m.st.Conns.OpenCount()
	m.metrics.OpenConnections.Set(float64(open))
	m.metrics.PendingConnections.Set(float64(m.st.Conns.Len() - open))
}
