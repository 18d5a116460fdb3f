package node

import (
	"context"
	"time"

	"github.com/renzhidao/m2/internal/registry"
	"github.com/renzhidao/m2/internal/router"
	"github.com/renzhidao/m2/internal/wire"
)

// Status is a point-in-time snapshot of the node.
type Status struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	TransportID      string         `json:"transportId"`
	Role             string         `json:"role"`
	HubIndex         int            `json:"hubIndex"`
	Phase            string         `json:"phase"`
	Transport        string         `json:"transport"`
	Presence         string         `json:"presence"`
	PresenceFailures int            `json:"presenceFailures"`
	PresenceProxied  bool           `json:"presenceProxied"`
	Open             int            `json:"open"`
	Pending          int            `json:"pending"`
	Capacity         int            `json:"capacity"`
	QueuedMessages   int            `json:"queuedMessages"`
	ClockOffset      time.Duration  `json:"clockOffset"`
	HubPulses        map[int]string `json:"hubPulses,omitempty"`
	Fatal            string         `json:"fatal,omitempty"`
}

// PeerInfo describes one tracked connection.
type PeerInfo struct {
	ID       string    `json:"id"`
	Label    string    `json:"label,omitempty"`
	State    string    `json:"state"`
	Outbound bool      `json:"outbound"`
	Hub      bool      `json:"hub"`
	Since    time.Time `json:"since"`
	LastSeen time.Time `json:"lastSeen"`
}

type caller interface {
	Call(ctx context.Context, fn func()) error
}

// do runs fn on the loop when the scheduler supports it, inline otherwise.
func (c *Controller) do(ctx context.Context, fn func()) error {
	if lc, ok := c.sched.(caller); ok {
		return lc.Call(ctx, fn)
	}
	fn()
	return nil
}

func (c *Controller) snapshot() Status {
	self := c.st.Self
	s := Status{
		ID:               self.ID,
		Name:             self.Name,
		TransportID:      self.TransportID(),
		Role:             self.Role().String(),
		HubIndex:         self.HubIndex(),
		Phase:            c.phase.String(),
		Transport:        c.transport.Lifecycle().String(),
		Presence:         c.st.Presence.String(),
		PresenceFailures: c.presence.FailureCount(),
		PresenceProxied:  c.presence.Proxied(),
		Open:             c.st.Conns.OpenCount(),
		Pending:          c.st.Conns.Len() - c.st.Conns.OpenCount(),
		Capacity:         c.transport.Capacity(),
		QueuedMessages:   c.router.Pending(),
		ClockOffset:      c.clock.Offset(),
	}
	if beats := c.hubs.Heartbeats().Snapshot(); len(beats) > 0 {
		s.HubPulses = make(map[int]string, len(beats))
		for i, at := range beats {
			s.HubPulses[i] = at.UTC().Format(time.RFC3339)
		}
	}
	if c.fatal != nil {
		s.Fatal = c.fatal.Error()
	}
	return s
}

// Status returns a snapshot taken on the loop.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var s Status
	err := c.do(ctx, func() { s = c.snapshot() })
	return s, err
}

// Peers lists tracked connections in insertion order.
func (c *Controller) Peers(ctx context.Context) ([]PeerInfo, error) {
	var out []PeerInfo
	err := c.do(ctx, func() {
		for _, conn := range c.st.Conns.Snapshot() {
			out = append(out, c.peerInfo(conn))
		}
	})
	return out, err
}

func (c *Controller) peerInfo(conn *registry.Connection) PeerInfo {
	return PeerInfo{
		ID:       conn.PeerID,
		Label:    conn.Label,
		State:    conn.State.String(),
		Outbound: conn.Outbound,
		Hub:      c.hubs.IsHub(conn.PeerID),
		Since:    conn.CreatedAt,
		LastSeen: conn.LastLivenessAt,
	}
}

// Contacts lists peers whose names the node has learned.
func (c *Controller) Contacts(ctx context.Context) ([]router.Contact, error) {
	var out []router.Contact
	err := c.do(ctx, func() { out = c.router.Contacts() })
	return out, err
}

// Messages returns the newest n public messages, or the conversation with
// peer when peer is set. The store is safe for concurrent use.
func (c *Controller) Messages(peer string, n int) ([]wire.ChatMessage, error) {
	if peer == "" || peer == wire.TargetAll {
		return c.store.Recent(n)
	}
	return c.store.Conversation(peer, n)
}

// Send originates a chat message. An empty target is public.
func (c *Controller) Send(ctx context.Context, text, target string) (wire.ChatMessage, error) {
	var (
		m   wire.ChatMessage
		err error
	)
	if cerr := c.do(ctx, func() {
		if c.phase == PhaseStopped {
			err = ErrNotRunning
			return
		}
		m, err = c.router.Send(text, target)
	}); cerr != nil {
		return m, cerr
	}
	return m, err
}

// SuspendCtx runs Suspend on the loop.
func (c *Controller) SuspendCtx(ctx context.Context) error {
	var err error
	if cerr := c.do(ctx, func() { err = c.Suspend() }); cerr != nil {
		return cerr
	}
	return err
}

// ResumeCtx runs Resume on the loop.
func (c *Controller) ResumeCtx(ctx context.Context) error {
	var err error
	if cerr := c.do(ctx, func() { err = c.Resume() }); cerr != nil {
		return cerr
	}
	return err
}
