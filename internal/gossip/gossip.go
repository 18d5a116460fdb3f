// Package gossip prunes dead links and spreads known peer ids over the
// links that remain.
package gossip

import (
	"time"

	"go.uber.org/zap"

	"github.com/renzhidao/m2/internal/metrics"
	"github.com/renzhidao/m2/internal/registry"
	"github.com/renzhidao/m2/internal/state"
	"github.com/renzhidao/m2/internal/wire"
)

// Links is the transport manager surface the engine needs. Drop is the
// only way the engine removes registry entries.
type Links interface {
	Drop(peerID string)
	Send(peerID string, e wire.Envelope) error
}

// HubChecker reports whether an id belongs to the hub roster.
type HubChecker interface {
	IsHub(id string) bool
}

// Options bounds pruning and gossip fan-out.
type Options struct {
	ConnTimeout time.Duration
	PingTimeout time.Duration
	GossipSize  int
}

// Engine runs one prune and one gossip pass per maintenance tick.
type Engine struct {
	st      *state.State
	links   Links
	hubs    HubChecker
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates an Engine.
func New(st *state.State, links Links, hubs HubChecker, opts Options, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		st:      st,
		links:   links,
		hubs:    hubs,
		opts:    opts,
		metrics: m,
		logger:  logger,
	}
}

// Prune drops pending links that never opened within ConnTimeout and open
// links silent for longer than PingTimeout. Hub links are exempt from the
// liveness rule. It returns the dropped peer ids.
func (e *Engine) Prune(now time.Time) []string {
	var dropped []string
	for _, c := range e.st.Conns.Snapshot() {
		reason := e.expired(c, now)
		if reason == "" {
			continue
		}
		e.logger.Debug("Pruning connection", zap.String("peer", c.PeerID), zap.String("reason", reason))
		e.metrics.Pruned.WithLabelValues(reason).Inc()
		e.links.Drop(c.PeerID)
		dropped = append(dropped, c.PeerID)
	}
	return dropped
}

func (e *Engine) expired(c *registry.Connection, now time.Time) string {
	switch c.State {
	case registry.Pending:
		if now.Sub(c.CreatedAt) > e.opts.ConnTimeout {
			return "pending-timeout"
		}
	case registry.Open:
		if e.hubs.IsHub(c.PeerID) {
			return ""
		}
		if now.Sub(c.LastLivenessAt) > e.opts.PingTimeout {
			return "liveness"
		}
	}
	return ""
}

// Gossip sends a PING followed by the first GossipSize known ids to every
// open link. It returns how many links were gossiped to.
func (e *Engine) Gossip() int {
	ids := e.st.Conns.IDs()
	if len(ids) == 0 {
		return 0
	}
	if len(ids) > e.opts.GossipSize {
		ids = ids[:e.opts.GossipSize]
	}
	ping, ex := wire.Ping(), wire.PeerEx(ids)

	n := 0
	for _, c := range e.st.Conns.Snapshot() {
		if !c.IsOpen() {
			continue
		}
		if err := e.links.Send(c.PeerID, ping); err != nil {
			e.logger.Debug("Gossip ping failed", zap.String("peer", c.PeerID), zap.Error(err))
			continue
		}
		if err := e.links.Send(c.PeerID, ex); err != nil {
			e.logger.Debug("Gossip peer list failed", zap.String("peer", c.PeerID), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		e.metrics.GossipRounds.Inc()
	}
	return n
}
