// Package node wires the overlay components together, runs the maintenance
// tick and exposes the controls the CLI and REST API drive.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/renzhidao/m2/internal/config"
	"github.com/renzhidao/m2/internal/gossip"
	"github.com/renzhidao/m2/internal/hub"
	"github.com/renzhidao/m2/internal/loop"
	"github.com/renzhidao/m2/internal/metrics"
	"github.com/renzhidao/m2/internal/presence"
	"github.com/renzhidao/m2/internal/router"
	"github.com/renzhidao/m2/internal/state"
	"github.com/renzhidao/m2/internal/transport"
	"github.com/renzhidao/m2/internal/wire"
)

const (
	historySeed     = 20
	shutdownTimeout = 5 * time.Second
)

// ErrNotRunning is returned by operations that need a running node.
var ErrNotRunning = errors.New("node: not running")

// Store is the message store the node reads and writes.
type Store interface {
	Put(m wire.ChatMessage) (bool, error)
	Recent(n int) ([]wire.ChatMessage, error)
	PublicAfter(ts int64) ([]wire.ChatMessage, error)
	Conversation(peer string, n int) ([]wire.ChatMessage, error)
}

// Deps are the external pieces a Controller runs on. Clock may be nil.
type Deps struct {
	Sched     loop.Scheduler
	Transport transport.Transport
	Dialer    presence.Dialer
	Store     Store
	Metrics   *metrics.Metrics
	Clock     *TimeSync
}

// Controller owns every overlay component. Methods without a context
// argument must run on the loop.
type Controller struct {
	cfg     *config.Config
	sched   loop.Scheduler
	st      *state.State
	store   Store
	metrics *metrics.Metrics
	clock   *TimeSync
	logger  *zap.Logger

	transport *transport.Manager
	hubs      *hub.Directory
	presence  *presence.Channel
	gossip    *gossip.Engine
	router    *router.Router

	phase   Phase
	tick    loop.Task
	initial loop.Task
	ticking bool
	fatal   error
	onFatal func(error)
}

// New builds a Controller and wires its components.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Controller, error) {
	if cfg.Node.ID == "" {
		return nil, errors.New("node: empty node id")
	}
	clock := deps.Clock
	if clock == nil {
		clock = NewTimeSync("", logger)
	}
	st := state.New(state.NewSelf(cfg.Node.ID, cfg.Node.Name))
	c := &Controller{
		cfg:     cfg,
		sched:   deps.Sched,
		st:      st,
		store:   deps.Store,
		metrics: deps.Metrics,
		clock:   clock,
		logger:  logger,
	}

	topts := transport.DefaultOptions()
	topts.MaxPeersHub = cfg.Limits.MaxPeersHub
	topts.MaxPeersNormal = cfg.Limits.MaxPeersNormal
	topts.RestartDelay = cfg.Schedule.RestartDelay
	c.transport = transport.NewManager(st, c.sched, deps.Transport, topts, transport.Collaborators{}, c.metrics, logger.Named("transport"))

	roster := hub.NewRoster(cfg.Hubs.Prefix, cfg.Hubs.Count)
	c.hubs = hub.New(roster, st, c.transport, c.sched, hub.Options{
		StaleAfter:  cfg.Hubs.StaleAfter,
		SettleDelay: cfg.Schedule.ConnTimeout,
	}, logger.Named("hub"))

	r, err := router.New(st, c.transport, c.store, clock.Now, router.DefaultOptions(), c.metrics, logger.Named("router"))
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	c.router = r

	c.transport.SetCollaborators(transport.Collaborators{
		Store:    c.store,
		Router:   c.router,
		Retry:    c.router,
		View:     c,
		Notifier: c,
	})
	c.transport.SetOnReady(c.hubs.Patrol)

	p := cfg.Presence
	c.presence = presence.NewChannel(st, c.sched, deps.Dialer, c.hubs, c.transport, clock.Now, presence.Options{
		Broker:               p.Broker,
		Port:                 p.Port,
		Path:                 p.Path,
		ProxyHost:            p.ProxyHost,
		ProxyPort:            p.ProxyPort,
		Topic:                p.Topic,
		DirectTimeout:        p.DirectTimeout,
		ProxyTimeout:         p.ProxyTimeout,
		DirectInterval:       p.DirectInterval,
		ProxyInterval:        p.ProxyInterval,
		StaleAfter:           p.StaleAfter,
		RetryDelay:           cfg.Schedule.RetryDelay,
		PulseConnectBelow:    cfg.Limits.PulseConnectBelow,
		PresenceConnectBelow: cfg.Limits.PresenceConnectBelow,
	}, c.metrics, logger.Named("presence"))

	c.presence.SetOnChange(func(s state.PresenceStatus) {
		c.logger.Debug("Presence changed", zap.String("status", s.String()))
		c.RenderPeers()
	})
	c.router.SetOnAccept(func(m wire.ChatMessage) {
		c.logger.Info("Message",
			zap.String("id", m.ID),
			zap.String("from", m.SenderID),
			zap.String("target", m.Target),
		)
	})

	c.gossip = gossip.New(st, c.transport, roster, gossip.Options{
		ConnTimeout: cfg.Schedule.ConnTimeout,
		PingTimeout: cfg.Schedule.PingTimeout,
		GossipSize:  cfg.Limits.GossipSize,
	}, c.metrics, logger.Named("gossip"))

	return c, nil
}

// SetOnFatal registers a callback for unrecoverable transport errors.
func (c *Controller) SetOnFatal(fn func(error)) { c.onFatal = fn }

// State exposes the shared node context.
func (c *Controller) State() *state.State { return c.st }

// Phase returns the lifecycle phase.
func (c *Controller) Phase() Phase { return c.phase }

// Start seeds history, brings up transport and presence and schedules the
// maintenance tick and the initial connectivity check.
func (c *Controller) Start() {
	if c.phase != PhaseIdle {
		return
	}
	c.logger.Info("Starting node",
		zap.String("id", c.st.Self.ID),
		zap.String("name", c.st.Self.Name),
		zap.Int("hubs", c.hubs.Roster().Len()),
	)
	if recent, err := c.store.Recent(historySeed); err != nil {
		c.logger.Warn("History load failed", zap.Error(err))
	} else {
		c.router.Seed(recent)
	}

	if i := c.cfg.Node.HubIndex; i >= 0 && i < c.hubs.Roster().Len() {
		c.st.Self.Promote(i, c.hubs.Roster().ID(i))
		c.logger.Info("Starting in hub slot", zap.Int("index", i))
	}

	c.phase = PhaseRunning
	c.transport.Start()
	c.presence.Start()
	c.startTicker()
	c.initial = c.sched.After(c.cfg.Schedule.InitialCheck, func() {
		c.initial = nil
		c.initialCheck()
	})
}

// Shutdown stops every service for good.
func (c *Controller) Shutdown() {
	if c.phase == PhaseStopped {
		return
	}
	c.stopServices()
	c.phase = PhaseStopped
	c.logger.Info("Node stopped")
}

// Suspend stops transport, presence and the tick, keeping state for Resume.
func (c *Controller) Suspend() error {
	if c.phase != PhaseRunning {
		return fmt.Errorf("suspend in phase %s: %w", c.phase, ErrNotRunning)
	}
	c.stopServices()
	c.phase = PhaseSuspended
	c.logger.Info("Node suspended")
	return nil
}

// Resume restarts the services stopped by Suspend and resyncs the clock.
func (c *Controller) Resume() error {
	switch c.phase {
	case PhaseRunning:
		return nil
	case PhaseSuspended:
	default:
		return fmt.Errorf("resume in phase %s: %w", c.phase, ErrNotRunning)
	}
	c.phase = PhaseRunning
	c.startTicker()
	c.transport.Start()
	c.presence.Start()
	go c.clock.Sync(context.Background())
	c.logger.Info("Node resumed")
	return nil
}

func (c *Controller) stopServices() {
	c.stopTicker()
	if c.initial != nil {
		c.initial.Cancel()
		c.initial = nil
	}
	c.transport.Stop()
	c.presence.Stop()
}

func (c *Controller) startTicker() {
	c.stopTicker()
	c.tick = c.sched.Every(c.cfg.Schedule.LoopInterval, c.maintain)
}

func (c *Controller) stopTicker() {
	if c.tick != nil {
		c.tick.Cancel()
		c.tick = nil
	}
}

// maintain is one maintenance tick: prune, gossip, retry, topology, view.
func (c *Controller) maintain() {
	if !c.phase.IsActive() || c.ticking {
		return
	}
	c.ticking = true
	defer func() { c.ticking = false }()
	c.metrics.MaintenanceTicks.Inc()

	if dropped := c.gossip.Prune(c.sched.Now()); len(dropped) > 0 {
		c.logger.Debug("Pruned links", zap.Strings("peers", dropped))
	}
	c.gossip.Gossip()
	c.router.RetryPending()
	c.topology()
	c.RenderPeers()
}

func (c *Controller) topology() {
	if c.st.Self.IsHub() || c.transport.Disabled() {
		return
	}
	if c.st.Presence == state.PresenceOnline {
		c.hubs.Patrol()
		return
	}
	c.hubs.ConnectToAnyHub()
}

func (c *Controller) initialCheck() {
	if !c.phase.IsActive() || c.st.Self.IsHub() || c.st.Conns.Len() > 0 {
		return
	}
	c.topology()
}

// RenderPeers logs the current peer table.
func (c *Controller) RenderPeers() {
	if !c.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	c.logger.Debug("Peers",
		zap.Strings("ids", c.st.Conns.IDs()),
		zap.Int("open", c.st.Conns.OpenCount()),
		zap.String("role", c.st.Self.Role().String()),
	)
}

// Fatal records an unrecoverable transport error.
// A hub slot is given up so presence never pulses for a dead hub.
func (c *Controller) Fatal(err error) {
	c.fatal = err
	c.logger.Error("P2P disabled", zap.Error(err))
	if c.st.Self.IsHub() {
		c.st.Self.Demote()
	}
	if c.onFatal != nil {
		c.onFatal(err)
	}
}

// Run drives a production node on lp until ctx is cancelled. SIGUSR1
// suspends and SIGUSR2 resumes.
func (c *Controller) Run(ctx context.Context, lp *loop.Loop) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- lp.Run(loopCtx) }()

	lp.Post(c.Start)
	go c.clock.Sync(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			var err error
			if sig == syscall.SIGUSR1 {
				err = c.SuspendCtx(ctx)
			} else {
				err = c.ResumeCtx(ctx)
			}
			if err != nil {
				c.logger.Warn("Signal ignored", zap.String("signal", sig.String()), zap.Error(err))
			}
		case <-ctx.Done():
			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			err := lp.Call(shutCtx, c.Shutdown)
			cancel()
			stopLoop()
			<-loopDone
			return err
		}
	}
}
