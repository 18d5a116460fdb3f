// Package presence keeps a session to an external pub/sub broker used for
// out-of-band peer discovery and hub heartbeats.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/renzhidao/m2/internal/loop"
	"github.com/renzhidao/m2/internal/metrics"
	"github.com/renzhidao/m2/internal/state"
)

// TypeHubPulse marks announcements published by hubs.
const TypeHubPulse = "HUB_PULSE"

// Options configures broker routing and announcement cadence.
type Options struct {
	Broker         string
	Port           int
	Path           string
	ProxyHost      string
	ProxyPort      int
	Topic          string
	DirectTimeout  time.Duration
	ProxyTimeout   time.Duration
	DirectInterval time.Duration
	ProxyInterval  time.Duration
	StaleAfter     time.Duration
	RetryDelay     time.Duration

	PulseConnectBelow    int
	PresenceConnectBelow int
}

// DirectURL is the broker endpoint used while no attempt has failed.
func (o Options) DirectURL() string {
	return fmt.Sprintf("wss://%s:%d%s", o.Broker, o.Port, o.Path)
}

// ProxyURL reaches the broker through the proxy, with the original
// destination carried in the path.
func (o Options) ProxyURL() string {
	if o.ProxyHost == "" {
		return o.DirectURL()
	}
	return fmt.Sprintf("wss://%s:%d/https://%s:%d%s", o.ProxyHost, o.ProxyPort, o.Broker, o.Port, o.Path)
}

// Hubs is the hub directory surface presence events drive.
type Hubs interface {
	RecordPulse(index int, at time.Time)
	Patrol()
	Resign()
}

// Connector opens overlay links.
type Connector interface {
	ConnectTo(id string)
}

// Announcement is the presence payload. Hubs set Type and HubIndex.
type Announcement struct {
	Type     string `json:"type,omitempty"`
	ID       string `json:"id"`
	HubIndex *int   `json:"hubIndex,omitempty"`
	TS       int64  `json:"ts"`
}

// Channel runs the presence session state machine on the loop.
type Channel struct {
	st      *state.State
	sched   loop.Scheduler
	dialer  Dialer
	hubs    Hubs
	conn    Connector
	clock   func() time.Time
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger

	failures int
	proxied  bool
	session  Session
	announce loop.Task
	retry    loop.Task
	epoch    int
	onChange func(state.PresenceStatus)
}

// NewChannel creates a Channel. clock supplies announcement timestamps and
// may be nil to use the scheduler's clock.
func NewChannel(st *state.State, sched loop.Scheduler, dialer Dialer, hubs Hubs, conn Connector, clock func() time.Time, opts Options, m *metrics.Metrics, logger *zap.Logger) *Channel {
	if clock == nil {
		clock = sched.Now
	}
	return &Channel{
		st:      st,
		sched:   sched,
		dialer:  dialer,
		hubs:    hubs,
		conn:    conn,
		clock:   clock,
		opts:    opts,
		metrics: m,
		logger:  logger,
	}
}

// SetOnChange registers a status observer.
func (c *Channel) SetOnChange(fn func(state.PresenceStatus)) { c.onChange = fn }

// Status returns the session status.
func (c *Channel) Status() state.PresenceStatus { return c.st.Presence }

// FailureCount returns consecutive failed or lost attempts.
func (c *Channel) FailureCount() int { return c.failures }

// Proxied reports whether the current attempt goes through the proxy.
func (c *Channel) Proxied() bool { return c.proxied }

// Start begins connecting unless an attempt is live.
func (c *Channel) Start() {
	switch c.st.Presence {
	case state.PresenceConnecting, state.PresenceOnline:
		return
	}
	if c.retry != nil {
		c.retry.Cancel()
		c.retry = nil
	}
	c.attempt()
}

// Stop closes the session and cancels every timer. Safe to call repeatedly.
func (c *Channel) Stop() {
	c.epoch++
	if c.retry != nil {
		c.retry.Cancel()
		c.retry = nil
	}
	c.stopAnnouncing()
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	c.setStatus(state.PresenceOffline)
}

func (c *Channel) attempt() {
	c.epoch++
	epoch := c.epoch
	c.proxied = c.failures > 0

	target, timeout := c.opts.DirectURL(), c.opts.DirectTimeout
	if c.proxied {
		target, timeout = c.opts.ProxyURL(), c.opts.ProxyTimeout
		c.logger.Info("Presence direct route failed, using proxy", zap.Int("failures", c.failures))
	}
	clientID := fmt.Sprintf("presence_%s_%s", c.st.Self.ID, uuid.NewString()[:4])
	c.setStatus(state.PresenceConnecting)
	c.logger.Info("Connecting to presence broker", zap.String("url", target), zap.Bool("proxied", c.proxied))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s, err := c.dialer.Dial(ctx, target, clientID)
		c.sched.Post(func() {
			if epoch != c.epoch {
				if s != nil {
					s.Close()
				}
				return
			}
			if err != nil {
				c.fail(state.PresenceFailed, err)
				return
			}
			c.connected(epoch, s)
		})
	}()
}

func (c *Channel) connected(epoch int, s Session) {
	if err := s.Subscribe(c.opts.Topic); err != nil {
		s.Close()
		c.fail(state.PresenceFailed, fmt.Errorf("subscribe: %w", err))
		return
	}
	c.session = s
	c.failures = 0
	c.setStatus(state.PresenceOnline)
	c.logger.Info("Presence broker online", zap.Bool("proxied", c.proxied))

	if c.st.Self.IsHub() && !c.proxied {
		c.hubs.Resign()
	} else {
		c.hubs.Patrol()
	}

	c.sendAnnouncement()
	interval := c.opts.DirectInterval
	if c.proxied {
		interval = c.opts.ProxyInterval
	}
	c.stopAnnouncing()
	c.announce = c.sched.Every(interval, c.sendAnnouncement)

	go func() {
		for payload := range s.Messages() {
			payload := payload
			c.sched.Post(func() {
				if epoch == c.epoch {
					c.onMessage(payload)
				}
			})
		}
		c.sched.Post(func() {
			if epoch == c.epoch {
				c.fail(state.PresenceLost, s.Err())
			}
		})
	}()
}

// fail records a failed or lost attempt and schedules the next one.
func (c *Channel) fail(status state.PresenceStatus, err error) {
	c.epoch++
	epoch := c.epoch
	c.stopAnnouncing()
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	c.failures++
	c.metrics.PresenceFailures.Inc()
	c.setStatus(status)
	c.logger.Warn("Presence session down",
		zap.String("status", status.String()),
		zap.Int("failures", c.failures),
		zap.Error(err),
	)

	c.retry = c.sched.After(c.opts.RetryDelay, func() {
		c.retry = nil
		if epoch != c.epoch {
			return
		}
		c.attempt()
	})
}

func (c *Channel) stopAnnouncing() {
	if c.announce != nil {
		c.announce.Cancel()
		c.announce = nil
	}
}

func (c *Channel) sendAnnouncement() {
	if c.session == nil {
		return
	}
	a := Announcement{ID: c.st.Self.ID, TS: c.clock().UnixMilli()}
	if c.st.Self.IsHub() {
		idx := c.st.Self.HubIndex()
		a.Type = TypeHubPulse
		a.ID = c.st.Self.TransportID()
		a.HubIndex = &idx
	}
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := c.session.Publish(c.opts.Topic, data); err != nil {
		c.logger.Debug("Announcement publish failed", zap.Error(err))
	}
}

func (c *Channel) onMessage(payload []byte) {
	var a Announcement
	if err := json.Unmarshal(payload, &a); err != nil || a.ID == "" {
		c.metrics.PresenceDropped.Inc()
		return
	}
	age := c.clock().Sub(time.UnixMilli(a.TS))
	if age < 0 {
		age = -age
	}
	if age > c.opts.StaleAfter {
		c.metrics.PresenceDropped.Inc()
		return
	}

	open := c.st.Conns.OpenCount()
	if a.Type == TypeHubPulse {
		if a.HubIndex == nil {
			c.metrics.PresenceDropped.Inc()
			return
		}
		c.metrics.HubPulses.Inc()
		c.hubs.RecordPulse(*a.HubIndex, c.sched.Now())
		if !c.st.Conns.Has(a.ID) && open < c.opts.PulseConnectBelow {
			c.conn.ConnectTo(a.ID)
		}
		return
	}

	if c.st.Self.IsSelf(a.ID) {
		return
	}
	if !c.st.Conns.Has(a.ID) && open < c.opts.PresenceConnectBelow {
		c.conn.ConnectTo(a.ID)
	}
}

func (c *Channel) setStatus(s state.PresenceStatus) {
	if c.st.Presence == s {
		return
	}
	c.st.Presence = s
	c.metrics.PresenceStatus.Set(float64(s))
	if c.onChange != nil {
		c.onChange(s)
	}
}
