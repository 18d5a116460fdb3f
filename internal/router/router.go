// Package router handles chat payloads: it de-duplicates and stores them,
// floods public messages onward, and queues outbound messages until a peer
// can take them.
package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/renzhidao/m2/internal/metrics"
	"github.com/renzhidao/m2/internal/state"
	"github.com/renzhidao/m2/internal/wire"
)

// ErrEmptyMessage is returned by Send for blank text.
var ErrEmptyMessage = errors.New("router: empty message")

// Links is the transport surface used for delivery.
type Links interface {
	Send(peerID string, e wire.Envelope) error
	Broadcast(e wire.Envelope, skip string) int
}

// Store persists accepted messages.
type Store interface {
	Put(m wire.ChatMessage) (bool, error)
}

// Options sizes the de-duplication cache and the retry queue.
type Options struct {
	SeenSize   int
	MaxPending int
}

// DefaultOptions returns production sizes.
func DefaultOptions() Options {
	return Options{SeenSize: 4096, MaxPending: 256}
}

// Contact is a peer name learned from HELLO or message headers.
type Contact struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"lastSeen"`
}

// Router must be used from the loop.
type Router struct {
	st      *state.State
	links   Links
	store   Store
	clock   func() time.Time
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger

	seen     *lru.Cache
	contacts map[string]Contact
	pending  []wire.ChatMessage
	onAccept func(wire.ChatMessage)
}

// New creates a Router.
func New(st *state.State, links Links, store Store, clock func() time.Time, opts Options, m *metrics.Metrics, logger *zap.Logger) (*Router, error) {
	seen, err := lru.New(opts.SeenSize)
	if err != nil {
		return nil, fmt.Errorf("seen cache: %w", err)
	}
	return &Router{
		st:       st,
		links:    links,
		store:    store,
		clock:    clock,
		opts:     opts,
		metrics:  m,
		logger:   logger,
		seen:     seen,
		contacts: make(map[string]Contact),
	}, nil
}

// SetOnAccept registers a callback for every newly accepted message.
func (r *Router) SetOnAccept(fn func(wire.ChatMessage)) { r.onAccept = fn }

// Seed marks already stored messages as seen so peers replaying them are
// not relayed again.
func (r *Router) Seed(msgs []wire.ChatMessage) {
	for _, m := range msgs {
		r.seen.Add(m.ID, struct{}{})
	}
}

// Contact records a peer's display name.
func (r *Router) Contact(id, name string) {
	if id == "" || r.st.Self.IsSelf(id) {
		return
	}
	c := r.contacts[id]
	c.ID = id
	if name != "" {
		c.Name = name
	}
	c.LastSeen = r.clock()
	r.contacts[id] = c
}

// Contacts lists known peers by id.
func (r *Router) Contacts() []Contact {
	out := make([]Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Incoming handles a live MSG from peer from. Public messages are flooded
// to every other link; private ones are kept if addressed to us and
// forwarded one hop if the target is a direct neighbour.
func (r *Router) Incoming(m wire.ChatMessage, from string) {
	if !r.accept(m) {
		return
	}
	if m.IsPublic() {
		r.links.Broadcast(wire.Msg(m), from)
		return
	}
	if !r.st.Self.IsSelf(m.Target) && r.st.Conns.HasOpen(m.Target) && m.Target != from {
		if err := r.links.Send(m.Target, wire.Msg(m)); err != nil {
			r.logger.Debug("Forward failed", zap.String("target", m.Target), zap.Error(err))
		}
	}
}

// History stores messages replayed by a REP_PUB without relaying them.
func (r *Router) History(msgs []wire.ChatMessage, from string) {
	n := 0
	for _, m := range msgs {
		if m.IsPublic() && r.accept(m) {
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("History synced", zap.String("peer", from), zap.Int("new", n))
	}
}

// accept de-duplicates, records the sender and stores m.
func (r *Router) accept(m wire.ChatMessage) bool {
	if m.ID == "" || m.SenderID == "" {
		return false
	}
	if ok, _ := r.seen.ContainsOrAdd(m.ID, struct{}{}); ok {
		r.metrics.MessagesDuplicate.Inc()
		return false
	}
	r.Contact(m.SenderID, m.SenderName)

	keep := m.IsPublic() || r.st.Self.IsSelf(m.Target) || r.st.Self.IsSelf(m.SenderID)
	if keep {
		stored, err := r.store.Put(m)
		switch {
		case err != nil:
			r.logger.Warn("Store message failed", zap.String("id", m.ID), zap.Error(err))
		case !stored:
			r.metrics.MessagesDuplicate.Inc()
			return false
		}
	}
	r.metrics.MessagesAccepted.Inc()
	if keep && r.onAccept != nil {
		r.onAccept(m)
	}
	return true
}

// Send originates a message. An empty target addresses the public channel.
// Messages no link accepts are queued for RetryPending.
func (r *Router) Send(text, target string) (wire.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return wire.ChatMessage{}, ErrEmptyMessage
	}
	if target == "" {
		target = wire.TargetAll
	}
	m := wire.ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   r.st.Self.ID,
		SenderName: r.st.Self.Name,
		Target:     target,
		Text:       text,
		TS:         r.clock().UnixMilli(),
	}
	r.seen.Add(m.ID, struct{}{})
	if _, err := r.store.Put(m); err != nil {
		return m, fmt.Errorf("store: %w", err)
	}
	if !r.deliver(m) {
		r.enqueue(m)
	}
	return m, nil
}

func (r *Router) deliver(m wire.ChatMessage) bool {
	e := wire.Msg(m)
	if m.IsPublic() {
		return r.links.Broadcast(e, "") > 0
	}
	if r.st.Conns.HasOpen(m.Target) {
		return r.links.Send(m.Target, e) == nil
	}
	return r.links.Broadcast(e, "") > 0
}

func (r *Router) enqueue(m wire.ChatMessage) {
	if len(r.pending) >= r.opts.MaxPending {
		r.logger.Warn("Retry queue full, dropping oldest", zap.String("id", r.pending[0].ID))
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, m)
}

// RetryPending resends queued messages and keeps those still undelivered.
func (r *Router) RetryPending() {
	if len(r.pending) == 0 {
		return
	}
	left := r.pending[:0]
	for _, m := range r.pending {
		if !r.deliver(m) {
			left = append(left, m)
		}
	}
	if sent := len(r.pending) - len(left); sent > 0 {
		r.logger.Info("Flushed queued messages", zap.Int("sent", sent), zap.Int("left", len(left)))
	}
	r.pending = left
}

// Requeue queues messages a link accepted but closed before sending.
func (r *Router) Requeue(msgs []wire.ChatMessage) {
	for _, m := range msgs {
		r.enqueue(m)
	}
}

// Pending counts queued messages.
func (r *Router) Pending() int { return len(r.pending) }
