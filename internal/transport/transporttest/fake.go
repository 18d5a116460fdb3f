// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/renzhidao/m2/internal/transport"
	"github.com/renzhidao/m2/internal/wire"
)

// Link is a scripted link. Tests drive its events with Ready, Deliver and
// Hangup, and inspect what the node sent with Sent.
type Link struct {
	peer   string
	events chan transport.LinkEvent

	mu     sync.Mutex
	sent   []wire.Envelope
	closed bool
}

func newLink(peer string) *Link {
	return &Link{peer: peer, events: make(chan transport.LinkEvent, 64)}
}

func (l *Link) PeerID() string { return l.peer }

func (l *Link) Events() <-chan transport.LinkEvent { return l.events }

func (l *Link) Send(e wire.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return transport.ErrNotConnected
	}
	l.sent = append(l.sent, e)
	return nil
}

// Close ends the link with a nil error.
func (l *Link) Close() error {
	l.Hangup(nil)
	return nil
}

// Ready marks the link usable.
func (l *Link) Ready() { l.emit(transport.LinkEvent{Type: transport.EventReady}) }

// Deliver injects an inbound frame.
func (l *Link) Deliver(e wire.Envelope) { l.emit(transport.LinkEvent{Type: transport.EventData, Msg: e}) }

// Hangup closes the link from the remote side.
func (l *Link) Hangup(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.events <- transport.LinkEvent{Type: transport.EventClosed, Err: err}
	close(l.events)
}

func (l *Link) emit(ev transport.LinkEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.events <- ev
	}
}

// Sent returns a copy of every frame sent on the link.
func (l *Link) Sent() []wire.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]wire.Envelope(nil), l.sent...)
}

// SentKinds returns the kinds of the frames sent on the link, in order.
func (l *Link) SentKinds() []wire.Kind {
	sent := l.Sent()
	kinds := make([]wire.Kind, len(sent))
	for i, e := range sent {
		kinds[i] = e.Kind
	}
	return kinds
}

// Closed reports whether the link was closed by either side.
func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Endpoint is a bound fake identity.
type Endpoint struct {
	id     string
	accept chan transport.Link
	errs   chan error

	mu           sync.Mutex
	dialed       map[string]*Link
	order        []string
	closed       bool
	reconnects   int
	ReconnectErr error
}

func newEndpoint(id string) *Endpoint {
	return &Endpoint{
		id:     id,
		accept: make(chan transport.Link, 16),
		errs:   make(chan error, 16),
		dialed: make(map[string]*Link),
	}
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) Accept() <-chan transport.Link { return e.accept }

func (e *Endpoint) Errors() <-chan error { return e.errs }

func (e *Endpoint) Dial(peerID string) (transport.Link, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, transport.ErrNotConnected
	}
	l := newLink(peerID)
	e.dialed[peerID] = l
	e.order = append(e.order, peerID)
	return l, nil
}

func (e *Endpoint) Reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconnects++
	return e.ReconnectErr
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.accept)
	close(e.errs)
	return nil
}

// Inbound simulates a remote peer opening a link to this endpoint.
func (e *Endpoint) Inbound(peerID string) *Link {
	l := newLink(peerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.accept <- l
	}
	return l
}

// Fail reports an endpoint-level error.
func (e *Endpoint) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.errs <- err
	}
}

// Dialed returns the link last dialed to peerID.
func (e *Endpoint) Dialed(peerID string) *Link {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dialed[peerID]
}

// DialOrder lists dialed peers in order, repeats included.
func (e *Endpoint) DialOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

// Reconnects counts Reconnect calls.
func (e *Endpoint) Reconnects() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconnects
}

// IsClosed reports whether Close was called.
func (e *Endpoint) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Transport hands out fake endpoints and records every bind.
type Transport struct {
	mu        sync.Mutex
	bindErr   error
	binds     []string
	endpoints []*Endpoint
}

// New creates a Transport whose binds succeed.
func New() *Transport { return &Transport{} }

// FailBinds makes subsequent binds return err; nil restores success.
func (t *Transport) FailBinds(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindErr = err
}

func (t *Transport) Bind(_ context.Context, id string) (transport.Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.binds = append(t.binds, id)
	if t.bindErr != nil {
		return nil, t.bindErr
	}
	ep := newEndpoint(id)
	t.endpoints = append(t.endpoints, ep)
	return ep, nil
}

// Binds lists every identity a bind was attempted for.
func (t *Transport) Binds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.binds...)
}

// Last returns the most recently bound endpoint, or nil.
func (t *Transport) Last() *Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.endpoints) == 0 {
		return nil
	}
	return t.endpoints[len(t.endpoints)-1]
}
