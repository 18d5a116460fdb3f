// Package transport manages point-to-point links between overlay nodes.
package transport

import (
	"context"

	"github.com/renzhidao/m2/internal/registry"
	"github.com/renzhidao/m2/internal/wire"
)

// EventType identifies a link event.
type EventType int

const (
	EventReady EventType = iota
	EventData
	EventClosed
)

// LinkEvent is one inbound event on a link.
type LinkEvent struct {
	Type EventType
	Msg  wire.Envelope
	Err  error
}

// Link is a handle to one point-to-point link. Events delivers Ready once
// the link can carry frames, Data per inbound frame, and Closed last; the
// channel is closed after Closed.
type Link interface {
	registry.Link
	PeerID() string
	Events() <-chan LinkEvent
}

// Endpoint is a bound transport identity.
type Endpoint interface {
	// ID returns the bound identity.
	ID() string
	// Dial starts opening a link to peerID. It returns without waiting for
	// the remote; readiness or failure arrives on the link's events.
	Dial(peerID string) (Link, error)
	// Accept delivers inbound links. Closed by Close.
	Accept() <-chan Link
	// Errors delivers endpoint-level errors. Closed by Close.
	Errors() <-chan error
	// Reconnect re-establishes a disconnected session in place.
	Reconnect() error
	// Close tears down the endpoint and every link it owns.
	Close() error
}

// Transport binds identities to endpoints.
type Transport interface {
	Bind(ctx context.Context, id string) (Endpoint, error)
}
