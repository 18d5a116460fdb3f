package transport

import (
	"errors"
)

// Kind classifies transport errors into the recovery policy they drive.
type Kind int

const (
	// KindOther covers anything unclassified; it is logged only.
	KindOther Kind = iota
	// KindPeerUnavailable means a remote identity is momentarily unreachable.
	KindPeerUnavailable
	// KindIncompatible means the host cannot run the transport at all.
	KindIncompatible
	// KindDisconnected means the endpoint lost its session but can reconnect in place.
	KindDisconnected
	// KindNetwork covers connectivity, server and socket failures.
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindPeerUnavailable:
		return "peer-unavailable"
	case KindIncompatible:
		return "incompatible"
	case KindDisconnected:
		return "disconnected"
	case KindNetwork:
		return "network"
	default:
		return "other"
	}
}

var (
	ErrPeerUnavailable = errors.New("peer unavailable")
	ErrIncompatible    = errors.New("transport unsupported on this host")
	ErrDisconnected    = errors.New("transport session disconnected")
	ErrNetwork         = errors.New("network error")

	// ErrNotConnected is returned by Send for peers without an open link.
	ErrNotConnected = errors.New("peer not connected")
)

// Classify maps err onto a Kind by its wrapped sentinel.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindOther
	case errors.Is(err, ErrPeerUnavailable):
		return KindPeerUnavailable
	case errors.Is(err, ErrIncompatible):
		return KindIncompatible
	case errors.Is(err, ErrDisconnected):
		return KindDisconnected
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	default:
		return KindOther
	}
}
