// Package state holds the process-scoped context shared by overlay components.
package state

import (
	"github.com/renzhidao/m2/internal/registry"
)

// Role represents whether this node currently acts as a hub.
type Role int

const (
	RoleNormal Role = iota
	RoleHub
)

func (r Role) String() string {
	switch r {
	case RoleHub:
		return "hub"
	default:
		return "normal"
	}
}

// PresenceStatus mirrors the presence session status for readers outside
// the presence component.
type PresenceStatus int

const (
	PresenceOffline PresenceStatus = iota
	PresenceConnecting
	PresenceOnline
	PresenceFailed
	PresenceLost
)

func (s PresenceStatus) String() string {
	switch s {
	case PresenceOffline:
		return "offline"
	case PresenceConnecting:
		return "connecting"
	case PresenceOnline:
		return "online"
	case PresenceFailed:
		return "failed"
	case PresenceLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Self is this node's identity.
type Self struct {
	ID   string
	Name string

	hubIndex int
	hubID    string
}

// NewSelf creates a non-hub identity.
func NewSelf(id, name string) *Self {
	return &Self{ID: id, Name: name, hubIndex: -1}
}

// IsHub reports whether the node currently holds a hub slot.
func (s *Self) IsHub() bool { return s.hubIndex >= 0 }

// HubIndex returns the held hub slot, or -1.
func (s *Self) HubIndex() int { return s.hubIndex }

// Role returns the current role.
func (s *Self) Role() Role {
	if s.IsHub() {
		return RoleHub
	}
	return RoleNormal
}

// Promote takes hub slot index, reachable under hubID.
func (s *Self) Promote(index int, hubID string) {
	s.hubIndex = index
	s.hubID = hubID
}

// Demote gives up the hub slot.
func (s *Self) Demote() {
	s.hubIndex = -1
	s.hubID = ""
}

// TransportID is the identity the transport binds: the hub identity while
// holding a slot, the node's own id otherwise.
func (s *Self) TransportID() string {
	if s.IsHub() {
		return s.hubID
	}
	return s.ID
}

// IsSelf reports whether id names this node under either identity.
func (s *Self) IsSelf(id string) bool {
	return id == s.ID || (s.hubID != "" && id == s.hubID)
}

// State is passed by reference to every component at construction.
// Conns is written only by the transport manager; Presence only by the
// presence channel.
type State struct {
	Self     *Self
	Conns    *registry.Registry
	Presence PresenceStatus
}

// New creates the shared context for a node.
func New(self *Self) *State {
	return &State{
		Self:  self,
		Conns: registry.New(),
	}
}
