package node

// Phase is the controller's lifecycle state.
type Phase int32

const (
	// PhaseIdle is the state before Start.
	PhaseIdle Phase = iota
	// PhaseRunning means transport, presence and the maintenance tick are live.
	PhaseRunning
	// PhaseSuspended means every service is stopped but can be resumed
	// without rebuilding the node.
	PhaseSuspended
	// PhaseStopped is terminal.
	PhaseStopped
)

// IsActive reports whether maintenance should run.
func (p Phase) IsActive() bool { return p == PhaseRunning }

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseSuspended:
		return "suspended"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
