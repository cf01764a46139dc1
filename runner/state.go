package runner

// State is the phase of the round-drive loop.
type State int32

const (
	Idle State = iota
	CatchingUp
	Proposing
	AwaitingQuorum
	Advancing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CatchingUp:
		return "catching-up"
	case Proposing:
		return "proposing"
	case AwaitingQuorum:
		return "awaiting-quorum"
	case Advancing:
		return "advancing"
	default:
		return "unknown"
	}
}
