package sweeper

// State is the controller's lifecycle phase. Transitions are linear per sweep:
// Idle -> Acquiring -> Draining -> Releasing -> Idle, with Aborting replacing
// Draining when a cancellation lands mid-sweep.
type State string

// Controller states.
const (
	StateIdle      State = "idle"
	StateAcquiring State = "acquiring"
	StateDraining  State = "draining"
	StateAborting  State = "aborting"
	StateReleasing State = "releasing"
)
