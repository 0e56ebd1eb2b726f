package task

// ThreadState describes the scheduling state of a thread.
type ThreadState uint8

const (
	// Ready threads are eligible for selection by any scheduler.
	Ready ThreadState = iota

	// Running threads have their context loaded on exactly one core.
	Running

	// Blocked threads wait for a resource such as a pipe buffer.
	Blocked

	// Waiting threads wait for a signal to be delivered to their process.
	Waiting
)

// String implements fmt.Stringer for ThreadState.
func (s ThreadState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Waiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// IsActive returns true for states that are not parked on a wait.
func (s ThreadState) IsActive() bool {
	return s == Ready || s == Running
}
