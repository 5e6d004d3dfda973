package repeated

import "fmt"

// State is the lifecycle state of a Task.
//
// Transitions: NotStarted -> Running -> Stopping -> Stopped.
// Stopped is terminal.
type State int32

const (
	NotStarted State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// illegalReason completes "repeated task <name> ..." for a call made in state s.
func illegalReason(s State) string {
	switch s {
	case NotStarted:
		return "not started yet"
	case Running, Stopping:
		return "already started"
	case Stopped:
		return "already stopped"
	default:
		return "in unknown state " + s.String()
	}
}
