package bridge

// State is the lifecycle position of a bridged connection.
type State int

const (
	StateSpawning State = iota
	StatePiping
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StatePiping:
		return "piping"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event triggers the transition out of StatePiping. The first event wins;
// later ones are ignored.
type Event int

const (
	// EventProcessExit fires when the child exits, whatever the exit code.
	EventProcessExit Event = iota
	// EventSocketError fires when reading from the client fails.
	EventSocketError
	// EventSocketEnd fires when the client ends its side of the stream.
	EventSocketEnd
	// EventShutdown fires when the bridge is stopping.
	EventShutdown
)

func (e Event) String() string {
	switch e {
	case EventProcessExit:
		return "process exit"
	case EventSocketError:
		return "socket error"
	case EventSocketEnd:
		return "socket end"
	case EventShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// next returns the state reached from s on ev and whether the transition is
// allowed.
func next(s State, ev Event) (State, bool) {
	switch s {
	case StateSpawning:
		// nothing is registered yet; a shutdown simply aborts the spawn
		if ev == EventShutdown {
			return StateClosing, true
		}
	case StatePiping:
		return StateClosing, true
	}
	return s, false
}
