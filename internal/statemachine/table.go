package statemachine

// transitions maps {current, event} to the next state. ErrorFixed is
// resolved separately because its target is the state held before Error.
var transitions = map[State]map[Event]State{
	StateStartup: {
		EventStartupDone: StateIdle,
		EventShutdown:    StateShutdown,
		EventError:       StateError,
	},
	StateIdle: {
		EventInitialize: StateInitializing,
		EventShutdown:   StateShutdown,
		EventError:      StateError,
	},
	StateInitializing: {
		EventInitDone: StateReady,
		EventStop:     StateIdle,
		EventError:    StateError,
	},
	StateReady: {
		EventStart: StateRunning,
		EventStop:  StateIdle,
		EventError: StateError,
	},
	StateRunning: {
		EventStop:  StateIdle,
		EventError: StateError,
	},
	StateError: {
		EventRestart:  StateStartup,
		EventShutdown: StateShutdown,
	},
	StateShutdown: {},
}

// Next returns the state reached from current on ev, or false if ev is not
// valid there. beforeError is the target of ErrorFixed.
func Next(current State, ev Event, beforeError State) (State, bool) {
	if current == StateError && ev == EventErrorFixed {
		return beforeError, true
	}
	to, ok := transitions[current][ev]
	return to, ok
}

func isCleanup(from, to State) bool {
	return (from == StateIdle || from == StateError) && (to == StateStartup || to == StateShutdown)
}
