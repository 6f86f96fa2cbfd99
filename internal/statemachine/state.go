package statemachine

import (
	"fmt"
	"strings"
)

// State is a participant lifecycle state.
type State int

const (
	StateStartup State = iota
	StateIdle
	StateInitializing
	StateReady
	StateRunning
	StateError
	StateShutdown
)

var stateNames = [...]string{
	StateStartup:      "Startup",
	StateIdle:         "Idle",
	StateInitializing: "Initializing",
	StateReady:        "Ready",
	StateRunning:      "Running",
	StateError:        "Error",
	StateShutdown:     "Shutdown",
}

func (s State) String() string {
	if s.valid() {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) valid() bool {
	return s >= StateStartup && s <= StateShutdown
}

// ParseState parses a state name, ignoring case.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// Event triggers a transition.
type Event int

const (
	EventInitialize Event = iota + 1
	EventInitDone
	EventStart
	EventStop
	EventShutdown
	EventError
	EventErrorFixed
	EventRestart
	EventStartupDone
)

var eventNames = map[Event]string{
	EventInitialize:  "Initialize",
	EventInitDone:    "InitDone",
	EventStart:       "Start",
	EventStop:        "Stop",
	EventShutdown:    "Shutdown",
	EventError:       "Error",
	EventErrorFixed:  "ErrorFixed",
	EventRestart:     "Restart",
	EventStartupDone: "StartupDone",
}

func (e Event) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// ParseEvent parses an event name, ignoring case.
func ParseEvent(name string) (Event, error) {
	for e, n := range eventNames {
		if strings.EqualFold(n, name) {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown event %q", name)
}

// Outcome is the result of raising an event.
type Outcome int

const (
	Accepted Outcome = iota
	Ignored
)

func (o Outcome) String() string {
	if o == Accepted {
		return "accepted"
	}
	return "ignored"
}
