// Package statemachine implements the participant state machine.
//
// STATES AND EVENTS:
//
//	Startup --StartupDone--> Idle --Initialize--> Initializing --InitDone--> Ready --Start--> Running
//	Initializing, Ready, Running --Stop--> Idle
//	any state but Shutdown --Error--> Error --ErrorFixed--> (state before the error)
//	Error --Restart--> Startup
//	Startup, Idle, Error --Shutdown--> Shutdown
//
// An event that is not valid in the current state is Ignored. Ignored is not
// an error; it is the designed answer to stale or out-of-order requests.
//
// THREADS:
//
// Transitions are serialized. RaiseEvent runs a transition on the caller's
// goroutine; Post queues an event for the event thread started by Run.
// Listeners and job callbacks must use Post: calling RaiseEvent from inside
// a listener deadlocks. Remote control events always go through the queue.
//
// LISTENERS:
//
// Guards run first and may veto. Exit listeners of the old state run next,
// then cleanup hooks (Idle/Error to Startup/Shutdown), then entry listeners
// of the new state, all in registration order. A failing or panicking
// listener is reported as an incident and the transition continues. The new
// state becomes visible to GetState and WaitForState only after every entry
// listener returned.
package statemachine
