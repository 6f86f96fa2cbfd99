// Package participant wires every timing component of one participant and
// binds them to its lifecycle state machine.
//
// # Architecture
//
// A Participant owns:
//   - the state machine and its event thread
//   - the clock service, with the built-in clocks plus the slave, master or
//     timing-client clock its configuration asks for
//   - a clock sync server answering other participants' time requests
//   - the scheduler holding its jobs
//   - a timing master or a timing client, depending on its role
//
// # Lifecycle binding
//
//	Startup       configure clocks and standalone mode, register configured
//	              jobs, post StartupDone
//	Initializing  master: collect registrations; client: register steps
//	              with the master; then post InitDone
//	Running       start the clock, then the master, client or local driver
//	leave Running stop them again
//	Shutdown      release transport handlers and the store recorder
//
// # Critical Patterns
//
// Listeners run on the event thread and never raise events synchronously;
// they Post. Blocking work (registering with a remote master) runs on its
// own goroutine and posts the outcome.
//
// A job whose runtime violation strategy is set_error_state posts Error from
// the scheduler goroutine; leaving Running then stops that goroutine from
// the event thread.
package participant
