// Package clocksync keeps slave clocks aligned with a master participant's
// clock over a transport.
//
// The master runs a Server next to its clock.Service. Slaves use a Caller to
// issue time requests and registrations as request/response pairs over the
// fire-and-forget transport. Every call has its own timeout; a lost request
// or reply surfaces as a TIMEOUT error, never as a hang.
//
// ContinuousSlave polls the master on its own goroutine and publishes a
// time model through an atomic pointer, so Time never blocks on the network.
// DiscreteSlave follows the master's update and reset events and never runs
// ahead of the master.
package clocksync
