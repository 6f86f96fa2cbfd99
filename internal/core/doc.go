// Package core holds the vocabulary shared by every timing component.
//
// SIMULATION TIME:
//
// SimTime is a signed microsecond count. NotAvailable (-1) marks a clock that
// has not produced a value yet (stopped service, slave before its first
// sample). Components never return an error sentinel disguised as a time.
//
// ERRORS:
//
// Every synchronous failure that crosses a component boundary is an *Error
// carrying one of the codes below. Callers branch with errors.Is against the
// sentinels:
//
//	if errors.Is(err, core.ErrNotFound) { ... }
//
// Local, recoverable conditions (slow job, stale input, missing ack) are
// never returned as errors. They are reported through an IncidentSink.
//
// COLLABORATORS:
//
// IncidentSink and ConfigStore are the two narrow contracts every component
// receives at construction. There is no package-level registry of either.
package core
