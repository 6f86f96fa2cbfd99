// Package master implements the timing master and its client.
//
// The Master runs on the authority participant. Clients announce their
// steps while the master collects; on Start the master builds a schedule
// (cycle = gcd of all step cycle times, length = lcm / gcd) and drives global
// cycles:
//
//	tick(0) → acks → advance → tick(C) → acks → advance → tick(2C) → ...
//
// Each tick goes to the participants with a step due at that time. Cycle n+1
// never starts before every ack of cycle n arrived or timed out; a client
// that misses the ack timeout is dropped from that cycle's wait set and an
// incident is reported.
//
// How the master advances is set by the TriggerMode: as fast as possible,
// paced by wall time, gated by an external time source, or one cycle per
// Trigger call.
//
// The Client runs on every other participant. It applies each tick to its
// follower clock, runs one scheduler cycle on its worker goroutine and acks.
package master
