// Package harness runs timing scenarios against real participants.
//
// A scenario wires a set of participants onto one in-process bus, drives them
// through a flow of steps and checks the outcome with assertions.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: two_clients
//	description: "Master ticks two clients with different step periods"
//	participants:
//	  - name: master
//	    config:
//	      clock.main_clock: timing_master
//	      timing.cycles: "4"
//	  - name: sim
//	    config:
//	      timing.master: master
//	      scheduler.jobs.fast.cycle_time_us: "10000"
//	flow:
//	  - start: sim
//	  - wait: { participant: sim, state: Running }
//	  - start: master
//	  - done: master
//	assertions:
//	  - type: invocations
//	    participant: sim
//	    job: fast
//	    count: 5
//
// Participants start with auto start unless auto_start is false, in which
// case the flow drives them with raise or control steps.
//
// # Flow Steps
//
// Each step sets exactly one of:
//
//   - start: runs a participant
//   - wait: blocks until a participant reaches a state
//   - done: blocks until a timing master has finished its configured cycles
//   - raise: raises an event on a participant's state machine
//   - control: sends a control event over the bus from one participant
//   - trigger: runs one manual master cycle
//   - set: changes a configuration value of a participant
//
// # Assertion Types
//
//   - state: the participant's state when the flow ended
//   - clock_time: the participant's simulation time when the flow ended
//   - cycles: the number of cycles a timing master advanced
//   - invocations: the number of traced invocations of a job
//   - trace_contains: an invocation of a job (or a master cycle) at a time
//   - incident_count: the number of incidents with a given code
//   - stored_invocations: the number of invocations persisted to the store
//
// # Deterministic Traces
//
// The trace holds job invocations and master cycles. It leaves out wall
// clock measurements and is sorted by simulation time, so runs of a master
// driven scenario produce identical traces. RunWithGolden compares them with
// testdata/golden/<name>.golden.
//
// Every scenario runs with a fresh in-memory SQLite store shared by its
// participants.
package harness
