// Package scheduler runs registered periodic jobs at simulated cycle
// boundaries.
//
// ARCHITECTURE:
//
// A Scheduler owns a registry of jobs, each with a StepConfig. Once
// activated, every call to RunCycle(now) invokes the jobs whose due time is
// <= now. Due times start at 0 and advance by the job's cycle time, so a job
// with cycle C on a clock stepped by C fires at 0, C, 2C, ... Jobs due in the
// same cycle run in due-time order, ties broken by registration order, and
// all observe the same now.
//
// RunCycle is called from one goroutine: either the loop started by Start
// (driven by a StepDriver or PollDriver) or an external trigger such as the
// timing client.
//
// CRITICAL PATTERNS:
//
//  1. The registry lock is held only while the registry is read or mutated,
//     never across a callback.
//  2. Violations are recovered locally. Ignore records, Warn and SkipOutput
//     report an incident, SetErrorState reports, deactivates the scheduler
//     and asks the ErrorRaiser to put the participant into Error. Nothing is
//     returned to callers.
//  3. UnregisterJob waits (bounded) for an in-flight invocation of the job
//     before removing it. Once it returns nil the job never runs again; on
//     TIMEOUT the job is still registered.
package scheduler
