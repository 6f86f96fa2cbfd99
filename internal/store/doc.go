// Package store provides SQLite-backed durable storage for participant runs.
//
// The store is an append-only log of three record kinds:
//   - Incidents: every incident reported by a participant
//   - Job invocations: one row per scheduler callback, with runtime and
//     violation flags
//   - Master cycles: one row per timing-master cycle, with the acked and
//     timed-out clients
//
// # Critical Patterns
//
// Ordering: incidents and invocations are ordered by seq, the insertion
// counter. Wall timestamps are informational only.
//
// Restarts: a master numbers its cycles from 1 every time it is started, so
// cycle numbers repeat across restarts. Cycles are read back in seq order.
//
// Writes off the hot path: Recorder queues records and writes them from one
// goroutine. Scheduler and master callbacks never wait on SQLite.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - user_version: number of applied migrations
package store
