package storage

// Package storage is the durable coordination point of the reminder
// engine. All correctness-critical state transitions live here:
//
//   - the registration+obligation transaction (a registration never
//     exists without its materialized reminders, and vice versa)
//   - the atomic claim (pending -> sent, conditioned on the owning
//     registration and event still being live)
//   - cancellation propagation (pending -> suppressed)
//   - the due-obligation selection query
//   - the terminal-outcome audit trail
//
// Multiple dispatcher processes may share one store; nothing in the
// engine relies on in-process locks.
