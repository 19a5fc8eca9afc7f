// Package dispatch runs the recurring loop that turns due reminder
// obligations into deliveries.
//
// Each tick moves through select -> claim -> deliver -> finalize. The
// claim is an atomic store-level compare-and-set and is the engine's
// exactly-once point: whichever dispatcher instance wins the claim owns
// the send, and a delivery failure after a successful claim is terminal
// for that obligation (never re-queued, to avoid duplicate sends).
//
// Ticks never overlap: if a tick is still running when the next trigger
// fires, the trigger is skipped. Deliveries within one tick run
// concurrently up to a configured limit.
package dispatch
