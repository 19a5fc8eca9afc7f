// Package broadcast delivers one message to many recipients with
// per-recipient failure isolation: one blocked or unreachable recipient
// never aborts delivery to the rest.
//
// Delivery semantics
//
// Send fans a job out over a bounded worker pool, rate limited across
// the whole service so concurrent jobs share the transport's budget. It
// returns a Tally of sent / permanently failed / transiently failed
// recipients. A permanently failed recipient that is tied to a
// registration is retired through the configured OnBlocked hook, since
// it can never receive future obligations either.
//
// The dispatch loop reuses the same single-recipient path (Deliver) so
// both callers share one classification and rate-limit point.
package broadcast
