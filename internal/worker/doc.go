// Package worker implements the gateway's decoupled execution mode. The
// pool spawns a fixed number of worker processes and talks to them over
// newline-delimited JSON on stdin/stdout. Each task carries its full
// context snapshot, so workers stay stateless; side effects (proactive
// pushes, scheduler operations) come back in the result for the gateway to
// apply.
//
// Tasks for the same conversation key always route to the same slot, which
// preserves per-conversation ordering across process boundaries. A worker
// that misses its deadline is presumed hung, killed, and replaced; a slot
// that keeps dying burns through its restart budget and is taken out of
// service rather than flapping forever.
package worker
