// Package schedule runs durable timed jobs for the agent. Jobs are persisted
// through the store and fired as system envelopes on the message bus, so
// reminders survive restarts and anything that came due while the gateway was
// down fires on the next startup. Recurring jobs advance to their next future
// slot after firing; periodic wake jobs are suppressed while their
// conversation already has queued or in-flight work.
package schedule
