// Package agent is the thinking half of the gateway. A fixed pool of
// consumers pulls envelopes off the message bus, records the inbound turn,
// assembles context (identity, recalled memories, recent history under a
// token budget), and drives the model through a bounded tool loop before
// handing the reply to the dispatcher.
//
// The bus serializes work per conversation key, so within one conversation
// the loop always sees messages in order and never concurrently. Model
// failures are retried with backoff and, when exhausted, surface to the
// sender as a visible error rather than a dropped message. The model may
// answer with a reply-suppression sentinel for messages that need no
// response, which matters in group chats where the agent reads everything
// but should speak rarely.
package agent
