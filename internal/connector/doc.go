// Package connector holds the gateway's message surfaces. A Connector turns
// platform traffic into bus envelopes and carries replies back out; the
// Manager supervises each one with a reconnect loop and exponential backoff,
// resetting the delay after a stable run.
//
// Two local surfaces ship in-tree: a synchronous HTTP chat endpoint and a
// WebSocket connector for live bidirectional sessions. Both share the
// gateway's HTTP server and auth middleware, drop platform redeliveries
// through the dedupe cache, and apply mention gating to group traffic.
package connector
