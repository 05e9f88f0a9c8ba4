// Package event implements the in-process pub/sub bus used to decouple
// the Sandbox Manager, Egress Proxy, and Session Orchestrator (§9
// "Graph / cycle avoidance": the Manager holds callbacks to the
// Orchestrator rather than references, and the bus is how container
// lifecycle and approval events reach observers that have no direct
// handle on the component that raised them).
//
// # Architecture
//
// Built on watermill's gochannel for the underlying pub/sub
// infrastructure, but subscriber dispatch is direct function calls so
// published Event.Data values keep their concrete Go type — no
// marshal round-trip is needed between an in-process publisher and
// subscriber.
//
// # Event Types
//
//   - session.created / session.deleted
//   - rule.activated
//   - approval.requested / approval.resolved
//   - proxy_approval.required / proxy_approval.resolved
//   - container.created / container.evicted
package event
