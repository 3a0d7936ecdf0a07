// Package store is the Redis-backed account store for disposable test
// accounts: one hash per email, a staging and a valid index scored by
// expiry, the email sequence counter, the inbound mail and outbound expired
// queues, and the per-email event stream.
//
// # Design
//
// Every multi-step mutation runs as one atomic unit: Lua scripts for
// stage, promote, field attachment and extension, and a WATCH/MULTI retry
// loop for reclamation. An email is present in at most one index at a time.
//
// # What this package must NOT do
//
//   - Talk to the IdP or interpret the opaque session context.
//   - Import the root package or any sibling internal package.
//   - Log credentials.
package store
