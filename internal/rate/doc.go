// Package rate is the Redis fixed-window limiter that caps how many test
// accounts may be provisioned per IdP environment, so a burst of callers
// cannot drive the IdP into its flooding protection.
//
// # Window semantics
//
// INCR + EXPIRE on first hit, keyed <prefix>:provision:<env>. A limit of
// zero disables the limiter.
//
// # What this package must NOT do
//
//   - Decide what happens to a refused caller; that is the engine's policy.
package rate
