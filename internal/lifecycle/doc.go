// Package lifecycle runs the three background loops that move test accounts
// through their lives:
//
//   - [Verifier] consumes mail notifications, attaches the token, completes
//     IdP-side creation when asked to, and promotes staging to valid.
//   - [Sweeper] periodically reclaims expired accounts onto the expired queue.
//   - [Canceller] consumes the expired queue and cancels accounts at the IdP,
//     at most once per interval.
//
// # Failure model
//
// No loop ever stops on a per-item failure. Malformed or orphaned items are
// dropped, IdP and store failures are logged, and the loop re-enters its
// blocking wait. Loops return only when their context is done.
//
// # What this package must NOT do
//
//   - Retry IdP calls. Retry is a caller concern.
//   - Hold waiters; outcomes are reported through an [Observer].
package lifecycle
