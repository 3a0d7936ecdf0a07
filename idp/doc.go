// Package idp implements the client role of the remote identity provider's
// web API ("wsapi"): session bootstrap, CSRF handling, cookie-jar
// propagation, user staging, authentication, key certification, account
// creation completion and account cancellation.
//
// # Design
//
// A [SessionContext] is a plain value owned by the caller and threaded
// through every call. The [Client] itself is stateless apart from its
// configured [Environment] and HTTP transport, so one Client may be shared
// by any number of goroutines as long as each goroutine threads its own
// SessionContext.
//
// Every POST carries the most recent CSRF token of its session. When none is
// cached the client performs a session_context GET first. A POST answered
// with 403 while using a cached token triggers a single refetch and replay.
// No other request is retried.
//
// Responses are classified by status: 200 is success, 429 wraps
// [ErrFlooding], anything else is a [*ProtocolError].
//
// # What this package must NOT do
//
//   - Touch the account store or any queue.
//   - Log passwords, CSRF tokens or cookie values.
package idp
