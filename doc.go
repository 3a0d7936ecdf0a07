// Package testuser provisions short-lived, disposable identity-provider test
// accounts and reclaims them after expiry.
//
// An [Engine] is assembled with a [Builder] around a Redis client. Callers
// ask it for accounts with [Engine.ProvisionVerified] or
// [Engine.ProvisionUnverified]; each call stages a generated account in the
// account store, asks the IdP to create it and waits for the confirmation
// mail, which an external mail daemon pushes onto the inbound queue as
// {"email", "token"}. [Engine.Run] drives the background loops: the
// verification consumer that completes creation, the sweeper that reclaims
// expired accounts, and the cancellation consumer that cancels them at the
// IdP at most once per configured interval.
//
// # Architecture boundaries
//
// testuser is the public surface. The IdP wire protocol lives in package
// idp and assertion signing in package assertion. The account store, the
// lifecycle loops, the waiter table and event dispatch live under internal/
// and are never exported.
//
// # Failure model
//
// Nothing is retried automatically. Provisioning failures surface as
// [ErrTimeout], [ErrFlooding], [*ProtocolError] and the other sentinels in
// errors.go. Background failures are logged and the loops carry on.
package testuser
