// Package events carries account lifecycle events (staged, verified,
// reclaimed, cancelled, ...) from the engine and its consumers to sinks,
// asynchronously.
//
// # Components
//
//   - [Sink]: event consumer (per-email Redis stream, channel, JSON lines, fan-out, no-op).
//   - [Dispatcher]: buffered relay with drop-if-full / block-if-full semantics.
//   - [Event]: one lifecycle transition of one email.
//
// # What this package must NOT do
//
//   - Decide which transitions are emitted; the engine and consumers do.
//   - Block a consumer loop when the dispatcher is configured to drop.
package events
