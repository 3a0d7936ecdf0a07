// Package otel publishes engine counters and the provisioning wait histogram
// as OpenTelemetry observable instruments.
//
// [NewOTelExporter] registers one Int64ObservableCounter per counter. Each
// histogram becomes a <name>_bucket gauge with one data point per "le"
// attribute and a <name>_count gauge. A single callback reads
// [testuser.Engine.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate engine state.
package otel
