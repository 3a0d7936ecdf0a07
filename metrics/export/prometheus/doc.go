// Package prometheus renders engine metrics in Prometheus text exposition
// format.
//
// [NewPrometheusExporter] wraps a [testuser.Engine] and exposes an
// [http.Handler]. Counters are named testuser_*_total; the one histogram is
// testuser_provision_wait_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry. Callers mount the Handler.
//   - Mutate engine state.
package prometheus
