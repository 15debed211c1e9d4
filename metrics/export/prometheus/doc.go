// Package prometheus renders engine metrics for Prometheus scrapes.
//
// [NewPrometheusExporter] accepts an [authcore.Engine] and exposes an
// [http.Handler] that writes every counter and histogram in text
// exposition format. Counter names are prefixed authcore_*_total; the
// single histogram is authcore_verify_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry; callers mount
//     the Handler.
//   - Mutate engine state.
package prometheus
