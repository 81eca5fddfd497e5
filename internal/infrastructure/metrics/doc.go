// Package metrics exposes Prometheus metrics for the link service.
//
// Metrics live on a private registry, so tests can create as many Metrics
// values as they like. Handler serves the registry in the exposition
// format; the API mounts it at the configured path.
//
// Metrics implements the observer hooks of the demultiplexer and the
// correlation engine, and the link recorder interface for reachability.
package metrics
