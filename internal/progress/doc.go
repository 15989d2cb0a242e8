// Package progress provides the run lifecycle events, a non-blocking batching
// hub and the emitter interface used by the worker and coordinator. Events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// Prometheus metrics, run history storage, notifications and reports.
package progress
