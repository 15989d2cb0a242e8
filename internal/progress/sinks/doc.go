// Package sinks implements concrete run event consumers: Prometheus metrics,
// run history storage, completion notifications, report archiving and
// structured logging. Each sink satisfies progress.Sink and is safe for
// repeated Consume/Close cycles.
package sinks
