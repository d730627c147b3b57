// Package sinks implements concrete progress consumers: Prometheus
// collectors, structured logging, and an in-memory state snapshot served
// by the ops API. Each sink satisfies the progress.Sink interface and is
// safe for repeated Consume/Close cycles.
package sinks
