// Package sinks implements progress consumers: structured logs, Prometheus
// collectors and outbound notifications. Each satisfies progress.Sink.
package sinks
