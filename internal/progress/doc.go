// Package progress carries extraction lifecycle events from the supervisor to
// pluggable sinks. The Hub batches events on a background goroutine so that
// emitting never blocks or fails a state transition.
package progress
