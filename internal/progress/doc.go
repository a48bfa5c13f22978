// Package progress carries invocation lifecycle events from the orchestrator
// to pluggable sinks. The Hub batches events on a background goroutine so
// emitters never block on metrics or log I/O.
package progress
