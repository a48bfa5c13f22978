// Package sinks implements progress consumers: structured logging and
// Prometheus collectors for worker invocations.
package sinks
