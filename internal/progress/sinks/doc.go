// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors and terminal-state notifications over a publisher.
// Each sink satisfies the progress.Sink interface and is safe for repeated
// Consume/Close cycles.
package sinks
