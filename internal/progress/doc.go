// Package progress is the write path from fetchers back into job state.
//
// Recorder applies progress and terminal outcomes to the job record store
// with conditional writes, so calls that arrive after a job reached a
// terminal status are silently discarded. Every applied write is also
// emitted as an Event on a non-blocking Hub that batches events on a
// background goroutine and fans them out to observability sinks such as
// logs, Prometheus metrics and Pub/Sub notifications.
package progress
