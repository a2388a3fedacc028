// Package engine orchestrates pipeline runs.
//
// One goroutine owns each run. It computes the ready set, dispatches steps
// to worker goroutines up to a concurrency limit, applies their results and
// propagates failures to downstream steps. Every transition produces a
// pipeline.Progress snapshot and an event. The run's terminal status is set
// exactly once, after all in-flight work has drained.
//
// Cancellation is cooperative: closing the cancel channel stops further
// dispatch but lets running steps finish. Cancelling the context passed to
// Execute additionally cancels in-flight provider calls.
package engine
