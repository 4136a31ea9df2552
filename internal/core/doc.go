// Package core runs routing jobs: it opens a source through a storage
// backend, streams it through a classify.Classifier into a route.Router,
// and reports the outcome.
//
// # Runs
//
// A run is identified by a uuid and moves through the phases queued,
// opening, routing, and then one of complete, failed, or cancelled.
// [Service.Run] executes synchronously; [Service.StartRun] returns at once
// and the caller polls [Service.GetRunProgress] or blocks in
// [Service.GetRunResult]. A [RunLimiter] bounds the number of runs in
// flight, and every run is bounded by a timeout.
//
// # Failure model
//
// A run either commits every group or fails with exactly one error, the
// first fatal one: an unavailable source, a read or parse failure, or a
// sink failure. Partition cleanup failures are reported per partition in
// the [RunResult] but do not fail the run. [MapError] turns the fatal error
// into a coded [UserMessage].
//
// # History
//
// Finished runs stay queryable in memory for the configured retention.
// A [Recorder] (see package ledger) persists history beyond that.
package core
