// Package engine runs queued activities. Workers claim pending tasks from
// the store, run them through the pipeline with a bounded deadline, and
// record the published output or a diagnostic. Log lines are persisted and
// broadcast to live subscribers as they are produced.
package engine
