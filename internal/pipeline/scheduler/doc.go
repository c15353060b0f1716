// Package scheduler turns resolver snapshots into runnable batches that
// respect the concurrency budget, in-flight stages and halted jobs.
package scheduler
