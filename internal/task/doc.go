// Package task defines the contract between the pipeline engine and the
// external task executors that do the actual production work for a stage.
// It also owns the failure taxonomy the retry policy classifies against.
package task
