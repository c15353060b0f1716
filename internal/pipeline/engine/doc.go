// Package engine drives a job through its stage graph. Each cycle it
// evaluates readiness against the manifest, dispatches every runnable stage
// onto a bounded worker pool, waits for at least one to finish, escalates
// terminal failures, and finally settles the job state.
package engine
