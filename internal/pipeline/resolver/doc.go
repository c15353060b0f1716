// Package resolver evaluates a pipeline definition against a job manifest
// and classifies every stage as ready, blocked, running, settled or
// unreachable. It holds no state beyond the last evaluation; the manifest
// is the source of truth.
package resolver
