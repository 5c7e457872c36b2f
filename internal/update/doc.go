// Package update defines the immutable Update record exchanged between
// replicas and the per-session Log that keeps the ordered, deduplicated
// history of every update a replica has seen.
package update
