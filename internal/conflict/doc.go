// Package conflict classifies and resolves conflicting updates.
//
// Two updates conflict when their vector clocks are concurrent and they
// touch the same entity, link pair or metadata path, or when one deletes
// an entity the other references. A causally-prior delete also rejects any
// later update that references the removed entity. Permission checks run
// first and always reject.
//
// Decisions depend only on the set of updates seen, not on arrival order:
// an update is rejected iff some conflicting update beats it under the
// session's Policy. When a newly arrived update beats one that was already
// applied, the earlier one is reported as superseded so the caller can flip
// it to rejected.
package conflict
