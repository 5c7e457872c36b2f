// Package document folds the applied updates of a session into entity,
// link and metadata state.
//
// The fold is deterministic: entries are ordered by clock sum, then
// timestamp, author and ID, so two replicas holding the same applied set
// produce the same document whatever order the updates arrived in.
package document
