package conflict

import "collabengine/internal/update"

// Policy picks the winner of a conflict between two updates. Every replica
// must reach the same answer for the same pair regardless of argument order.
type Policy interface {
	Name() string
	// Beats reports whether a wins over b in a conflict of the given kind.
	Beats(kind Kind, a, b *update.Update) bool
}

// LastWriteWins is the default policy. For concurrent edits the later
// timestamp wins, ties broken by author ID then update ID. For
// delete-modified conflicts the first write stands: the later-timestamped
// of the pair is rejected, so a node is neither resurrected nor deleted by
// a stale replica.
type LastWriteWins struct{}

// Name implements Policy.
func (LastWriteWins) Name() string { return "last-write-wins" }

// Beats implements Policy.
func (LastWriteWins) Beats(kind Kind, a, b *update.Update) bool {
	if kind == DeleteModified {
		return b.Newer(a)
	}
	return a.Newer(b)
}
