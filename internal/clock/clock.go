package clock

import (
	"fmt"
	"sort"
	"strings"
)

// VectorClock maps a participant ID to the number of updates that
// participant has authored, as observed by the holder of the clock.
// Missing entries are treated as zero. Thread-safe operations should be
// handled by the caller.
type VectorClock map[string]int64

// Entry is a single participant counter, used for deterministic iteration.
type Entry struct {
	ParticipantID string
	Counter       int64
}

// New creates a new empty vector clock.
func New() VectorClock {
	return make(VectorClock)
}

// Increment increments the counter for the given participant in place.
// If the participant doesn't exist, it's initialized to 1.
func (vc VectorClock) Increment(participantID string) {
	vc[participantID]++
}

// Incremented returns a copy of vc with the participant's counter advanced
// by one. vc itself is left untouched.
func Incremented(vc VectorClock, participantID string) VectorClock {
	next := vc.Copy()
	next.Increment(participantID)
	return next
}

// Get returns the counter value for the given participant, or 0 if not present.
func (vc VectorClock) Get(participantID string) int64 {
	return vc[participantID]
}

// Set sets the counter for the given participant.
func (vc VectorClock) Set(participantID string, value int64) {
	vc[participantID] = value
}

// Merge merges another vector clock into this one, taking the maximum
// counter value for each participant.
func (vc VectorClock) Merge(other VectorClock) {
	for id, counter := range other {
		if vc[id] < counter {
			vc[id] = counter
		}
	}
}

// Merged returns the pointwise maximum of a and b without modifying either.
func Merged(a, b VectorClock) VectorClock {
	out := a.Copy()
	out.Merge(b)
	return out
}

// Copy creates a deep copy of the vector clock.
func (vc VectorClock) Copy() VectorClock {
	cp := make(VectorClock, len(vc))
	for k, v := range vc {
		cp[k] = v
	}
	return cp
}

// CompareResult represents the result of comparing two vector clocks.
type CompareResult int

const (
	// Before indicates this clock happened before the other.
	Before CompareResult = iota
	// After indicates this clock happened after the other.
	After
	// Concurrent indicates the clocks are concurrent (no causal relationship).
	Concurrent
	// Equal indicates the clocks are equal.
	Equal
)

// String returns the string representation of CompareResult.
func (r CompareResult) String() string {
	switch r {
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	case Equal:
		return "equal"
	default:
		return "unknown"
	}
}

// Compare compares two vector clocks and returns their relationship.
// Missing entries count as zero on both sides.
//   - Equal: all counters match
//   - Before: every counter <= other's and at least one <
//   - After: every counter >= other's and at least one >
//   - Concurrent: neither dominates
func (vc VectorClock) Compare(other VectorClock) CompareResult {
	var thisLess, thisGreater bool
	for id, thisVal := range vc {
		otherVal := other[id]
		if thisVal < otherVal {
			thisLess = true
		} else if thisVal > otherVal {
			thisGreater = true
		}
	}
	for id, otherVal := range other {
		if _, seen := vc[id]; seen {
			continue
		}
		if otherVal > 0 {
			thisLess = true
		} else if otherVal < 0 {
			thisGreater = true
		}
	}

	switch {
	case thisLess && thisGreater:
		return Concurrent
	case thisLess:
		return Before
	case thisGreater:
		return After
	default:
		return Equal
	}
}

// CompareClocks is the free-function form of a.Compare(b).
func CompareClocks(a, b VectorClock) CompareResult {
	return a.Compare(b)
}

// Equal checks if two vector clocks are equal, treating missing entries as zero.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Compare(other) == Equal
}

// Dominates returns true if this clock dominates (happened after) the other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == After
}

// IsConcurrent returns true if this clock is concurrent with the other.
func (vc VectorClock) IsConcurrent(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// Sum returns the total of all counters. If a happened before b then
// a.Sum() < b.Sum(), so sorting by Sum yields an order consistent with
// causality.
func (vc VectorClock) Sum() int64 {
	var total int64
	for _, v := range vc {
		total += v
	}
	return total
}

// Entries returns the clock's counters sorted by participant ID.
func (vc VectorClock) Entries() []Entry {
	entries := make([]Entry, 0, len(vc))
	for id, counter := range vc {
		entries = append(entries, Entry{ParticipantID: id, Counter: counter})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ParticipantID < entries[j].ParticipantID
	})
	return entries
}

// String returns a string representation of the vector clock.
func (vc VectorClock) String() string {
	if len(vc) == 0 {
		return "{}"
	}

	entries := vc.Entries()
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s:%d", e.ParticipantID, e.Counter))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
