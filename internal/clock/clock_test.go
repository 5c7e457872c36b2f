package clock

import (
	"testing"
)

func TestVectorClock_Increment(t *testing.T) {
	vc := New()
	vc.Increment("alice")
	if vc.Get("alice") != 1 {
		t.Errorf("Expected counter 1, got %d", vc.Get("alice"))
	}

	vc.Increment("alice")
	if vc.Get("alice") != 2 {
		t.Errorf("Expected counter 2, got %d", vc.Get("alice"))
	}

	vc.Increment("bob")
	if vc.Get("bob") != 1 {
		t.Errorf("Expected counter 1 for bob, got %d", vc.Get("bob"))
	}
}

func TestIncremented_LeavesInputUntouched(t *testing.T) {
	base := VectorClock{"alice": 3, "bob": 1}
	next := Incremented(base, "alice")

	if base.Get("alice") != 3 {
		t.Errorf("Incremented mutated its input: alice=%d", base.Get("alice"))
	}
	if next.Get("alice") != 4 {
		t.Errorf("Expected alice=4, got %d", next.Get("alice"))
	}
	if next.Get("bob") != 1 {
		t.Errorf("Expected bob unchanged at 1, got %d", next.Get("bob"))
	}
}

func TestVectorClock_Merge(t *testing.T) {
	vc1 := VectorClock{"alice": 3, "bob": 1}
	vc2 := VectorClock{"alice": 2, "bob": 5, "carol": 1}

	vc1.Merge(vc2)

	want := VectorClock{"alice": 3, "bob": 5, "carol": 1}
	if !vc1.Equal(want) {
		t.Errorf("Expected %v, got %v", want, vc1)
	}
}

func TestMerged_ReturnsUnion(t *testing.T) {
	a := VectorClock{"alice": 1}
	b := VectorClock{"bob": 2}

	m := Merged(a, b)
	if m.Get("alice") != 1 || m.Get("bob") != 2 {
		t.Errorf("Expected {alice:1, bob:2}, got %v", m)
	}
	if _, ok := a["bob"]; ok {
		t.Error("Merged must not modify its first argument")
	}
}

func TestVectorClock_Compare(t *testing.T) {
	tests := []struct {
		name     string
		vc1      VectorClock
		vc2      VectorClock
		expected CompareResult
	}{
		{
			name:     "equal clocks",
			vc1:      VectorClock{"alice": 1, "bob": 2},
			vc2:      VectorClock{"alice": 1, "bob": 2},
			expected: Equal,
		},
		{
			name:     "vc1 before vc2",
			vc1:      VectorClock{"alice": 1, "bob": 1},
			vc2:      VectorClock{"alice": 2, "bob": 2},
			expected: Before,
		},
		{
			name:     "vc1 after vc2",
			vc1:      VectorClock{"alice": 2, "bob": 2},
			vc2:      VectorClock{"alice": 1, "bob": 1},
			expected: After,
		},
		{
			name:     "concurrent: each side ahead on one participant",
			vc1:      VectorClock{"alice": 2, "bob": 1},
			vc2:      VectorClock{"alice": 1, "bob": 2},
			expected: Concurrent,
		},
		{
			name:     "missing entry counts as zero",
			vc1:      VectorClock{"alice": 1},
			vc2:      VectorClock{"alice": 2, "bob": 1},
			expected: Before,
		},
		{
			name:     "explicit zero equals missing",
			vc1:      VectorClock{"alice": 1, "bob": 0},
			vc2:      VectorClock{"alice": 1},
			expected: Equal,
		},
		{
			name:     "disjoint authors are concurrent",
			vc1:      VectorClock{"alice": 1},
			vc2:      VectorClock{"bob": 1},
			expected: Concurrent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CompareClocks(tt.vc1, tt.vc2)
			if result != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestVectorClock_Copy(t *testing.T) {
	vc1 := VectorClock{"alice": 5, "bob": 3}

	vc2 := vc1.Copy()
	if !vc1.Equal(vc2) {
		t.Error("Copy should be equal to original")
	}

	vc2.Increment("alice")
	if vc1.Get("alice") == vc2.Get("alice") {
		t.Error("Modifying copy should not affect original")
	}
}

func TestVectorClock_DominatesAndConcurrent(t *testing.T) {
	later := VectorClock{"alice": 2, "bob": 2}
	earlier := VectorClock{"alice": 1, "bob": 1}
	sideways := VectorClock{"alice": 3, "bob": 0}

	if !later.Dominates(earlier) {
		t.Error("later should dominate earlier")
	}
	if earlier.Dominates(later) {
		t.Error("earlier should not dominate later")
	}
	if !later.IsConcurrent(sideways) {
		t.Error("later and sideways should be concurrent")
	}
}

func TestVectorClock_Entries_Sorted(t *testing.T) {
	vc := VectorClock{"zed": 3, "amy": 1, "max": 2}

	entries := vc.Entries()
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if entries[0].ParticipantID != "amy" || entries[1].ParticipantID != "max" || entries[2].ParticipantID != "zed" {
		t.Errorf("Entries not sorted: %v", entries)
	}
}
