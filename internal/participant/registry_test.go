package participant

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(capacity int) (*Registry, *fakeClock) {
	fc := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(capacity)
	r.SetNow(fc.Now)
	return r, fc
}

func TestPermissionsAllows(t *testing.T) {
	tests := []struct {
		name   string
		perms  Permissions
		action string
		scope  string
		want   bool
	}{
		{"wildcard", Permissions{Actions: []string{"*"}}, ActionDeleteNode, "", true},
		{"prefix match", Permissions{Actions: []string{"node.*"}}, ActionEditNode, "", true},
		{"prefix does not cross families", Permissions{Actions: []string{"node.*"}}, ActionModifyConnection, "", false},
		{"prefix needs separator", Permissions{Actions: []string{"node.*"}}, "nodes.edit", "", false},
		{"exact match", Permissions{Actions: []string{ActionEditNode}}, ActionEditNode, "", true},
		{"exact mismatch", Permissions{Actions: []string{ActionEditNode}}, ActionDeleteNode, "", false},
		{"no grants", Permissions{}, ActionEditNode, "", false},
		{"scope allowed", Permissions{Actions: []string{"*"}, Scopes: []string{"board-1"}}, ActionEditNode, "board-1", true},
		{"scope denied", Permissions{Actions: []string{"*"}, Scopes: []string{"board-1"}}, ActionEditNode, "board-2", false},
		{"scope wildcard", Permissions{Actions: []string{"*"}, Scopes: []string{"*"}}, ActionEditNode, "board-2", true},
		{"unscoped action", Permissions{Actions: []string{"*"}, Scopes: []string{"board-1"}}, ActionEditNode, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.perms.Allows(tt.action, tt.scope))
		})
	}
}

func TestRegistryAddAndGet(t *testing.T) {
	r, fc := newTestRegistry(0)

	require.NoError(t, r.Add(Participant{ID: "alice", DisplayName: "Alice"}))

	p, ok := r.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, Online, p.Status)
	assert.Equal(t, fc.Now(), p.LastSeen)

	_, ok = r.Get("bob")
	assert.False(t, ok)
}

func TestRegistryCapacity(t *testing.T) {
	r, _ := newTestRegistry(2)

	require.NoError(t, r.Add(Participant{ID: "a"}))
	require.NoError(t, r.Add(Participant{ID: "b"}))
	assert.False(t, r.CanAdmit("c"))

	err := r.Add(Participant{ID: "c"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionCapacityExceeded))
	assert.Equal(t, 2, r.Count())

	// Re-adding a known participant never trips the limit.
	assert.True(t, r.CanAdmit("a"))
	require.NoError(t, r.Add(Participant{ID: "a", DisplayName: "again"}))

	// An offline participant frees its seat.
	require.NoError(t, r.SetStatus("b", Offline))
	require.NoError(t, r.Add(Participant{ID: "c"}))
	assert.Equal(t, 3, r.Count())
}

func TestRegistryMutationsTouchLastSeen(t *testing.T) {
	r, fc := newTestRegistry(0)
	require.NoError(t, r.Add(Participant{ID: "alice"}))

	fc.Advance(10 * time.Second)
	require.NoError(t, r.SetPresence("alice", Presence{Cursor: &Point{X: 1, Y: 2}, Selection: []string{"n1"}}))

	p, _ := r.Get("alice")
	assert.Equal(t, fc.Now(), p.LastSeen)
	require.NotNil(t, p.Presence.Cursor)
	assert.Equal(t, 1.0, p.Presence.Cursor.X)
	assert.Equal(t, []string{"n1"}, p.Presence.Selection)

	fc.Advance(5 * time.Second)
	require.NoError(t, r.SetStatus("alice", Away))
	p, _ = r.Get("alice")
	assert.Equal(t, Away, p.Status)
	assert.Equal(t, fc.Now(), p.LastSeen)
}

func TestRegistryUnknownParticipant(t *testing.T) {
	r, _ := newTestRegistry(0)

	err := r.SetPresence("ghost", Presence{})
	assert.True(t, errors.Is(err, ErrUnknownParticipant))

	err = r.SetStatus("ghost", Away)
	assert.True(t, errors.Is(err, ErrUnknownParticipant))

	assert.False(t, r.Touch("ghost"))
	assert.False(t, r.HasPermission("ghost", ActionEditNode, ""))
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(0)
	require.NoError(t, r.Add(Participant{
		ID:          "alice",
		Permissions: Permissions{Actions: []string{"node.*"}},
	}))
	require.NoError(t, r.SetPresence("alice", Presence{Cursor: &Point{X: 1}}))

	p, _ := r.Get("alice")
	p.Presence.Cursor.X = 99
	p.Permissions.Actions[0] = "*"

	again, _ := r.Get("alice")
	assert.Equal(t, 1.0, again.Presence.Cursor.X)
	assert.False(t, r.HasPermission("alice", ActionModifyConnection, ""))
}

func TestRegistrySweep(t *testing.T) {
	r, fc := newTestRegistry(0)
	require.NoError(t, r.Add(Participant{ID: "local"}))
	require.NoError(t, r.Add(Participant{ID: "quiet"}))
	require.NoError(t, r.Add(Participant{ID: "chatty"}))

	fc.Advance(50 * time.Second)
	r.Touch("chatty")

	changed := r.Sweep(45*time.Second, 90*time.Second, "local")
	assert.Equal(t, []Transition{{ParticipantID: "quiet", From: Online, To: Away}}, changed)

	fc.Advance(50 * time.Second)
	changed = r.Sweep(45*time.Second, 90*time.Second, "local")
	assert.Equal(t, []Transition{
		{ParticipantID: "chatty", From: Online, To: Away},
		{ParticipantID: "quiet", From: Away, To: Offline},
	}, changed)

	// Offline participants stay in the registry and are not reported twice.
	fc.Advance(time.Minute)
	changed = r.Sweep(45*time.Second, 90*time.Second, "local")
	assert.Equal(t, []Transition{{ParticipantID: "chatty", From: Away, To: Offline}}, changed)
	assert.Empty(t, r.Sweep(45*time.Second, 90*time.Second, "local"))

	assert.Equal(t, 3, r.Count())
	p, _ := r.Get("local")
	assert.Equal(t, Online, p.Status)
}

func TestRegistryTouchRevives(t *testing.T) {
	r, fc := newTestRegistry(0)
	require.NoError(t, r.Add(Participant{ID: "bob"}))

	fc.Advance(2 * time.Minute)
	r.Sweep(0, time.Minute, "")

	p, _ := r.Get("bob")
	require.Equal(t, Offline, p.Status)

	assert.True(t, r.Touch("bob"))
	assert.False(t, r.Touch("bob"))
	p, _ = r.Get("bob")
	assert.Equal(t, Online, p.Status)
}

func TestRegistryRestoreKeepsSnapshot(t *testing.T) {
	r, _ := newTestRegistry(1)
	seen := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	r.Restore(Participant{ID: "host", Status: Online, LastSeen: seen})
	r.Restore(Participant{ID: "old", Status: Offline, LastSeen: seen})

	p, ok := r.Get("old")
	require.True(t, ok)
	assert.Equal(t, Offline, p.Status)
	assert.Equal(t, seen, p.LastSeen)
	assert.Equal(t, 2, r.Count())
}

func TestRegistrySnapshotSorted(t *testing.T) {
	r, _ := newTestRegistry(0)
	for _, id := range []string{"carol", "alice", "bob"} {
		require.NoError(t, r.Add(Participant{ID: id}))
	}

	snap := r.Snapshot()
	ids := make([]string, len(snap))
	for i, p := range snap {
		ids[i] = p.ID
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, ids)
}

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{Online, Away, Offline} {
		assert.Equal(t, s, ParseStatus(s.String()))
	}
	assert.Equal(t, Online, ParseStatus("bogus"))
}
