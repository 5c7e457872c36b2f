package conflict

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabengine/internal/clock"
	"collabengine/internal/update"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func mk(id, author string, ts int, kind update.Kind, body update.Body, vc map[string]int64, deps ...string) *update.Update {
	return &update.Update{
		ID:        id,
		Timestamp: epoch.Add(time.Duration(ts) * time.Second),
		AuthorID:  author,
		SessionID: "s1",
		Kind:      kind,
		Payload:   update.EncodeBody(body),
		Clock:     clock.VectorClock(vc),
		DependsOn: deps,
	}
}

// replica applies outcomes to a log the way the session coordinator does.
type replica struct {
	log      *update.Log
	resolver *Resolver
	perms    PermissionChecker
}

func newReplica(mode Mode, perms PermissionChecker) *replica {
	return &replica{
		log:      update.NewLog("s1", 0),
		resolver: NewResolver(mode, nil),
		perms:    perms,
	}
}

func (r *replica) receive(t *testing.T, u *update.Update) Outcome {
	t.Helper()
	require.NoError(t, r.log.Append(u, update.Applied))
	out := r.resolver.Evaluate(u, r.log.RecentWindow(0), r.log, r.perms)
	r.log.SetStatus(u.ID, out.Verdict.Status(), nil)
	for _, id := range out.Superseded {
		r.log.SetStatus(id, update.Rejected, nil)
	}
	return out
}

func (r *replica) status(t *testing.T, id string) update.Status {
	t.Helper()
	e, ok := r.log.FindByID(id)
	require.True(t, ok, "update %s not in log", id)
	return e.Status
}

type grants map[string]bool

func (g grants) HasPermission(participantID, action, scope string) bool {
	return g[participantID+"/"+action]
}

func TestEvaluate_DeleteModifiedBothOrders(t *testing.T) {
	create := mk("u1", "p1", 10, update.EntityCreated, update.Body{EntityID: "n1"}, map[string]int64{"p1": 1})
	del := mk("u2", "p2", 20, update.EntityDeleted, update.Body{EntityID: "n1"}, map[string]int64{"p2": 1})

	orders := [][]*update.Update{{create, del}, {del, create}}
	for i, order := range orders {
		t.Run(fmt.Sprintf("order%d", i), func(t *testing.T) {
			r := newReplica(ModeAuto, nil)
			r.receive(t, order[0])
			out := r.receive(t, order[1])

			require.True(t, out.Conflicted())
			assert.Equal(t, DeleteModified, out.Records[0].Kind)
			assert.Equal(t, update.Applied, r.status(t, "u1"))
			assert.Equal(t, update.Rejected, r.status(t, "u2"))
		})
	}
}

func TestEvaluate_ConcurrentEditLastWriteWins(t *testing.T) {
	tests := []struct {
		name   string
		a, b   *update.Update
		winner string
	}{
		{
			name:   "later timestamp wins",
			a:      mk("a", "p1", 5, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p1": 1}),
			b:      mk("b", "p2", 6, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p2": 1}),
			winner: "b",
		},
		{
			name:   "tie broken by author",
			a:      mk("a", "p9", 5, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p9": 1}),
			b:      mk("b", "p2", 5, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p2": 1}),
			winner: "a",
		},
		{
			name:   "link pair is unordered",
			a:      mk("a", "p1", 9, update.LinkCreated, update.Body{Source: "x", Target: "y"}, map[string]int64{"p1": 1}),
			b:      mk("b", "p2", 1, update.LinkDeleted, update.Body{Source: "y", Target: "x"}, map[string]int64{"p2": 1}),
			winner: "a",
		},
		{
			name:   "metadata path",
			a:      mk("a", "p1", 1, update.MetadataChanged, update.Body{Path: "title"}, map[string]int64{"p1": 1}),
			b:      mk("b", "p2", 2, update.MetadataChanged, update.Body{Path: "title"}, map[string]int64{"p2": 1}),
			winner: "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, order := range [][]*update.Update{{tt.a, tt.b}, {tt.b, tt.a}} {
				r := newReplica(ModeAuto, nil)
				r.receive(t, order[0])
				out := r.receive(t, order[1])
				require.True(t, out.Conflicted())
				assert.Equal(t, ConcurrentEdit, out.Records[0].Kind)

				loser := "a"
				if tt.winner == "a" {
					loser = "b"
				}
				assert.Equal(t, update.Applied, r.status(t, tt.winner))
				assert.Equal(t, update.Rejected, r.status(t, loser))
			}
		})
	}
}

func TestEvaluate_NoConflict(t *testing.T) {
	tests := []struct {
		name string
		a, b *update.Update
	}{
		{
			name: "causally ordered edits",
			a:    mk("a", "p1", 9, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p1": 1}),
			b:    mk("b", "p2", 1, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p1": 1, "p2": 1}),
		},
		{
			name: "different entities",
			a:    mk("a", "p1", 1, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p1": 1}),
			b:    mk("b", "p2", 2, update.EntityDeleted, update.Body{EntityID: "n2"}, map[string]int64{"p2": 1}),
		},
		{
			name: "different metadata paths",
			a:    mk("a", "p1", 1, update.MetadataChanged, update.Body{Path: "title"}, map[string]int64{"p1": 1}),
			b:    mk("b", "p2", 2, update.MetadataChanged, update.Body{Path: "theme"}, map[string]int64{"p2": 1}),
		},
		{
			name: "presence is exempt",
			a:    mk("a", "p1", 1, update.PresenceChanged, update.Body{EntityID: "n1"}, map[string]int64{"p1": 1}),
			b:    mk("b", "p2", 2, update.PresenceChanged, update.Body{EntityID: "n1"}, map[string]int64{"p2": 1}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReplica(ModeAuto, nil)
			r.receive(t, tt.a)
			out := r.receive(t, tt.b)
			assert.False(t, out.Conflicted())
			assert.Equal(t, Accepted, out.Verdict)
			assert.Equal(t, update.Applied, r.status(t, "a"))
		})
	}
}

func TestEvaluate_OpaquePayloadNeverConflicts(t *testing.T) {
	r := newReplica(ModeAuto, nil)
	a := mk("a", "p1", 1, update.EntityUpdated, update.Body{}, map[string]int64{"p1": 1})
	a.Payload = []byte{0x01, 0x02}
	b := mk("b", "p2", 2, update.EntityUpdated, update.Body{}, map[string]int64{"p2": 1})
	b.Payload = []byte("not json")

	r.receive(t, a)
	out := r.receive(t, b)
	assert.Equal(t, Accepted, out.Verdict)
}

func TestEvaluate_CausallyPriorDelete(t *testing.T) {
	del := mk("d", "p1", 10, update.EntityDeleted, update.Body{EntityID: "n1"}, map[string]int64{"p1": 2})
	// Authored after seeing the delete, so the earlier timestamp does not save it.
	edit := mk("e", "p2", 5, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p1": 2, "p2": 1})
	link := mk("l", "p2", 6, update.LinkCreated, update.Body{Source: "n0", Target: "n1"}, map[string]int64{"p1": 2, "p2": 2})

	for i, order := range [][]*update.Update{{del, edit, link}, {edit, link, del}, {link, del, edit}} {
		t.Run(fmt.Sprintf("order%d", i), func(t *testing.T) {
			r := newReplica(ModeAuto, nil)
			for _, u := range order {
				r.receive(t, u)
			}
			assert.Equal(t, update.Applied, r.status(t, "d"))
			assert.Equal(t, update.Rejected, r.status(t, "e"))
			assert.Equal(t, update.Rejected, r.status(t, "l"))

			recs := r.resolver.RecordsFor("e")
			require.NotEmpty(t, recs)
			assert.Equal(t, DeleteModified, recs[0].Kind)
			assert.Equal(t, "d", recs[0].ConflictingID)
		})
	}
}

func TestEvaluate_PermissionDeniedFirst(t *testing.T) {
	perms := grants{
		"p1/node.add":  true,
		"p1/node.edit": true,
		"p2/node.add":  true,
	}
	r := newReplica(ModeManual, perms)

	ok := r.receive(t, mk("a", "p1", 1, update.EntityCreated, update.Body{EntityID: "n1"}, map[string]int64{"p1": 1}))
	assert.Equal(t, Accepted, ok.Verdict)

	// p2 may add but not edit; its edit would otherwise win LWW.
	out := r.receive(t, mk("b", "p2", 9, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p2": 1}))
	assert.Equal(t, Rejected, out.Verdict)
	require.Len(t, out.Records, 1)
	assert.Equal(t, PermissionDenied, out.Records[0].Kind)
	assert.Equal(t, Reject, out.Records[0].Resolution)
	assert.Empty(t, out.Superseded)

	// A denied update never beats anything that arrives later.
	later := r.receive(t, mk("c", "p1", 2, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p1": 2}))
	assert.Equal(t, Accepted, later.Verdict)
}

func TestEvaluate_CircularDependency(t *testing.T) {
	a := mk("a", "p1", 1, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p1": 1}, "b")
	b := mk("b", "p2", 2, update.EntityUpdated, update.Body{EntityID: "n2"}, map[string]int64{"p2": 1}, "a")

	for i, order := range [][]*update.Update{{a, b}, {b, a}} {
		t.Run(fmt.Sprintf("order%d", i), func(t *testing.T) {
			r := newReplica(ModeAuto, nil)
			first := r.receive(t, order[0])
			assert.Equal(t, Accepted, first.Verdict)

			out := r.receive(t, order[1])
			assert.Equal(t, Rejected, out.Verdict)
			assert.Equal(t, []string{order[0].ID}, out.Superseded)
			assert.Equal(t, CircularDependency, out.Records[0].Kind)

			assert.Equal(t, update.Rejected, r.status(t, "a"))
			assert.Equal(t, update.Rejected, r.status(t, "b"))
		})
	}
}

func TestEvaluate_SelfDependency(t *testing.T) {
	r := newReplica(ModeAuto, nil)
	out := r.receive(t, mk("a", "p1", 1, update.EntityCreated, update.Body{EntityID: "n1"}, map[string]int64{"p1": 1}, "a"))

	assert.Equal(t, Rejected, out.Verdict)
	require.NotEmpty(t, out.Records)
	assert.Equal(t, CircularDependency, out.Records[0].Kind)
	assert.Equal(t, "a", out.Records[0].ConflictingID)
}

func TestEvaluate_ManualHoldsAndResolves(t *testing.T) {
	r := newReplica(ModeManual, nil)
	r.receive(t, mk("a", "p1", 1, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p1": 1}))
	out := r.receive(t, mk("b", "p2", 2, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p2": 1}))

	assert.Equal(t, Held, out.Verdict)
	assert.Empty(t, out.Superseded)
	require.Len(t, out.Records, 1)
	assert.Equal(t, Pending, out.Records[0].Resolution)
	assert.Equal(t, update.Pending, r.status(t, "b"))
	assert.Equal(t, update.Applied, r.status(t, "a"))

	held, _ := r.log.FindByID("b")

	_, err := r.resolver.ResolveManual(held, Merge, nil)
	assert.True(t, errors.Is(err, ErrInvalidResolution))

	_, err = r.resolver.ResolveManual(held, Resolution("shrug"), nil)
	assert.True(t, errors.Is(err, ErrInvalidResolution))

	rec, err := r.resolver.ResolveManual(held, Transform, []byte(`{"entityId":"n1","data":1}`))
	require.NoError(t, err)
	assert.Equal(t, Transform, rec.Resolution)
	assert.Equal(t, "a", rec.ConflictingID)
	assert.Equal(t, ConcurrentEdit, rec.Kind)
	assert.NotEmpty(t, rec.TransformedPayload)

	applied, _ := r.log.FindByID("a")
	_, err = r.resolver.ResolveManual(applied, Accept, nil)
	assert.True(t, errors.Is(err, ErrNotPending))

	assert.Len(t, r.resolver.RecordsFor("b"), 2)
}

func TestParseModeAndResolution(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, m)

	m, err = ParseMode("manual")
	require.NoError(t, err)
	assert.Equal(t, ModeManual, m)

	_, err = ParseMode("vote")
	assert.Error(t, err)

	res, err := ParseResolution("merge")
	require.NoError(t, err)
	assert.Equal(t, Merge, res)

	_, err = ParseResolution("pending")
	assert.True(t, errors.Is(err, ErrInvalidResolution))
}

func TestRequiredAction(t *testing.T) {
	tests := []struct {
		kind update.Kind
		want string
	}{
		{update.EntityCreated, "node.add"},
		{update.EntityUpdated, "node.edit"},
		{update.EntityDeleted, "node.delete"},
		{update.LinkCreated, "connection.modify"},
		{update.LinkDeleted, "connection.modify"},
		{update.MetadataChanged, "document.edit"},
		{update.PresenceChanged, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, RequiredAction(tt.kind))
		})
	}
}

// generateHistory simulates authors editing a small document with partial
// synchronisation, producing causally valid clocks with plenty of
// concurrency and timestamp ties.
func generateHistory(rng *rand.Rand, n int) []*update.Update {
	authors := []string{"p1", "p2", "p3"}
	clocks := map[string]clock.VectorClock{}
	for _, a := range authors {
		clocks[a] = clock.New()
	}
	kinds := []update.Kind{update.EntityCreated, update.EntityUpdated, update.EntityDeleted, update.LinkCreated, update.MetadataChanged}
	entities := []string{"n1", "n2", "n3"}

	out := make([]*update.Update, 0, n)
	for i := 0; i < n; i++ {
		author := authors[rng.Intn(len(authors))]
		if rng.Intn(3) == 0 {
			from := authors[rng.Intn(len(authors))]
			clocks[author].Merge(clocks[from])
		}
		clocks[author].Increment(author)

		var body update.Body
		kind := kinds[rng.Intn(len(kinds))]
		switch kind {
		case update.LinkCreated:
			body = update.Body{Source: entities[rng.Intn(3)], Target: entities[rng.Intn(3)]}
		case update.MetadataChanged:
			body = update.Body{Path: "title"}
		default:
			body = update.Body{EntityID: entities[rng.Intn(3)]}
		}
		u := mk(fmt.Sprintf("u%02d", i), author, rng.Intn(4), kind, body, nil)
		u.Clock = clocks[author].Copy()
		out = append(out, u)
	}
	return out
}

func TestEvaluate_Property_Convergence(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		history := generateHistory(rng, 12)

		var reference map[string]update.Status
		for perm := 0; perm < 6; perm++ {
			order := append([]*update.Update(nil), history...)
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

			r := newReplica(ModeAuto, nil)
			for _, u := range order {
				r.receive(t, u.Copy())
			}

			got := make(map[string]update.Status)
			for _, u := range history {
				got[u.ID] = r.status(t, u.ID)
			}
			if reference == nil {
				reference = got
				continue
			}
			require.Equal(t, reference, got, "seed %d permutation %d diverged", seed, perm)
		}
	}
}

func TestEvaluate_Property_Determinism(t *testing.T) {
	a := mk("a", "p1", 3, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p1": 1})
	b := mk("b", "p2", 3, update.EntityUpdated, update.Body{EntityID: "n1"}, map[string]int64{"p2": 1})

	for i := 0; i < 20; i++ {
		r := newReplica(ModeAuto, nil)
		r.receive(t, a.Copy())
		r.receive(t, b.Copy())
		require.Equal(t, update.Rejected, r.status(t, "a"))
		require.Equal(t, update.Applied, r.status(t, "b"))
	}
}
