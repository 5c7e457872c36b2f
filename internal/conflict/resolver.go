package conflict

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"collabengine/internal/clock"
	"collabengine/internal/participant"
	"collabengine/internal/update"
)

var (
	// ErrInvalidResolution is returned for a manual decision that is not accept, reject, merge or transform.
	ErrInvalidResolution = errors.New("invalid resolution")
	// ErrNotPending is returned when a manual decision targets an update that is not held.
	ErrNotPending = errors.New("update is not pending")
)

// PermissionChecker answers permission queries for update authors.
// participant.Registry satisfies it.
type PermissionChecker interface {
	HasPermission(participantID, action, scope string) bool
}

// History looks up logged updates by ID, beyond the recent window.
// update.Log satisfies it.
type History interface {
	FindByID(id string) (update.Entry, bool)
}

// Verdict is the decision for the update under evaluation.
type Verdict int

const (
	// Accepted updates are applied.
	Accepted Verdict = iota
	// Rejected updates stay in history but are not applied.
	Rejected
	// Held updates wait for a manual decision.
	Held
)

// String returns the string representation of Verdict.
func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Held:
		return "held"
	default:
		return "unknown"
	}
}

// Status maps the verdict onto the log's apply state.
func (v Verdict) Status() update.Status {
	switch v {
	case Rejected:
		return update.Rejected
	case Held:
		return update.Pending
	default:
		return update.Applied
	}
}

// Outcome is the result of evaluating one update.
type Outcome struct {
	Verdict Verdict
	// Records are the audit records produced by this evaluation, for the
	// candidate and for any superseded updates.
	Records []Record
	// Superseded lists previously applied or held updates that now lose
	// to the candidate and must be marked rejected.
	Superseded []string
}

// Conflicted reports whether the evaluation detected any conflict.
func (o Outcome) Conflicted() bool {
	return len(o.Records) > 0
}

// Resolver evaluates updates for one session and keeps its audit log.
// Evaluate is called only from the session's owner; the audit log may be
// read concurrently.
type Resolver struct {
	mode   Mode
	policy Policy
	now    func() time.Time

	mu      sync.RWMutex
	records []Record
	// denied holds updates rejected for permissions. They never beat
	// other updates.
	denied map[string]struct{}
}

// NewResolver creates a resolver. A nil policy means LastWriteWins.
func NewResolver(mode Mode, policy Policy) *Resolver {
	if policy == nil {
		policy = LastWriteWins{}
	}
	if mode == "" {
		mode = ModeAuto
	}
	return &Resolver{
		mode:   mode,
		policy: policy,
		now:    time.Now,
		denied: make(map[string]struct{}),
	}
}

// SetNow overrides the clock used for DetectedAt.
func (r *Resolver) SetNow(now func() time.Time) {
	r.now = now
}

// Mode returns the resolution mode.
func (r *Resolver) Mode() Mode {
	return r.mode
}

// RequiredAction maps an update kind to the permission it needs.
// Presence changes need none.
func RequiredAction(kind update.Kind) string {
	switch kind {
	case update.EntityCreated:
		return participant.ActionAddNode
	case update.EntityUpdated:
		return participant.ActionEditNode
	case update.EntityDeleted:
		return participant.ActionDeleteNode
	case update.LinkCreated, update.LinkDeleted:
		return participant.ActionModifyConnection
	case update.MetadataChanged:
		return participant.ActionEditMetadata
	}
	return ""
}

// Evaluate decides whether candidate is applied, rejected or held.
//
// window is the recent history to scan (it may contain candidate itself),
// hist resolves dependsOn chains and perms checks the author's grants.
// hist and perms may be nil to skip those checks.
func (r *Resolver) Evaluate(candidate *update.Update, window []update.Entry, hist History, perms PermissionChecker) Outcome {
	if candidate.Kind == update.PresenceChanged {
		return Outcome{Verdict: Accepted}
	}

	var out Outcome
	if perms != nil {
		action, scope := RequiredAction(candidate.Kind), candidate.Scope()
		if !perms.HasPermission(candidate.AuthorID, action, scope) {
			r.mu.Lock()
			r.denied[candidate.ID] = struct{}{}
			r.mu.Unlock()
			out.Verdict = Rejected
			out.Records = append(out.Records, r.record(candidate.ID, "", PermissionDenied, Reject,
				fmt.Sprintf("%s lacks %s on %q", candidate.AuthorID, action, scope)))
			r.append(out.Records)
			return out
		}
	}

	out.Verdict = Accepted
	if cycle := findCycle(candidate, hist); cycle != nil {
		out.Verdict = Rejected
		closing := candidate.ID
		if len(cycle) > 0 {
			closing = cycle[0]
		}
		out.Records = append(out.Records, r.record(candidate.ID, closing, CircularDependency, Reject,
			fmt.Sprintf("dependency cycle through %d updates", len(cycle)+1)))
		for _, id := range cycle {
			entry, ok := hist.FindByID(id)
			if !ok || entry.Status == update.Rejected {
				continue
			}
			out.Superseded = append(out.Superseded, id)
			out.Records = append(out.Records, r.record(id, candidate.ID, CircularDependency, Reject,
				"dependency cycle closed by "+candidate.ID))
		}
	}

	var beaten []Record
	for _, e := range window {
		other := e.Update
		if other == nil || other.ID == candidate.ID || other.Kind == update.PresenceChanged || r.isDenied(other.ID) {
			continue
		}
		kind, loser, ok := r.judge(candidate, other)
		if !ok {
			continue
		}
		if loser == candidate {
			beaten = append(beaten, r.record(candidate.ID, other.ID, kind, Reject, reason(kind, other, candidate)))
			continue
		}
		if r.mode == ModeManual {
			// The candidate is held below; the applied side is left alone
			// until a human decides.
			if out.Verdict == Rejected {
				continue
			}
			beaten = append(beaten, r.record(candidate.ID, other.ID, kind, Pending, reason(kind, candidate, other)))
			continue
		}
		if e.Status == update.Rejected || contains(out.Superseded, other.ID) {
			continue
		}
		out.Superseded = append(out.Superseded, other.ID)
		out.Records = append(out.Records, r.record(other.ID, candidate.ID, kind, Reject, reason(kind, candidate, other)))
	}

	if len(beaten) > 0 && out.Verdict == Accepted {
		if r.mode == ModeManual {
			out.Verdict = Held
			for i := range beaten {
				beaten[i].Resolution = Pending
			}
		} else {
			out.Verdict = Rejected
		}
	}
	out.Records = append(out.Records, beaten...)
	r.append(out.Records)
	return out
}

// judge classifies the relation between candidate and other and names the
// loser. ok is false when they do not conflict.
func (r *Resolver) judge(candidate, other *update.Update) (Kind, *update.Update, bool) {
	switch candidate.Clock.Compare(other.Clock) {
	case clock.Concurrent:
		kind, ok := classify(candidate, other)
		if !ok {
			return "", nil, false
		}
		if r.policy.Beats(kind, candidate, other) {
			return kind, other, true
		}
		return kind, candidate, true
	case clock.After:
		if removes(other, candidate) {
			return DeleteModified, candidate, true
		}
	case clock.Before:
		if removes(candidate, other) {
			return DeleteModified, other, true
		}
	}
	return "", nil, false
}

// classify decides whether two concurrent updates conflict.
func classify(a, b *update.Update) (Kind, bool) {
	aDel, bDel := a.Kind == update.EntityDeleted, b.Kind == update.EntityDeleted
	switch {
	case aDel && bDel:
		if a.Key() != "" && a.Key() == b.Key() {
			return ConcurrentEdit, true
		}
		return "", false
	case aDel:
		if references(b, a) {
			return DeleteModified, true
		}
		return "", false
	case bDel:
		if references(a, b) {
			return DeleteModified, true
		}
		return "", false
	}
	if k := a.Key(); k != "" && k == b.Key() {
		return ConcurrentEdit, true
	}
	return "", false
}

// removes reports whether del is a delete of an entity that u references.
// Callers establish that del happened before u.
func removes(del, u *update.Update) bool {
	return del.Kind == update.EntityDeleted && references(u, del)
}

// references reports whether u touches the entity deleted by del.
func references(u, del *update.Update) bool {
	target := del.Entities()
	if len(target) == 0 {
		return false
	}
	for _, id := range u.Entities() {
		if id == target[0] {
			return true
		}
	}
	return false
}

// findCycle follows dependsOn edges from candidate and returns the IDs on a
// path leading back to candidate, or nil.
func findCycle(candidate *update.Update, hist History) []string {
	for _, dep := range candidate.DependsOn {
		if dep == candidate.ID {
			return []string{}
		}
	}
	if hist == nil {
		return nil
	}

	visited := make(map[string]bool)
	var path []string
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == candidate.ID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		entry, ok := hist.FindByID(id)
		if !ok {
			return false
		}
		path = append(path, id)
		for _, dep := range entry.Update.DependsOn {
			if walk(dep) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	for _, dep := range candidate.DependsOn {
		if walk(dep) {
			return path
		}
	}
	return nil
}

// ResolveManual applies a human decision to a held update. merge and
// transform apply transformed in place of the original payload.
func (r *Resolver) ResolveManual(entry update.Entry, resolution Resolution, transformed []byte) (Record, error) {
	if entry.Status != update.Pending {
		return Record{}, fmt.Errorf("%w: %s is %s", ErrNotPending, entry.Update.ID, entry.Status)
	}
	switch resolution {
	case Accept, Reject:
	case Merge, Transform:
		if len(transformed) == 0 {
			return Record{}, fmt.Errorf("%w: %s requires a transformed payload", ErrInvalidResolution, resolution)
		}
	default:
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	conflicting, kind := "", ConcurrentEdit
	for _, rec := range r.RecordsFor(entry.Update.ID) {
		if rec.Resolution == Pending {
			conflicting, kind = rec.ConflictingID, rec.Kind
			break
		}
	}

	rec := r.record(entry.Update.ID, conflicting, kind, resolution, "resolved manually")
	if resolution == Merge || resolution == Transform {
		rec.TransformedPayload = append([]byte(nil), transformed...)
	}
	r.append([]Record{rec})
	return rec, nil
}

// Records returns a copy of the audit log in detection order.
func (r *Resolver) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Record(nil), r.records...)
}

// RecordsFor returns the audit records about one update.
func (r *Resolver) RecordsFor(updateID string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, rec := range r.records {
		if rec.UpdateID == updateID {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Resolver) isDenied(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.denied[id]
	return ok
}

func (r *Resolver) record(updateID, conflictingID string, kind Kind, res Resolution, why string) Record {
	return Record{
		UpdateID:      updateID,
		ConflictingID: conflictingID,
		Kind:          kind,
		Resolution:    res,
		Reason:        why,
		DetectedAt:    r.now(),
	}
}

func (r *Resolver) append(recs []Record) {
	if len(recs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recs...)
}

func reason(kind Kind, winner, loser *update.Update) string {
	switch kind {
	case DeleteModified:
		return fmt.Sprintf("%s (%s) conflicts with delete; %s stands", loser.ID, loser.Kind, winner.ID)
	default:
		return fmt.Sprintf("%s by %s overrides %s by %s", winner.ID, winner.AuthorID, loser.ID, loser.AuthorID)
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
