package participant

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrSessionCapacityExceeded is returned when a join would exceed the session's maximum.
	ErrSessionCapacityExceeded = errors.New("session capacity exceeded")
	// ErrUnknownParticipant is returned for operations on an ID that never joined.
	ErrUnknownParticipant = errors.New("unknown participant")
)

// Status represents the liveness of a participant.
type Status int

const (
	Online Status = iota
	Away
	Offline
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Away:
		return "away"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String. Unknown input maps to Online.
func ParseStatus(s string) Status {
	switch s {
	case "away":
		return Away
	case "offline":
		return Offline
	default:
		return Online
	}
}

// Point is a cursor position on the canvas.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence is a participant's live cursor and selection. Nil fields mean absent.
type Presence struct {
	Cursor    *Point   `json:"cursor,omitempty"`
	Selection []string `json:"selection,omitempty"`
}

// Participant is one collaborating identity.
type Participant struct {
	ID          string
	DisplayName string
	Presence    Presence
	Status      Status
	LastSeen    time.Time
	Permissions Permissions
	// Token is the signed grant Permissions were read from, if any.
	Token string
}

func (p *Participant) clone() *Participant {
	cp := *p
	if p.Presence.Cursor != nil {
		c := *p.Presence.Cursor
		cp.Presence.Cursor = &c
	}
	cp.Presence.Selection = append([]string(nil), p.Presence.Selection...)
	cp.Permissions = p.Permissions.Copy()
	return &cp
}

// Transition reports a status change made by a sweep.
type Transition struct {
	ParticipantID string
	From          Status
	To            Status
}

// Registry owns the participants of one session.
type Registry struct {
	mu       sync.RWMutex
	members  map[string]*Participant
	capacity int
	now      func() time.Time
}

// NewRegistry creates a registry admitting at most capacity participants
// (0 means unlimited).
func NewRegistry(capacity int) *Registry {
	return &Registry{
		members:  make(map[string]*Participant),
		capacity: capacity,
		now:      time.Now,
	}
}

// SetNow overrides the registry clock.
func (r *Registry) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Add admits a participant. Re-adding a known ID refreshes its name and
// permissions and brings it back online without counting against
// capacity. Offline participants do not hold a seat.
func (r *Registry) Add(p Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.members[p.ID]; ok {
		existing.DisplayName = p.DisplayName
		existing.Permissions = p.Permissions.Copy()
		existing.Token = p.Token
		existing.Status = Online
		existing.LastSeen = r.now()
		return nil
	}
	if r.capacity > 0 && r.activeCount() >= r.capacity {
		return fmt.Errorf("%w: %d/%d", ErrSessionCapacityExceeded, r.activeCount(), r.capacity)
	}

	added := p.clone()
	added.Status = Online
	added.LastSeen = r.now()
	r.members[p.ID] = added
	return nil
}

// CanAdmit reports whether a new participant with this ID would fit.
func (r *Registry) CanAdmit(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.members[id]; ok {
		return true
	}
	return r.capacity <= 0 || r.activeCount() < r.capacity
}

// Restore inserts a participant snapshot received from a peer as-is,
// without capacity checks or touching LastSeen.
func (r *Registry) Restore(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[p.ID]; ok {
		return
	}
	r.members[p.ID] = p.clone()
}

// SetPresence replaces the participant's presence.
func (r *Registry) SetPresence(id string, presence Presence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.members[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	p.Presence = presence
	r.touch(p)
	return nil
}

// SetStatus sets the participant's status explicitly.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.members[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	p.Status = status
	p.LastSeen = r.now()
	return nil
}

// Touch records that the participant was heard from. Returns true when
// this brought the participant back online.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.members[id]
	if !ok {
		return false
	}
	return r.touch(p)
}

func (r *Registry) touch(p *Participant) bool {
	revived := p.Status != Online
	p.Status = Online
	p.LastSeen = r.now()
	return revived
}

// HasPermission checks the participant's snapshot for action within scope.
// Unknown participants have no permissions.
func (r *Registry) HasPermission(id, action, scope string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.members[id]
	if !ok {
		return false
	}
	return p.Permissions.Allows(action, scope)
}

// Sweep demotes participants not heard from recently: away after
// awayAfter, offline after offlineAfter. A zero threshold disables that
// step. except is never demoted (the local participant).
func (r *Registry) Sweep(awayAfter, offlineAfter time.Duration, except string) []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var changed []Transition
	for id, p := range r.members {
		if id == except || p.Status == Offline {
			continue
		}
		elapsed := now.Sub(p.LastSeen)
		next := p.Status
		switch {
		case offlineAfter > 0 && elapsed > offlineAfter:
			next = Offline
		case awayAfter > 0 && elapsed > awayAfter:
			next = Away
		}
		if next != p.Status {
			changed = append(changed, Transition{ParticipantID: id, From: p.Status, To: next})
			p.Status = next
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].ParticipantID < changed[j].ParticipantID })
	return changed
}

// Get returns a copy of the participant.
func (r *Registry) Get(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.members[id]
	if !ok {
		return Participant{}, false
	}
	return *p.clone(), true
}

// Snapshot returns copies of all participants sorted by ID.
func (r *Registry) Snapshot() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Participant, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, *p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of known participants, including offline ones.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// activeCount counts participants that are not offline (must be called with lock held).
func (r *Registry) activeCount() int {
	n := 0
	for _, p := range r.members {
		if p.Status != Offline {
			n++
		}
	}
	return n
}
