package session

import (
	"errors"
	"time"

	"collabengine/internal/conflict"
	"collabengine/internal/update"
)

var (
	// ErrInvalidState is returned for operations not allowed in the current lifecycle state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrJoinRefused is returned when the contacted participant declines a join for
	// a reason other than capacity.
	ErrJoinRefused = errors.New("join refused")
	// ErrClosed is returned once the coordinator has been closed.
	ErrClosed = errors.New("coordinator closed")
	// ErrUnauthorized is returned when a participant's token is missing or
	// does not verify.
	ErrUnauthorized = errors.New("participant not authorized")
	// ErrUnknownUpdate is returned by ResolveConflict for IDs not in the log.
	ErrUnknownUpdate = errors.New("unknown update")
)

// DefaultRecentWindow is how many recent updates the conflict scan covers.
const DefaultRecentWindow = 256

// State is the coordinator's lifecycle state.
type State int

const (
	Uninitialized State = iota
	Hosting
	Joining
	Active
	Left
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Hosting:
		return "hosting"
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// Settings are fixed when a session is created and shared with joiners.
type Settings struct {
	MaxParticipants int
	ConflictMode    conflict.Mode
	Features        []string
	// RecentWindow bounds the conflict scan; 0 means DefaultRecentWindow.
	RecentWindow int
	// Retention bounds the in-memory log; 0 keeps everything.
	Retention int
}

// Info describes the session a coordinator belongs to.
type Info struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"documentId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	State        string    `json:"state"`
	LocalID      string    `json:"localId"`
	Settings     Settings  `json:"settings"`
}

// Receipt reports what happened to one update on this replica.
type Receipt struct {
	Update    *update.Update
	Status    update.Status
	Conflicts []conflict.Record
	// Duplicate is set when the update was already logged; nothing changed.
	Duplicate bool
	// Deferred is set when the author is not known yet. The update is
	// evaluated once the author is announced.
	Deferred bool
}
