package update

import (
	"errors"
	"sync"
	"time"
)

// ErrDuplicateUpdate is reported when an update ID is already in the log.
// It marks an idempotent no-op, not a failure.
var ErrDuplicateUpdate = errors.New("duplicate update")

// Status is the apply state of a logged update.
type Status int

const (
	// Applied updates are part of the document state.
	Applied Status = iota
	// Pending updates wait for a manual conflict decision.
	Pending
	// Rejected updates lost a conflict; they stay in the log for audit.
	Rejected
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Applied:
		return "applied"
	case Pending:
		return "pending"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Entry is one logged update with its current apply state.
type Entry struct {
	Seq    uint64
	Update *Update
	Status Status
	// Effective is the payload applied to the document. It differs from
	// Update.Payload only after a manual merge/transform decision.
	Effective []byte
}

// Store defines the history operations the session coordinator relies on.
type Store interface {
	// Append adds u to the history. Returns ErrDuplicateUpdate when the ID is known.
	Append(u *Update, status Status) error
	// RecentWindow returns the last n entries, oldest first.
	RecentWindow(n int) []Entry
	// FindByID returns the entry for an update ID.
	FindByID(id string) (Entry, bool)
	// ByParticipant returns every retained update authored by participantID.
	ByParticipant(participantID string) []*Update
	// SetStatus changes the apply state of a logged update.
	SetStatus(id string, status Status, effective []byte) bool
}

// Log is the in-memory Store for one session.
// It's thread-safe; the coordinator is its only writer.
type Log struct {
	mu           sync.RWMutex
	sessionID    string
	entries      []*Entry
	byID         map[string]*Entry
	seen         map[string]struct{}
	nextSeq      uint64
	retention    int
	lastActivity time.Time
	now          func() time.Time
}

// NewLog creates an empty log. retention bounds how many entries are kept
// in memory; 0 keeps everything for the life of the session. Trimmed IDs
// are still remembered so duplicates stay no-ops.
func NewLog(sessionID string, retention int) *Log {
	return &Log{
		sessionID: sessionID,
		byID:      make(map[string]*Entry),
		seen:      make(map[string]struct{}),
		retention: retention,
		now:       time.Now,
	}
}

// SetNow overrides the activity clock (used by tests and the coordinator).
func (l *Log) SetNow(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Append adds u to the ordered history and advances the session activity time.
func (l *Log) Append(u *Update, status Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[u.ID]; dup {
		return ErrDuplicateUpdate
	}

	l.nextSeq++
	e := &Entry{
		Seq:       l.nextSeq,
		Update:    u,
		Status:    status,
		Effective: u.Payload,
	}
	l.entries = append(l.entries, e)
	l.byID[u.ID] = e
	l.seen[u.ID] = struct{}{}
	l.lastActivity = l.now()

	if l.retention > 0 && len(l.entries) > l.retention {
		drop := len(l.entries) - l.retention
		for _, old := range l.entries[:drop] {
			delete(l.byID, old.Update.ID)
		}
		l.entries = append([]*Entry(nil), l.entries[drop:]...)
	}
	return nil
}

// Contains reports whether the update ID has ever been appended.
func (l *Log) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[id]
	return ok
}

// RecentWindow returns copies of the last n entries, oldest first.
// n <= 0 returns every retained entry.
func (l *Log) RecentWindow(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if n > 0 && len(l.entries) > n {
		start = len(l.entries) - n
	}
	out := make([]Entry, 0, len(l.entries)-start)
	for _, e := range l.entries[start:] {
		out = append(out, *e)
	}
	return out
}

// Entries returns copies of every retained entry in append order.
func (l *Log) Entries() []Entry {
	return l.RecentWindow(0)
}

// FindByID returns a copy of the entry for id.
func (l *Log) FindByID(id string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.byID[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ByParticipant returns every retained update authored by participantID, in log order.
func (l *Log) ByParticipant(participantID string) []*Update {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Update
	for _, e := range l.entries {
		if e.Update.AuthorID == participantID {
			out = append(out, e.Update)
		}
	}
	return out
}

// SetStatus changes the apply state of a logged update. A nil effective
// payload keeps the current one. Returns false if id is not retained.
func (l *Log) SetStatus(id string, status Status, effective []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byID[id]
	if !ok {
		return false
	}
	e.Status = status
	if effective != nil {
		e.Effective = append([]byte(nil), effective...)
	}
	l.lastActivity = l.now()
	return true
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// LastActivity returns when the log last changed.
func (l *Log) LastActivity() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastActivity
}

// SessionID returns the session this log belongs to.
func (l *Log) SessionID() string {
	return l.sessionID
}
