package events

import (
	"time"

	"collabengine/internal/conflict"
	"collabengine/internal/update"
)

// Kind enumerates the events a session emits.
type Kind string

const (
	EntityCreated    Kind = "entity-created"
	EntityUpdated    Kind = "entity-updated"
	EntityDeleted    Kind = "entity-deleted"
	LinkCreated      Kind = "link-created"
	LinkDeleted      Kind = "link-deleted"
	MetadataChanged  Kind = "metadata-changed"
	PresenceUpdated  Kind = "presence-updated"
	ConflictDetected Kind = "conflict-detected"
	SessionJoined    Kind = "session-joined"
	SessionLeft      Kind = "session-left"
	UserConnected    Kind = "user-connected"
	UserDisconnected Kind = "user-disconnected"
	UserAway         Kind = "user-away"
)

// ForUpdate maps an applied update's kind to the event announcing it.
func ForUpdate(k update.Kind) Kind {
	switch k {
	case update.EntityCreated:
		return EntityCreated
	case update.EntityUpdated:
		return EntityUpdated
	case update.EntityDeleted:
		return EntityDeleted
	case update.LinkCreated:
		return LinkCreated
	case update.LinkDeleted:
		return LinkDeleted
	case update.PresenceChanged:
		return PresenceUpdated
	default:
		return MetadataChanged
	}
}

// Event is one notification. Exactly one of Update, Conflict or
// ParticipantID is set, depending on Kind.
type Event struct {
	Kind          Kind             `json:"kind"`
	SessionID     string           `json:"sessionId"`
	At            time.Time        `json:"at"`
	Update        *update.Update   `json:"update,omitempty"`
	Conflict      *conflict.Record `json:"conflict,omitempty"`
	ParticipantID string           `json:"participantId,omitempty"`
	// Reason carries free text such as why a session was left.
	Reason string `json:"reason,omitempty"`
}

// Handler consumes one event.
type Handler func(Event)

// Router dispatches events to handlers registered per kind.
type Router struct {
	handlers map[Kind][]Handler
	fallback Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[Kind][]Handler)}
}

// On registers h for kind.
func (r *Router) On(kind Kind, h Handler) *Router {
	r.handlers[kind] = append(r.handlers[kind], h)
	return r
}

// Otherwise registers h for kinds with no handler.
func (r *Router) Otherwise(h Handler) *Router {
	r.fallback = h
	return r
}

// Dispatch runs the handlers for evt.Kind.
func (r *Router) Dispatch(evt Event) {
	hs := r.handlers[evt.Kind]
	if len(hs) == 0 {
		if r.fallback != nil {
			r.fallback(evt)
		}
		return
	}
	for _, h := range hs {
		h(evt)
	}
}

// Run dispatches events from ch until it closes.
func (r *Router) Run(ch <-chan Event) {
	for evt := range ch {
		r.Dispatch(evt)
	}
}
