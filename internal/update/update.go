package update

import (
	"encoding/json"
	"time"

	"collabengine/internal/clock"
)

// Kind is the fixed enumeration of mutation types.
type Kind string

const (
	EntityCreated   Kind = "entity-created"
	EntityUpdated   Kind = "entity-updated"
	EntityDeleted   Kind = "entity-deleted"
	LinkCreated     Kind = "link-created"
	LinkDeleted     Kind = "link-deleted"
	PresenceChanged Kind = "presence-changed"
	MetadataChanged Kind = "metadata-changed"
)

// Kinds lists every valid Kind.
var Kinds = []Kind{
	EntityCreated, EntityUpdated, EntityDeleted,
	LinkCreated, LinkDeleted, PresenceChanged, MetadataChanged,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsEntity reports whether k mutates a single entity.
func (k Kind) IsEntity() bool {
	return k == EntityCreated || k == EntityUpdated || k == EntityDeleted
}

// IsLink reports whether k mutates a link between two entities.
func (k Kind) IsLink() bool {
	return k == LinkCreated || k == LinkDeleted
}

// Update is an atomic mutation record. It is never mutated after creation.
//
// Timestamp is wall-clock time and only breaks ties between concurrent
// updates; causal order comes from Clock, which is the author's clock
// snapshot taken after incrementing the author's own counter.
type Update struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	AuthorID  string            `json:"authorId"`
	SessionID string            `json:"sessionId"`
	Kind      Kind              `json:"kind"`
	Payload   []byte            `json:"payload"`
	Clock     clock.VectorClock `json:"vectorClock"`
	DependsOn []string          `json:"dependsOn,omitempty"`
}

// Body is the JSON object convention for payloads. Only the reference
// fields are interpreted by the engine; Data is carried opaquely.
type Body struct {
	EntityID string          `json:"entityId,omitempty"`
	Source   string          `json:"source,omitempty"`
	Target   string          `json:"target,omitempty"`
	Path     string          `json:"path,omitempty"`
	Scope    string          `json:"scope,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// EncodeBody marshals b into a payload.
func EncodeBody(b Body) []byte {
	data, err := json.Marshal(b)
	if err != nil {
		// Body only holds strings and raw JSON; a failure means Data was invalid.
		data, _ = json.Marshal(Body{EntityID: b.EntityID, Source: b.Source, Target: b.Target, Path: b.Path, Scope: b.Scope})
	}
	return data
}

// Body decodes the payload as a Body. ok is false for payloads that are
// not JSON objects; such updates carry no references and never conflict.
func (u *Update) Body() (Body, bool) {
	var b Body
	if len(u.Payload) == 0 || u.Payload[0] != '{' {
		return b, false
	}
	if err := json.Unmarshal(u.Payload, &b); err != nil {
		return Body{}, false
	}
	return b, true
}

// Key identifies what an update mutates: an entity, an unordered link
// pair, or a metadata path. Two updates can only conflict when their keys
// match. Returns "" when the update has no usable reference.
func (u *Update) Key() string {
	b, ok := u.Body()
	if !ok {
		return ""
	}
	switch {
	case u.Kind.IsEntity():
		if b.EntityID == "" {
			return ""
		}
		return "entity:" + b.EntityID
	case u.Kind.IsLink():
		if b.Source == "" || b.Target == "" {
			return ""
		}
		s, t := b.Source, b.Target
		if t < s {
			s, t = t, s
		}
		return "link:" + s + "|" + t
	case u.Kind == MetadataChanged:
		if b.Path == "" {
			return ""
		}
		return "meta:" + b.Path
	}
	return ""
}

// Entities returns the entity IDs the update references: the entity
// itself, or both ends of a link.
func (u *Update) Entities() []string {
	b, ok := u.Body()
	if !ok {
		return nil
	}
	switch {
	case u.Kind.IsEntity() && b.EntityID != "":
		return []string{b.EntityID}
	case u.Kind.IsLink():
		var ids []string
		if b.Source != "" {
			ids = append(ids, b.Source)
		}
		if b.Target != "" && b.Target != b.Source {
			ids = append(ids, b.Target)
		}
		return ids
	}
	return nil
}

// Scope is the permission scope the update touches: the explicit scope
// field when set, otherwise the entity, link source or metadata path.
func (u *Update) Scope() string {
	b, ok := u.Body()
	if !ok {
		return ""
	}
	switch {
	case b.Scope != "":
		return b.Scope
	case b.EntityID != "":
		return b.EntityID
	case b.Source != "":
		return b.Source
	default:
		return b.Path
	}
}

// Newer reports whether u wins last-write-wins against other: the later
// timestamp wins, ties go to the greater author ID, then the greater
// update ID. Every replica evaluates the same comparator.
func (u *Update) Newer(other *Update) bool {
	if !u.Timestamp.Equal(other.Timestamp) {
		return u.Timestamp.After(other.Timestamp)
	}
	if u.AuthorID != other.AuthorID {
		return u.AuthorID > other.AuthorID
	}
	return u.ID > other.ID
}

// Copy returns a deep copy of the update.
func (u *Update) Copy() *Update {
	cp := *u
	cp.Payload = append([]byte(nil), u.Payload...)
	cp.Clock = u.Clock.Copy()
	if u.DependsOn != nil {
		cp.DependsOn = append([]string(nil), u.DependsOn...)
	}
	return &cp
}
