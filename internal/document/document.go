package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"collabengine/internal/update"
)

// Entity is a node on the canvas.
type Entity struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedBy string          `json:"createdBy"`
	UpdatedBy string          `json:"updatedBy"`
	Version   int             `json:"version"`
}

// Link connects two entities. Source and Target keep the orientation of
// the update that created it.
type Link struct {
	Source string          `json:"source"`
	Target string          `json:"target"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Document is the projected state. Slices are sorted for stable output.
type Document struct {
	Entities []Entity                   `json:"entities"`
	Links    []Link                     `json:"links"`
	Metadata map[string]json.RawMessage `json:"metadata"`
	// Applied counts the updates folded in.
	Applied int `json:"applied"`
}

// Entity returns the entity with id.
func (d *Document) Entity(id string) (Entity, bool) {
	i := sort.Search(len(d.Entities), func(i int) bool { return d.Entities[i].ID >= id })
	if i < len(d.Entities) && d.Entities[i].ID == id {
		return d.Entities[i], true
	}
	return Entity{}, false
}

// Digest is a hash of the document content. Replicas with equal digests
// hold the same state.
func (d *Document) Digest() string {
	content := struct {
		Entities []Entity                   `json:"entities"`
		Links    []Link                     `json:"links"`
		Metadata map[string]json.RawMessage `json:"metadata"`
	}{d.Entities, d.Links, d.Metadata}
	b, _ := json.Marshal(content)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type state struct {
	entities map[string]*Entity
	links    map[string]*Link
	metadata map[string]json.RawMessage
	applied  int
}

// Project folds the applied entries into a document. Pending and rejected
// entries are ignored, as are presence changes.
func Project(entries []update.Entry) *Document {
	applied := make([]update.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Status == update.Applied && e.Update != nil && e.Update.Kind != update.PresenceChanged {
			applied = append(applied, e)
		}
	}
	sort.Slice(applied, func(i, j int) bool {
		return less(applied[i].Update, applied[j].Update)
	})

	s := &state{
		entities: make(map[string]*Entity),
		links:    make(map[string]*Link),
		metadata: make(map[string]json.RawMessage),
	}
	for _, e := range applied {
		s.apply(e)
	}
	return s.document()
}

func less(a, b *update.Update) bool {
	if sa, sb := a.Clock.Sum(), b.Clock.Sum(); sa != sb {
		return sa < sb
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.AuthorID != b.AuthorID {
		return a.AuthorID < b.AuthorID
	}
	return a.ID < b.ID
}

func (s *state) apply(e update.Entry) {
	u := *e.Update
	u.Payload = e.Effective
	body, ok := u.Body()
	if !ok {
		return
	}
	s.applied++

	switch u.Kind {
	case update.EntityCreated, update.EntityUpdated:
		if body.EntityID == "" {
			return
		}
		ent, exists := s.entities[body.EntityID]
		if !exists {
			ent = &Entity{ID: body.EntityID, CreatedBy: u.AuthorID}
			s.entities[body.EntityID] = ent
		}
		ent.Data = cloneRaw(body.Data)
		ent.UpdatedBy = u.AuthorID
		ent.Version++
	case update.EntityDeleted:
		delete(s.entities, body.EntityID)
		for key, l := range s.links {
			if l.Source == body.EntityID || l.Target == body.EntityID {
				delete(s.links, key)
			}
		}
	case update.LinkCreated:
		if body.Source == "" || body.Target == "" {
			return
		}
		s.links[u.Key()] = &Link{Source: body.Source, Target: body.Target, Data: cloneRaw(body.Data)}
	case update.LinkDeleted:
		delete(s.links, u.Key())
	case update.MetadataChanged:
		if body.Path == "" {
			return
		}
		s.metadata[body.Path] = cloneRaw(body.Data)
	}
}

func (s *state) document() *Document {
	d := &Document{
		Entities: make([]Entity, 0, len(s.entities)),
		Links:    make([]Link, 0, len(s.links)),
		Metadata: s.metadata,
		Applied:  s.applied,
	}
	for _, e := range s.entities {
		d.Entities = append(d.Entities, *e)
	}
	sort.Slice(d.Entities, func(i, j int) bool { return d.Entities[i].ID < d.Entities[j].ID })

	keys := make([]string, 0, len(s.links))
	for k := range s.links {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d.Links = append(d.Links, *s.links[k])
	}
	return d
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if len(r) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
