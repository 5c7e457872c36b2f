package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"collabengine/internal/clock"
	"collabengine/internal/update"
)

// ErrMalformedUpdate is returned for payloads that cannot be decoded or
// that decode to an invalid update.
var ErrMalformedUpdate = errors.New("malformed update")

// Update field numbers.
const (
	updateID        protowire.Number = 1
	updateTimestamp protowire.Number = 2
	updateAuthor    protowire.Number = 3
	updateSession   protowire.Number = 4
	updateKind      protowire.Number = 5
	updatePayload   protowire.Number = 6
	updateClock     protowire.Number = 7
	updateDependsOn protowire.Number = 8
)

// Clock entry field numbers.
const (
	entryParticipant protowire.Number = 1
	entryCounter     protowire.Number = 2
)

// MarshalUpdate encodes u. The output is deterministic for a given update.
func MarshalUpdate(u *update.Update) []byte {
	return appendUpdate(nil, u)
}

// UnmarshalUpdate decodes and validates an update.
func UnmarshalUpdate(b []byte) (*update.Update, error) {
	u := &update.Update{Clock: clock.New()}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == updateID && typ == protowire.BytesType:
			return consumeString(b, &u.ID)
		case num == updateTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			u.Timestamp = time.Unix(0, int64(v)).UTC()
			return n, nil
		case num == updateAuthor && typ == protowire.BytesType:
			return consumeString(b, &u.AuthorID)
		case num == updateSession && typ == protowire.BytesType:
			return consumeString(b, &u.SessionID)
		case num == updateKind && typ == protowire.BytesType:
			var kind string
			n, err := consumeString(b, &kind)
			u.Kind = update.Kind(kind)
			return n, err
		case num == updatePayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			u.Payload = append([]byte(nil), v...)
			return n, nil
		case num == updateClock && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			return n, decodeClockEntry(v, u.Clock)
		case num == updateDependsOn && typ == protowire.BytesType:
			var dep string
			n, err := consumeString(b, &dep)
			u.DependsOn = append(u.DependsOn, dep)
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if err := Validate(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Validate checks the fields every replica relies on.
func Validate(u *update.Update) error {
	switch {
	case u.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformedUpdate)
	case u.AuthorID == "":
		return fmt.Errorf("%w: missing author", ErrMalformedUpdate)
	case !u.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedUpdate, u.Kind)
	case u.Clock.Get(u.AuthorID) <= 0:
		return fmt.Errorf("%w: clock has no entry for author %s", ErrMalformedUpdate, u.AuthorID)
	}
	return nil
}

func appendUpdate(b []byte, u *update.Update) []byte {
	b = appendStringField(b, updateID, u.ID)
	if !u.Timestamp.IsZero() {
		b = protowire.AppendTag(b, updateTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.Timestamp.UnixNano()))
	}
	b = appendStringField(b, updateAuthor, u.AuthorID)
	b = appendStringField(b, updateSession, u.SessionID)
	b = appendStringField(b, updateKind, string(u.Kind))
	if len(u.Payload) > 0 {
		b = protowire.AppendTag(b, updatePayload, protowire.BytesType)
		b = protowire.AppendBytes(b, u.Payload)
	}
	b = appendClock(b, updateClock, u.Clock)
	for _, dep := range u.DependsOn {
		b = protowire.AppendTag(b, updateDependsOn, protowire.BytesType)
		b = protowire.AppendString(b, dep)
	}
	return b
}

func appendClock(b []byte, num protowire.Number, vc clock.VectorClock) []byte {
	for _, e := range vc.Entries() {
		var entry []byte
		entry = appendStringField(entry, entryParticipant, e.ParticipantID)
		entry = protowire.AppendTag(entry, entryCounter, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(e.Counter))
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func decodeClockEntry(b []byte, into clock.VectorClock) error {
	var id string
	var counter int64
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == entryParticipant && typ == protowire.BytesType:
			return consumeString(b, &id)
		case num == entryCounter && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			counter = int64(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return err
	}
	if id == "" {
		return errors.New("clock entry without participant")
	}
	into.Set(id, counter)
	return nil
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func consumeString(b []byte, into *string) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*into = v
	}
	return n, nil
}

// walk iterates over the fields of one message. fn consumes a field value
// and returns how many bytes it used; a negative count is a protowire
// parse error.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
