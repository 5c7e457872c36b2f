package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"collabengine/internal/clock"
	"collabengine/internal/update"
)

// ErrMalformedEnvelope is returned when a transport frame cannot be decoded.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// MessageType tags what an envelope carries.
type MessageType int32

const (
	MsgUnknown MessageType = iota
	MsgUpdate
	MsgJoinRequest
	MsgJoinAccepted
	MsgJoinRefused
	MsgParticipantJoined
	MsgParticipantLeft
	MsgHeartbeat
)

// String returns the string representation of MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgUpdate:
		return "update"
	case MsgJoinRequest:
		return "join-request"
	case MsgJoinAccepted:
		return "join-accepted"
	case MsgJoinRefused:
		return "join-refused"
	case MsgParticipantJoined:
		return "participant-joined"
	case MsgParticipantLeft:
		return "participant-left"
	case MsgHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// ParticipantInfo is the wire form of a participant.
type ParticipantInfo struct {
	ID          string
	DisplayName string
	Permissions []string
	Scopes      []string
	Status      string
	LastSeen    time.Time
	// Token is the participant's signed grant, when the session uses auth.
	Token string
}

// SessionInfo is the wire form of session settings.
type SessionInfo struct {
	ID              string
	DocumentID      string
	CreatedAt       time.Time
	MaxParticipants int
	ConflictMode    string
	Features        []string
}

// Envelope is one transport frame.
type Envelope struct {
	Type         MessageType
	SenderID     string
	SessionID    string
	Update       *update.Update
	Participant  *ParticipantInfo
	Session      *SessionInfo
	Participants []ParticipantInfo
	History      []*update.Update
	Reason       string
	Clock        clock.VectorClock
}

const (
	envType         protowire.Number = 1
	envSender       protowire.Number = 2
	envSession      protowire.Number = 3
	envUpdate       protowire.Number = 4
	envParticipant  protowire.Number = 5
	envSessionInfo  protowire.Number = 6
	envParticipants protowire.Number = 7
	envHistory      protowire.Number = 8
	envReason       protowire.Number = 9
	envClock        protowire.Number = 10
)

const (
	partID          protowire.Number = 1
	partName        protowire.Number = 2
	partPermissions protowire.Number = 3
	partScopes      protowire.Number = 4
	partStatus      protowire.Number = 5
	partLastSeen    protowire.Number = 6
	partToken       protowire.Number = 7
)

const (
	sessID       protowire.Number = 1
	sessDocument protowire.Number = 2
	sessCreated  protowire.Number = 3
	sessMax      protowire.Number = 4
	sessMode     protowire.Number = 5
	sessFeatures protowire.Number = 6
)

// Marshal encodes an envelope.
func Marshal(env *Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, envType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Type))
	b = appendStringField(b, envSender, env.SenderID)
	b = appendStringField(b, envSession, env.SessionID)
	if env.Update != nil {
		b = protowire.AppendTag(b, envUpdate, protowire.BytesType)
		b = protowire.AppendBytes(b, appendUpdate(nil, env.Update))
	}
	if env.Participant != nil {
		b = protowire.AppendTag(b, envParticipant, protowire.BytesType)
		b = protowire.AppendBytes(b, appendParticipant(nil, env.Participant))
	}
	if env.Session != nil {
		b = protowire.AppendTag(b, envSessionInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, appendSession(nil, env.Session))
	}
	for i := range env.Participants {
		b = protowire.AppendTag(b, envParticipants, protowire.BytesType)
		b = protowire.AppendBytes(b, appendParticipant(nil, &env.Participants[i]))
	}
	for _, u := range env.History {
		b = protowire.AppendTag(b, envHistory, protowire.BytesType)
		b = protowire.AppendBytes(b, appendUpdate(nil, u))
	}
	b = appendStringField(b, envReason, env.Reason)
	b = appendClock(b, envClock, env.Clock)
	return b
}

// Unmarshal decodes an envelope. An embedded update that fails validation
// makes the whole envelope malformed; history entries are validated the
// same way.
func Unmarshal(b []byte) (*Envelope, error) {
	env := &Envelope{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == envType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			env.Type = MessageType(v)
			return n, nil
		case num == envSender && typ == protowire.BytesType:
			return consumeString(b, &env.SenderID)
		case num == envSession && typ == protowire.BytesType:
			return consumeString(b, &env.SessionID)
		case num == envUpdate && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			u, err := UnmarshalUpdate(v)
			env.Update = u
			return n, err
		case num == envParticipant && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			p, err := decodeParticipant(v)
			env.Participant = p
			return n, err
		case num == envSessionInfo && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			s, err := decodeSession(v)
			env.Session = s
			return n, err
		case num == envParticipants && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			p, err := decodeParticipant(v)
			if err == nil {
				env.Participants = append(env.Participants, *p)
			}
			return n, err
		case num == envHistory && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			u, err := UnmarshalUpdate(v)
			if err == nil {
				env.History = append(env.History, u)
			}
			return n, err
		case num == envReason && typ == protowire.BytesType:
			return consumeString(b, &env.Reason)
		case num == envClock && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if env.Clock == nil {
				env.Clock = clock.New()
			}
			return n, decodeClockEntry(v, env.Clock)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == MsgUnknown || env.Type > MsgHeartbeat {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedEnvelope, env.Type)
	}
	if env.Type == MsgUpdate && env.Update == nil {
		return nil, fmt.Errorf("%w: update message without update", ErrMalformedEnvelope)
	}
	return env, nil
}

func appendParticipant(b []byte, p *ParticipantInfo) []byte {
	b = appendStringField(b, partID, p.ID)
	b = appendStringField(b, partName, p.DisplayName)
	for _, perm := range p.Permissions {
		b = protowire.AppendTag(b, partPermissions, protowire.BytesType)
		b = protowire.AppendString(b, perm)
	}
	for _, scope := range p.Scopes {
		b = protowire.AppendTag(b, partScopes, protowire.BytesType)
		b = protowire.AppendString(b, scope)
	}
	b = appendStringField(b, partStatus, p.Status)
	if !p.LastSeen.IsZero() {
		b = protowire.AppendTag(b, partLastSeen, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.LastSeen.UnixNano()))
	}
	b = appendStringField(b, partToken, p.Token)
	return b
}

func decodeParticipant(b []byte) (*ParticipantInfo, error) {
	p := &ParticipantInfo{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == partID && typ == protowire.BytesType:
			return consumeString(b, &p.ID)
		case num == partName && typ == protowire.BytesType:
			return consumeString(b, &p.DisplayName)
		case num == partPermissions && typ == protowire.BytesType:
			var perm string
			n, err := consumeString(b, &perm)
			p.Permissions = append(p.Permissions, perm)
			return n, err
		case num == partScopes && typ == protowire.BytesType:
			var scope string
			n, err := consumeString(b, &scope)
			p.Scopes = append(p.Scopes, scope)
			return n, err
		case num == partStatus && typ == protowire.BytesType:
			return consumeString(b, &p.Status)
		case num == partLastSeen && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.LastSeen = time.Unix(0, int64(v)).UTC()
			return n, nil
		case num == partToken && typ == protowire.BytesType:
			return consumeString(b, &p.Token)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errors.New("participant without id")
	}
	return p, nil
}

func appendSession(b []byte, s *SessionInfo) []byte {
	b = appendStringField(b, sessID, s.ID)
	b = appendStringField(b, sessDocument, s.DocumentID)
	if !s.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, sessCreated, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.CreatedAt.UnixNano()))
	}
	if s.MaxParticipants > 0 {
		b = protowire.AppendTag(b, sessMax, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.MaxParticipants))
	}
	b = appendStringField(b, sessMode, s.ConflictMode)
	for _, f := range s.Features {
		b = protowire.AppendTag(b, sessFeatures, protowire.BytesType)
		b = protowire.AppendString(b, f)
	}
	return b
}

func decodeSession(b []byte) (*SessionInfo, error) {
	s := &SessionInfo{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == sessID && typ == protowire.BytesType:
			return consumeString(b, &s.ID)
		case num == sessDocument && typ == protowire.BytesType:
			return consumeString(b, &s.DocumentID)
		case num == sessCreated && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.CreatedAt = time.Unix(0, int64(v)).UTC()
			return n, nil
		case num == sessMax && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.MaxParticipants = int(v)
			return n, nil
		case num == sessMode && typ == protowire.BytesType:
			return consumeString(b, &s.ConflictMode)
		case num == sessFeatures && typ == protowire.BytesType:
			var f string
			n, err := consumeString(b, &f)
			s.Features = append(s.Features, f)
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
