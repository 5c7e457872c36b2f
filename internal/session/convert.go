package session

import (
	"collabengine/internal/participant"
	"collabengine/internal/wire"
)

func toWire(p participant.Participant) wire.ParticipantInfo {
	return wire.ParticipantInfo{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Permissions: p.Permissions.Actions,
		Scopes:      p.Permissions.Scopes,
		Status:      p.Status.String(),
		LastSeen:    p.LastSeen,
		Token:       p.Token,
	}
}

func fromWire(info wire.ParticipantInfo) participant.Participant {
	return participant.Participant{
		ID:          info.ID,
		DisplayName: info.DisplayName,
		Status:      participant.ParseStatus(info.Status),
		LastSeen:    info.LastSeen,
		Token:       info.Token,
		Permissions: participant.Permissions{
			Actions: info.Permissions,
			Scopes:  info.Scopes,
		}.Copy(),
	}
}

func sessionToWire(info Info) *wire.SessionInfo {
	return &wire.SessionInfo{
		ID:              info.ID,
		DocumentID:      info.DocumentID,
		CreatedAt:       info.CreatedAt,
		MaxParticipants: info.Settings.MaxParticipants,
		ConflictMode:    string(info.Settings.ConflictMode),
		Features:        info.Settings.Features,
	}
}
