package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"collabengine/internal/analytics"
	"collabengine/internal/backoff"
	"collabengine/internal/events"
	"collabengine/internal/participant"
	"collabengine/internal/transport"
	"collabengine/internal/wire"
)

// handleFrame decodes and dispatches one inbound frame. Runs on the loop.
// Bad frames are dropped with a warning.
func (c *Coordinator) handleFrame(peerID string, data []byte) {
	env, err := wire.Unmarshal(data)
	if err != nil {
		c.analytics.Incr(c.sessionID(), peerID, analytics.UpdatesMalformed)
		c.logger.Warn("dropping malformed frame", zap.String("peer_id", peerID), zap.Error(err))
		return
	}
	if env.SenderID != peerID {
		c.logger.Warn("dropping frame with forged sender",
			zap.String("peer_id", peerID),
			zap.String("sender_id", env.SenderID))
		return
	}

	switch env.Type {
	case wire.MsgJoinRequest:
		c.handleJoinRequest(peerID, env)
		return
	case wire.MsgJoinAccepted, wire.MsgJoinRefused:
		c.handleJoinReply(peerID, env)
		return
	}

	if c.state != Active || env.SessionID != c.info.ID {
		c.logger.Debug("dropping frame outside session",
			zap.String("peer_id", peerID),
			zap.String("type", env.Type.String()),
			zap.String("session_id", env.SessionID))
		return
	}

	switch env.Type {
	case wire.MsgParticipantLeft:
		c.handleParticipantLeft(peerID)
		return
	case wire.MsgParticipantJoined:
		c.handleParticipantJoined(env)
	}
	c.heard(peerID)

	switch env.Type {
	case wire.MsgUpdate:
		c.handleUpdateFrame(peerID, env)
	case wire.MsgHeartbeat:
		c.logger.Debug("heartbeat", zap.String("peer_id", peerID), zap.Stringer("clock", env.Clock))
	case wire.MsgParticipantJoined:
	default:
		c.logger.Warn("dropping frame of unknown type", zap.String("peer_id", peerID), zap.Int32("type", int32(env.Type)))
	}
}

func (c *Coordinator) handleUpdateFrame(peerID string, env *wire.Envelope) {
	u := env.Update
	err := wire.ErrMalformedUpdate
	if u != nil {
		err = wire.Validate(u)
	}
	if err == nil && u.AuthorID != peerID {
		err = errors.New("update relayed by a non-author")
	}
	if err != nil {
		c.analytics.Incr(c.info.ID, peerID, analytics.UpdatesMalformed)
		c.logger.Warn("dropping update", zap.String("peer_id", peerID), zap.Error(err))
		return
	}
	c.ingest(u, fromPeer)
}

// heard refreshes a participant's liveness and announces a comeback.
func (c *Coordinator) heard(peerID string) {
	if !c.registry.Touch(peerID) {
		return
	}
	c.logger.Info("participant back online", zap.String("session_id", c.info.ID), zap.String("peer_id", peerID))
	c.publish(events.Event{Kind: events.UserConnected, ParticipantID: peerID})
	if p, ok := c.registry.Get(peerID); ok {
		c.mirrorPresence(p)
	}
}

// handleParticipantJoined records a participant admitted through another
// member and opens a channel to it.
func (c *Coordinator) handleParticipantJoined(env *wire.Envelope) {
	if env.Participant == nil {
		c.logger.Warn("participant-joined without participant", zap.String("peer_id", env.SenderID))
		return
	}
	p := c.trusted(*env.Participant)
	if p.ID == c.self.ID {
		return
	}

	if _, known := c.registry.Get(p.ID); known {
		// Refreshes name and grants.
		_ = c.registry.Add(p)
	} else {
		p.Status = participant.Online
		p.LastSeen = c.now()
		c.registry.Restore(p)
	}
	if p, ok := c.registry.Get(p.ID); ok {
		c.mirrorPresence(p)
	}
	c.publish(events.Event{Kind: events.UserConnected, ParticipantID: p.ID})
	c.release(p.ID)
}

// handleParticipantLeft marks the sender offline for good; no reconnect
// is attempted.
func (c *Coordinator) handleParticipantLeft(peerID string) {
	c.reconnect.Cancel(peerID)
	if err := c.registry.SetStatus(peerID, participant.Offline); err != nil {
		c.logger.Debug("leave from unknown participant", zap.String("peer_id", peerID), zap.Error(err))
		return
	}
	c.logger.Info("participant left", zap.String("session_id", c.info.ID), zap.String("peer_id", peerID))
	if p, ok := c.registry.Get(peerID); ok {
		c.mirrorPresence(p)
	}
	c.publish(events.Event{Kind: events.UserDisconnected, ParticipantID: peerID, Reason: "left"})
}

// handlePeerState tracks channel changes reported by the transport.
func (c *Coordinator) handlePeerState(peerID string, s transport.PeerState) {
	switch s {
	case transport.Connected:
		c.reconnect.MarkConnected(peerID)
		if c.state == Active {
			c.heard(peerID)
		}
	case transport.Disconnected:
		if c.reconnect.State(peerID) == backoff.Failed {
			return
		}
		c.reconnect.MarkDisconnected(peerID)
		c.ensureReconnect(peerID)
	}
}

// ensureReconnect starts a backoff loop toward a participant that should
// be reachable. Runs on the loop.
func (c *Coordinator) ensureReconnect(peerID string) {
	if c.state != Active || peerID == c.self.ID {
		return
	}
	p, ok := c.registry.Get(peerID)
	if !ok || p.Status == participant.Offline || c.reconnect.State(peerID) == backoff.Failed {
		return
	}
	dial := func(ctx context.Context) error { return c.transport.Connect(ctx, peerID) }
	if c.reconnect.Start(c.ctx, peerID, dial, func(err error) {
		c.post(func() { c.reconnectDone(peerID, err) })
	}) {
		c.logger.Debug("reconnecting", zap.String("peer_id", peerID))
	}
}

// reconnectDone handles the end of a backoff loop. A peer whose attempts
// ran out is marked offline; the session carries on for everyone else.
func (c *Coordinator) reconnectDone(peerID string, err error) {
	if err == nil || !errors.Is(err, backoff.ErrAttemptsExhausted) {
		return
	}
	c.analytics.Incr(c.sessionID(), peerID, analytics.ReconnectFailures)
	if c.state != Active {
		return
	}
	p, ok := c.registry.Get(peerID)
	if !ok || p.Status == participant.Offline {
		return
	}
	_ = c.registry.SetStatus(peerID, participant.Offline)
	c.logger.Warn("peer unreachable", zap.String("session_id", c.info.ID), zap.String("peer_id", peerID), zap.Error(err))
	if p, ok := c.registry.Get(peerID); ok {
		c.mirrorPresence(p)
	}
	c.publish(events.Event{Kind: events.UserDisconnected, ParticipantID: peerID, Reason: "reconnect attempts exhausted"})
}
