package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"collabengine/internal/analytics"
	"collabengine/internal/clock"
	"collabengine/internal/conflict"
	"collabengine/internal/events"
	"collabengine/internal/fanout"
	"collabengine/internal/participant"
	"collabengine/internal/update"
	"collabengine/internal/wire"
)

const (
	reasonNotActive      = "session not active"
	reasonUnknownSession = "unknown session"
	reasonBadParticipant = "participant does not match sender"
)

func (c *Coordinator) normalize(s Settings) Settings {
	if s.ConflictMode == "" {
		s.ConflictMode = conflict.ModeAuto
	}
	if s.RecentWindow <= 0 {
		s.RecentWindow = c.defaults.RecentWindow
	}
	if s.RecentWindow <= 0 {
		s.RecentWindow = DefaultRecentWindow
	}
	if s.Retention <= 0 {
		s.Retention = c.defaults.Retention
	}
	s.Features = append([]string(nil), s.Features...)
	return s
}

// initSession creates the per-session state. Runs on the loop.
func (c *Coordinator) initSession(info Info) {
	c.info = info
	c.sid.Store(info.ID)
	c.clock = clock.New()
	c.log = update.NewLog(info.ID, info.Settings.Retention)
	c.log.SetNow(c.now)
	c.registry = participant.NewRegistry(info.Settings.MaxParticipants)
	c.registry.SetNow(c.now)
	c.resolver = conflict.NewResolver(info.Settings.ConflictMode, c.policy)
	c.resolver.SetNow(c.now)
	c.deferred = make(map[string][]deferredUpdate)
	c.deferredIDs = make(map[string]struct{})
}

// resetSession drops every trace of a session that never became active.
func (c *Coordinator) resetSession() {
	c.state = Uninitialized
	c.join = nil
	c.info = Info{}
	c.sid.Store("")
	c.clock = nil
	c.log = nil
	c.registry = nil
	c.resolver = nil
	c.deferred = nil
	c.deferredIDs = nil
}

// admit turns a participant record from the wire into a registry entry.
// With a verifier configured, grants come from the verified token and the
// claimed permissions are ignored.
func (c *Coordinator) admit(info wire.ParticipantInfo) (participant.Participant, error) {
	p := fromWire(info)
	if c.verifier == nil {
		return p, nil
	}
	if info.Token == "" {
		return p, fmt.Errorf("%w: %s presented no token", ErrUnauthorized, info.ID)
	}
	grant, err := c.verifier.Verify(info.Token)
	if err != nil {
		return p, fmt.Errorf("%w: %s: %v", ErrUnauthorized, info.ID, err)
	}
	if grant.ParticipantID != info.ID {
		return p, fmt.Errorf("%w: token for %q presented by %q", ErrUnauthorized, grant.ParticipantID, info.ID)
	}
	p.Permissions = grant.Permissions.Copy()
	if grant.DisplayName != "" {
		p.DisplayName = grant.DisplayName
	}
	return p, nil
}

// trusted admits a participant announced by another replica. One whose
// token does not verify is kept, so its history stays attributable, but
// holds no grants.
func (c *Coordinator) trusted(info wire.ParticipantInfo) participant.Participant {
	p, err := c.admit(info)
	if err != nil {
		c.logger.Warn("participant without verified grant", zap.String("peer_id", info.ID), zap.Error(err))
		p.Permissions = participant.Permissions{}
	}
	return p
}

func (c *Coordinator) activate() {
	c.state = Active
	c.startHeartbeat()
	self, _ := c.registry.Get(c.self.ID)
	c.mirrorPresence(self)
	c.publish(events.Event{Kind: events.SessionJoined, ParticipantID: c.self.ID})
	c.logger.Info("session active",
		zap.String("session_id", c.info.ID),
		zap.Int("participants", c.registry.Count()),
		zap.Int("history", c.log.Len()))
}

// CreateSession starts a new session hosted by this participant:
// Uninitialized -> Hosting -> Active. An empty id generates one.
func (c *Coordinator) CreateSession(ctx context.Context, id, documentID string, settings Settings) (Info, error) {
	if settings.MaxParticipants <= 0 {
		return Info{}, fmt.Errorf("max participants must be positive, got %d", settings.MaxParticipants)
	}
	if _, err := conflict.ParseMode(string(settings.ConflictMode)); err != nil {
		return Info{}, err
	}

	var (
		info Info
		err  error
	)
	if derr := c.do(ctx, func() {
		if c.state != Uninitialized {
			err = fmt.Errorf("%w: cannot create a session while %s", ErrInvalidState, c.state)
			return
		}
		if id == "" {
			id = uuid.NewString()
		}
		c.state = Hosting
		c.initSession(Info{
			ID:         id,
			DocumentID: documentID,
			CreatedAt:  c.now(),
			Settings:   c.normalize(settings),
		})
		if err = c.registry.Add(c.self); err != nil {
			c.resetSession()
			return
		}
		c.activate()
		info = c.snapshotInfo()
	}); derr != nil {
		return Info{}, derr
	}
	return info, err
}

// JoinSession joins sessionID through hostID: Uninitialized -> Joining ->
// Active. The host connection is retried with backoff. A refusal or a
// failed connection returns the coordinator to Uninitialized with no
// session state; a full session yields participant.ErrSessionCapacityExceeded.
func (c *Coordinator) JoinSession(ctx context.Context, sessionID, hostID string) (Info, error) {
	if sessionID == "" || hostID == "" {
		return Info{}, errors.New("session id and host id are required")
	}

	reply := make(chan joinResult, 1)
	var err error
	if derr := c.do(ctx, func() {
		if c.state != Uninitialized {
			err = fmt.Errorf("%w: cannot join while %s", ErrInvalidState, c.state)
			return
		}
		c.state = Joining
		c.join = &joinAttempt{sessionID: sessionID, hostID: hostID, reply: reply}
	}); derr != nil {
		return Info{}, derr
	}
	if err != nil {
		return Info{}, err
	}

	fail := func(cause error) (Info, error) {
		var info Info
		activated := false
		_ = c.do(context.Background(), func() {
			if c.state == Active {
				activated = true
				info = c.snapshotInfo()
				return
			}
			if c.state == Joining {
				c.resetSession()
			}
		})
		if activated {
			return info, nil
		}
		if derr := c.transport.Disconnect(hostID); derr != nil {
			c.logger.Debug("disconnect after failed join", zap.String("peer_id", hostID), zap.Error(derr))
		}
		c.logger.Info("join failed", zap.String("session_id", sessionID), zap.String("peer_id", hostID), zap.Error(cause))
		return Info{}, cause
	}

	dial := func(ctx context.Context) error { return c.transport.Connect(ctx, hostID) }
	if err := c.reconnect.Reconnect(ctx, hostID, dial); err != nil {
		c.analytics.Incr(sessionID, hostID, analytics.ReconnectFailures)
		return fail(fmt.Errorf("connect to %s: %w", hostID, err))
	}

	self := toWire(c.self)
	frame := wire.Marshal(&wire.Envelope{
		Type:        wire.MsgJoinRequest,
		SenderID:    c.self.ID,
		SessionID:   sessionID,
		Participant: &self,
	})
	select {
	case err := <-c.transport.Send(hostID, frame):
		if err != nil {
			return fail(fmt.Errorf("send join request: %w", err))
		}
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return fail(res.err)
		}
		return res.info, nil
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-c.ctx.Done():
		return Info{}, ErrClosed
	}
}

// handleJoinReply completes a pending join. Runs on the loop.
func (c *Coordinator) handleJoinReply(peerID string, env *wire.Envelope) {
	j := c.join
	if c.state != Joining || j == nil || peerID != j.hostID || env.SessionID != j.sessionID {
		c.logger.Debug("dropping unexpected join reply", zap.String("peer_id", peerID), zap.String("type", env.Type.String()))
		return
	}

	if env.Type == wire.MsgJoinRefused {
		var err error
		switch env.Reason {
		case participant.ErrSessionCapacityExceeded.Error():
			err = fmt.Errorf("%w: session %s", participant.ErrSessionCapacityExceeded, j.sessionID)
		case ErrUnauthorized.Error():
			err = fmt.Errorf("%w: %w", ErrJoinRefused, ErrUnauthorized)
		default:
			err = fmt.Errorf("%w: %s", ErrJoinRefused, env.Reason)
		}
		c.resetSession()
		j.reply <- joinResult{err: err}
		return
	}

	if env.Session == nil || env.Session.ID != j.sessionID {
		c.resetSession()
		j.reply <- joinResult{err: fmt.Errorf("%w: accept without session info", ErrJoinRefused)}
		return
	}
	mode, err := conflict.ParseMode(env.Session.ConflictMode)
	if err != nil {
		c.resetSession()
		j.reply <- joinResult{err: fmt.Errorf("%w: %v", ErrJoinRefused, err)}
		return
	}

	c.initSession(Info{
		ID:         env.Session.ID,
		DocumentID: env.Session.DocumentID,
		CreatedAt:  env.Session.CreatedAt,
		Settings: c.normalize(Settings{
			MaxParticipants: env.Session.MaxParticipants,
			ConflictMode:    mode,
			Features:        env.Session.Features,
		}),
	})
	for _, info := range env.Participants {
		if info.ID != c.self.ID {
			c.registry.Restore(c.trusted(info))
		}
	}
	self := c.self
	self.Status = participant.Online
	self.LastSeen = c.now()
	c.registry.Restore(self)

	for _, u := range env.History {
		if err := wire.Validate(u); err != nil {
			c.analytics.Incr(j.sessionID, peerID, analytics.UpdatesMalformed)
			c.logger.Warn("dropping malformed history entry", zap.String("peer_id", peerID), zap.Error(err))
			continue
		}
		c.ingest(u, fromHistory)
	}
	c.join = nil
	c.activate()

	for _, p := range c.registry.Snapshot() {
		if p.ID != c.self.ID && p.ID != j.hostID && p.Status != participant.Offline {
			c.ensureReconnect(p.ID)
		}
	}
	j.reply <- joinResult{info: c.snapshotInfo()}
}

// handleJoinRequest admits or refuses a joiner. Runs on the loop.
func (c *Coordinator) handleJoinRequest(peerID string, env *wire.Envelope) {
	refuse := func(reason string) {
		c.logger.Info("refusing join", zap.String("peer_id", peerID), zap.String("reason", reason))
		c.deliver([]string{peerID}, wire.Marshal(&wire.Envelope{
			Type:      wire.MsgJoinRefused,
			SenderID:  c.self.ID,
			SessionID: env.SessionID,
			Reason:    reason,
		}), "join-refused")
	}

	switch {
	case c.state != Active:
		refuse(reasonNotActive)
		return
	case env.SessionID != c.info.ID:
		refuse(reasonUnknownSession)
		return
	case env.Participant == nil || env.Participant.ID != peerID:
		refuse(reasonBadParticipant)
		return
	}

	joiner, err := c.admit(*env.Participant)
	if err != nil {
		c.logger.Warn("join without verified grant", zap.String("peer_id", peerID), zap.Error(err))
		refuse(ErrUnauthorized.Error())
		return
	}
	if err := c.registry.Add(joiner); err != nil {
		if errors.Is(err, participant.ErrSessionCapacityExceeded) {
			refuse(participant.ErrSessionCapacityExceeded.Error())
			return
		}
		refuse(err.Error())
		return
	}
	joiner, _ = c.registry.Get(joiner.ID)

	snapshot := c.registry.Snapshot()
	participants := make([]wire.ParticipantInfo, 0, len(snapshot))
	for _, p := range snapshot {
		participants = append(participants, toWire(p))
	}
	entries := c.log.Entries()
	history := make([]*update.Update, 0, len(entries))
	for _, e := range entries {
		history = append(history, e.Update)
	}

	c.deliver([]string{peerID}, wire.Marshal(&wire.Envelope{
		Type:         wire.MsgJoinAccepted,
		SenderID:     c.self.ID,
		SessionID:    c.info.ID,
		Session:      sessionToWire(c.info),
		Participants: participants,
		History:      history,
	}), "join-accepted")

	info := toWire(joiner)
	c.deliver(c.peersExcept(peerID), wire.Marshal(&wire.Envelope{
		Type:        wire.MsgParticipantJoined,
		SenderID:    c.self.ID,
		SessionID:   c.info.ID,
		Participant: &info,
	}), "participant-joined")

	c.logger.Info("participant joined",
		zap.String("session_id", c.info.ID),
		zap.String("peer_id", peerID),
		zap.Int("history", len(history)))
	c.publish(events.Event{Kind: events.UserConnected, ParticipantID: joiner.ID})
	c.mirrorPresence(joiner)
	c.release(joiner.ID)
}

// LeaveSession announces departure, tears down every peer channel and
// moves to Left. Presence and the leave notice are sent before channels
// close.
func (c *Coordinator) LeaveSession(ctx context.Context) error {
	var (
		pending []<-chan fanout.Result
		peers   []string
		err     error
	)
	if derr := c.do(ctx, func() {
		if c.state != Active {
			err = fmt.Errorf("%w: cannot leave while %s", ErrInvalidState, c.state)
			return
		}
		_, frame := c.author(update.PresenceChanged, []byte(`{}`), nil)
		peers = c.transport.Peers()
		pending = append(pending, c.send(peers, frame))
		pending = append(pending, c.send(peers, wire.Marshal(&wire.Envelope{
			Type:      wire.MsgParticipantLeft,
			SenderID:  c.self.ID,
			SessionID: c.info.ID,
		})))

		c.state = Left
		if c.stopHeartbeat != nil {
			c.stopHeartbeat()
		}
		_ = c.registry.SetStatus(c.self.ID, participant.Offline)
		self, _ := c.registry.Get(c.self.ID)
		c.mirrorPresence(self)
		c.publish(events.Event{Kind: events.SessionLeft, ParticipantID: c.self.ID})
		c.logger.Info("leaving session", zap.String("session_id", c.info.ID), zap.Int("peers", len(peers)))
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}

	for _, ch := range pending {
		select {
		case res := <-ch:
			if !res.OK() {
				c.logger.Warn("farewell not delivered everywhere", zap.String("result", res.Summary()))
			}
		case <-ctx.Done():
		}
	}

	c.reconnect.Stop()

	var g errgroup.Group
	for _, peerID := range peers {
		peerID := peerID
		g.Go(func() error {
			if err := c.transport.Disconnect(peerID); err != nil {
				return fmt.Errorf("disconnect %s: %w", peerID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) startHeartbeat() {
	ctx, cancel := context.WithCancel(c.ctx)
	c.stopHeartbeat = cancel
	interval := c.heartbeat.Interval

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.post(c.heartbeatTick)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// heartbeatTick sweeps liveness and pings every peer. Runs on the loop.
func (c *Coordinator) heartbeatTick() {
	if c.state != Active {
		return
	}
	c.registry.Touch(c.self.ID)
	c.sweep()
	c.deliver(c.transport.Peers(), wire.Marshal(&wire.Envelope{
		Type:      wire.MsgHeartbeat,
		SenderID:  c.self.ID,
		SessionID: c.info.ID,
		Clock:     c.clock.Copy(),
	}), "heartbeat")
}

// sweep marks silent participants away, then offline. Their updates stay
// in the log. Runs on the loop.
func (c *Coordinator) sweep() {
	if c.state != Active || c.registry == nil {
		return
	}
	for _, tr := range c.registry.Sweep(c.heartbeat.AwayAfter, c.heartbeat.OfflineAfter, c.self.ID) {
		c.logger.Info("participant status changed",
			zap.String("session_id", c.info.ID),
			zap.String("peer_id", tr.ParticipantID),
			zap.String("from", tr.From.String()),
			zap.String("to", tr.To.String()))
		switch tr.To {
		case participant.Away:
			c.publish(events.Event{Kind: events.UserAway, ParticipantID: tr.ParticipantID})
		case participant.Offline:
			c.publish(events.Event{Kind: events.UserDisconnected, ParticipantID: tr.ParticipantID, Reason: "heartbeat timeout"})
		}
		if p, ok := c.registry.Get(tr.ParticipantID); ok {
			c.mirrorPresence(p)
		}
	}
}
