package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"collabengine/internal/analytics"
	"collabengine/internal/conflict"
	"collabengine/internal/events"
	"collabengine/internal/fanout"
	"collabengine/internal/participant"
	"collabengine/internal/tracer"
	"collabengine/internal/update"
	"collabengine/internal/wire"
)

// origin tells ingest where an update came from.
type origin int

const (
	fromLocal origin = iota
	fromPeer
	// fromHistory is replay of the host's log during a join.
	fromHistory
)

// maxDeferred bounds the updates held for authors not yet announced.
const maxDeferred = 1024

// BroadcastUpdate stamps, logs and evaluates a local mutation, then starts
// delivery to every connected peer. It returns once the send is initiated;
// delivery failures are logged and counted, never rolled back.
func (c *Coordinator) BroadcastUpdate(ctx context.Context, kind update.Kind, payload []byte, dependsOn ...string) (Receipt, error) {
	ctx, span := tracer.Tracer().Start(ctx, "session.BroadcastUpdate")
	defer span.End()
	span.SetAttributes(attribute.String("update.kind", string(kind)))

	if !kind.Valid() {
		err := fmt.Errorf("%w: unknown kind %q", wire.ErrMalformedUpdate, kind)
		span.SetStatus(codes.Error, err.Error())
		return Receipt{}, err
	}

	var (
		receipt Receipt
		err     error
	)
	if derr := c.do(ctx, func() {
		if c.state != Active {
			err = fmt.Errorf("%w: cannot broadcast while %s", ErrInvalidState, c.state)
			return
		}
		var frame []byte
		receipt, frame = c.author(kind, payload, dependsOn)
		c.deliver(c.transport.Peers(), frame, "update")
	}); derr != nil {
		err = derr
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Receipt{}, err
	}

	c.analytics.Incr(c.sessionID(), c.self.ID, analytics.UpdatesBroadcast)
	span.SetAttributes(
		attribute.String("update.id", receipt.Update.ID),
		attribute.String("update.status", receipt.Status.String()),
		attribute.Int("update.conflicts", len(receipt.Conflicts)),
	)
	return receipt, nil
}

// UpdateLocalPresence broadcasts the local cursor and selection. Presence
// never conflicts; the latest value wins.
func (c *Coordinator) UpdateLocalPresence(ctx context.Context, p participant.Presence) (Receipt, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode presence: %w", err)
	}
	return c.BroadcastUpdate(ctx, update.PresenceChanged, payload)
}

// HandleRemoteUpdate ingests an update received from a peer. Re-delivery
// of a known update is a no-op reported through Receipt.Duplicate. An
// update whose author has not been announced yet is held and reported
// through Receipt.Deferred.
func (c *Coordinator) HandleRemoteUpdate(ctx context.Context, u *update.Update) (Receipt, error) {
	ctx, span := tracer.Tracer().Start(ctx, "session.HandleRemoteUpdate")
	defer span.End()

	if u == nil {
		return Receipt{}, fmt.Errorf("%w: nil update", wire.ErrMalformedUpdate)
	}
	if err := wire.Validate(u); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Receipt{}, err
	}
	span.SetAttributes(
		attribute.String("update.kind", string(u.Kind)),
		attribute.String("update.id", u.ID),
	)

	var (
		receipt Receipt
		err     error
	)
	if derr := c.do(ctx, func() {
		if c.state != Active {
			err = fmt.Errorf("%w: cannot ingest while %s", ErrInvalidState, c.state)
			return
		}
		if u.SessionID != "" && u.SessionID != c.info.ID {
			err = fmt.Errorf("%w: update for session %s", wire.ErrMalformedUpdate, u.SessionID)
			return
		}
		receipt = c.ingest(u.Copy(), fromPeer)
	}); derr != nil {
		return Receipt{}, derr
	}
	return receipt, err
}

// ResolveConflict records a manual decision for a held update. accept
// applies the original payload, merge and transform apply transformed,
// reject leaves the update unapplied.
func (c *Coordinator) ResolveConflict(ctx context.Context, updateID string, resolution conflict.Resolution, transformed []byte) (conflict.Record, error) {
	var (
		rec conflict.Record
		err error
	)
	if derr := c.do(ctx, func() {
		if c.state != Active {
			err = fmt.Errorf("%w: cannot resolve while %s", ErrInvalidState, c.state)
			return
		}
		entry, ok := c.log.FindByID(updateID)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownUpdate, updateID)
			return
		}
		if rec, err = c.resolver.ResolveManual(entry, resolution, transformed); err != nil {
			return
		}

		c.analytics.Incr(c.info.ID, entry.Update.AuthorID, analytics.ConflictMetric(string(rec.Kind), string(rec.Resolution)))
		published := rec
		c.publish(events.Event{Kind: events.ConflictDetected, Update: entry.Update, Conflict: &published})

		if resolution == conflict.Reject {
			c.log.SetStatus(updateID, update.Rejected, nil)
			return
		}
		effective := entry.Update.Payload
		if rec.TransformedPayload != nil {
			effective = rec.TransformedPayload
		}
		c.log.SetStatus(updateID, update.Applied, effective)
		c.applied(entry.Update, effective)
	}); derr != nil {
		return conflict.Record{}, derr
	}
	return rec, err
}

// author builds the next local update and ingests it. Runs on the loop.
func (c *Coordinator) author(kind update.Kind, payload []byte, dependsOn []string) (Receipt, []byte) {
	c.clock.Increment(c.self.ID)
	u := &update.Update{
		ID:        uuid.NewString(),
		Timestamp: c.now(),
		AuthorID:  c.self.ID,
		SessionID: c.info.ID,
		Kind:      kind,
		Payload:   append([]byte(nil), payload...),
		Clock:     c.clock.Copy(),
	}
	if len(dependsOn) > 0 {
		u.DependsOn = append([]string(nil), dependsOn...)
	}
	receipt := c.ingest(u, fromLocal)
	frame := wire.Marshal(&wire.Envelope{
		Type:      wire.MsgUpdate,
		SenderID:  c.self.ID,
		SessionID: c.info.ID,
		Update:    u,
	})
	return receipt, frame
}

// ingest merges, logs, evaluates and applies one update. Runs on the loop.
func (c *Coordinator) ingest(u *update.Update, from origin) Receipt {
	if from != fromLocal && !c.known(u.AuthorID) {
		return c.deferUpdate(u, from)
	}
	c.clock.Merge(u.Clock)

	if err := c.log.Append(u, update.Applied); err != nil {
		if !errors.Is(err, update.ErrDuplicateUpdate) {
			c.logger.Error("failed to append update", zap.String("update_id", u.ID), zap.Error(err))
			return Receipt{Update: u}
		}
		if from == fromPeer {
			c.analytics.Incr(c.info.ID, u.AuthorID, analytics.UpdatesDuplicate)
		}
		receipt := Receipt{Update: u, Duplicate: true}
		if e, ok := c.log.FindByID(u.ID); ok {
			receipt.Update, receipt.Status = e.Update, e.Status
		}
		return receipt
	}
	if from == fromPeer {
		c.analytics.Incr(c.info.ID, u.AuthorID, analytics.UpdatesReceived)
	}

	out := c.resolver.Evaluate(u, c.log.RecentWindow(c.info.Settings.RecentWindow), c.log, c.registry)
	c.log.SetStatus(u.ID, out.Verdict.Status(), nil)
	for _, id := range out.Superseded {
		c.log.SetStatus(id, update.Rejected, nil)
	}
	for i := range out.Records {
		rec := out.Records[i]
		c.analytics.Incr(c.info.ID, u.AuthorID, analytics.ConflictMetric(string(rec.Kind), string(rec.Resolution)))
		// Each event carries the update its record is about.
		subject := u
		if rec.UpdateID != u.ID {
			if e, ok := c.log.FindByID(rec.UpdateID); ok {
				subject = e.Update
			}
		}
		c.publish(events.Event{Kind: events.ConflictDetected, Update: subject, Conflict: &rec})
	}
	if out.Conflicted() {
		c.logger.Info("conflict detected",
			zap.String("session_id", c.info.ID),
			zap.String("update_id", u.ID),
			zap.String("verdict", out.Verdict.String()),
			zap.Strings("superseded", out.Superseded))
	}

	if out.Verdict == conflict.Accepted {
		if u.Kind == update.PresenceChanged && from == fromHistory {
			// Replayed cursors are stale; live presence follows.
			return Receipt{Update: u, Status: update.Applied}
		}
		c.applied(u, u.Payload)
	}
	return Receipt{Update: u, Status: out.Verdict.Status(), Conflicts: out.Records}
}

func (c *Coordinator) known(participantID string) bool {
	if participantID == c.self.ID {
		return true
	}
	_, ok := c.registry.Get(participantID)
	return ok
}

// deferUpdate holds u until its author is announced. Grants decide the
// verdict, so it cannot be evaluated before then.
func (c *Coordinator) deferUpdate(u *update.Update, from origin) Receipt {
	receipt := Receipt{Update: u, Status: update.Pending, Deferred: true}
	if _, dup := c.deferredIDs[u.ID]; dup {
		c.analytics.Incr(c.info.ID, u.AuthorID, analytics.UpdatesDuplicate)
		receipt.Duplicate = true
		return receipt
	}
	if len(c.deferredIDs) >= maxDeferred {
		c.analytics.Incr(c.info.ID, u.AuthorID, analytics.UpdatesDropped)
		c.logger.Warn("dropping update from unknown author, deferral queue full",
			zap.String("update_id", u.ID),
			zap.String("peer_id", u.AuthorID))
		return receipt
	}
	c.deferred[u.AuthorID] = append(c.deferred[u.AuthorID], deferredUpdate{u: u, from: from})
	c.deferredIDs[u.ID] = struct{}{}
	c.analytics.Incr(c.info.ID, u.AuthorID, analytics.UpdatesDeferred)
	c.logger.Debug("deferring update from unknown author",
		zap.String("update_id", u.ID),
		zap.String("peer_id", u.AuthorID))
	return receipt
}

// release evaluates the updates held for a participant that just became
// known, in arrival order.
func (c *Coordinator) release(participantID string) {
	held := c.deferred[participantID]
	if len(held) == 0 {
		return
	}
	delete(c.deferred, participantID)
	for _, d := range held {
		delete(c.deferredIDs, d.u.ID)
	}
	c.logger.Info("evaluating deferred updates",
		zap.String("peer_id", participantID),
		zap.Int("count", len(held)))
	for _, d := range held {
		c.ingest(d.u, d.from)
	}
}

// applied surfaces an update that became part of the document.
func (c *Coordinator) applied(u *update.Update, payload []byte) {
	if u.Kind != update.PresenceChanged {
		c.publish(events.Event{Kind: events.ForUpdate(u.Kind), Update: u})
		return
	}

	var pr participant.Presence
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &pr); err != nil {
			c.logger.Warn("dropping malformed presence", zap.String("update_id", u.ID), zap.Error(err))
			return
		}
	}
	if err := c.registry.SetPresence(u.AuthorID, pr); err != nil {
		c.logger.Debug("presence for unknown participant", zap.String("peer_id", u.AuthorID), zap.Error(err))
		return
	}
	c.publish(events.Event{Kind: events.PresenceUpdated, Update: u, ParticipantID: u.AuthorID})
	if p, ok := c.registry.Get(u.AuthorID); ok {
		c.mirrorPresence(p)
	}
}

// send hands frame to each peer now, preserving per-channel order, and
// reports the outcome in the background.
func (c *Coordinator) send(peers []string, frame []byte) <-chan fanout.Result {
	pending := make(map[string]<-chan error, len(peers))
	for _, peerID := range peers {
		pending[peerID] = c.transport.Send(peerID, frame)
	}
	return fanout.Go(c.ctx, peers, c.timeout, func(ctx context.Context, peerID string) error {
		select {
		case err := <-pending[peerID]:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// deliver sends frame and reacts to failures: counted, logged, and the
// failed peers are queued for reconnection.
func (c *Coordinator) deliver(peers []string, frame []byte, what string) {
	if len(peers) == 0 {
		return
	}
	done := c.send(peers, frame)
	sessionID := c.info.ID

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		var res fanout.Result
		select {
		case res = <-done:
		case <-c.ctx.Done():
			return
		}
		if res.OK() {
			return
		}
		c.logger.Warn("send failed",
			zap.String("session_id", sessionID),
			zap.String("frame", what),
			zap.String("result", res.Summary()))
		for _, peerID := range res.Failed {
			c.analytics.Incr(sessionID, peerID, analytics.SendFailures)
			peerID := peerID
			c.post(func() { c.ensureReconnect(peerID) })
		}
	}()
}

func (c *Coordinator) peersExcept(id string) []string {
	peers := c.transport.Peers()
	out := peers[:0:0]
	for _, p := range peers {
		if p != id {
			out = append(out, p)
		}
	}
	return out
}
