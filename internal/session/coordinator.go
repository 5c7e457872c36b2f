package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"collabengine/internal/analytics"
	"collabengine/internal/auth"
	"collabengine/internal/backoff"
	"collabengine/internal/clock"
	"collabengine/internal/conflict"
	"collabengine/internal/document"
	"collabengine/internal/events"
	"collabengine/internal/fanout"
	"collabengine/internal/participant"
	"collabengine/internal/presence"
	"collabengine/internal/transport"
	"collabengine/internal/update"
)

const opsQueueSize = 4096

// HeartbeatConfig controls liveness sweeps.
type HeartbeatConfig struct {
	Interval     time.Duration
	AwayAfter    time.Duration
	OfflineAfter time.Duration
}

// DefaultHeartbeat returns the default sweep timings.
func DefaultHeartbeat() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:     30 * time.Second,
		AwayAfter:    45 * time.Second,
		OfflineAfter: 90 * time.Second,
	}
}

// Options configures a Coordinator. Transport and Self.ID are required.
type Options struct {
	// Self is the local participant: ID, display name and the permission
	// snapshot from the auth provider.
	Self      participant.Participant
	Transport transport.Transport
	Policy    conflict.Policy
	Backoff   backoff.Policy
	Heartbeat HeartbeatConfig

	// SendTimeout bounds how long a send may take before it counts as failed.
	SendTimeout time.Duration
	Events      events.Publisher
	Analytics   *analytics.Recorder
	Presence    presence.Mirror
	// Verifier, when set, checks participant tokens. Permissions are then
	// taken from verified grants only, never from what a peer claims.
	Verifier Verifier

	// RecentWindow and Retention are the local defaults for sessions that
	// do not set them. Joiners always use their own values.
	RecentWindow int
	Retention    int

	Logger *zap.Logger
	Now    func() time.Time
}

// Verifier checks signed participant grants. auth.Provider satisfies it.
type Verifier interface {
	Verify(token string) (auth.Grant, error)
}

// Coordinator owns one session: lifecycle, update broadcast and ingest,
// conflict handling, presence and peer reconnection.
type Coordinator struct {
	self      participant.Participant
	transport transport.Transport
	policy    conflict.Policy
	heartbeat HeartbeatConfig
	timeout   time.Duration
	events    events.Publisher
	analytics *analytics.Recorder
	mirror    presence.Mirror
	verifier  Verifier
	logger    *zap.Logger
	now       func() time.Time
	reconnect *backoff.Manager
	defaults  Settings

	ctx       context.Context
	cancel    context.CancelFunc
	ops       chan func()
	loopDone  chan struct{}
	closeOnce sync.Once
	bg        sync.WaitGroup
	sid       atomic.Value

	// Owned by the loop goroutine.
	state         State
	info          Info
	clock         clock.VectorClock
	log           *update.Log
	registry      *participant.Registry
	resolver      *conflict.Resolver
	stopHeartbeat context.CancelFunc
	join          *joinAttempt
	// deferred holds updates by authors not yet in the registry, per author.
	deferred    map[string][]deferredUpdate
	deferredIDs map[string]struct{}
}

type deferredUpdate struct {
	u    *update.Update
	from origin
}

type joinAttempt struct {
	sessionID string
	hostID    string
	reply     chan joinResult
}

type joinResult struct {
	info Info
	err  error
}

type discardEvents struct{}

func (discardEvents) Publish(events.Event) error { return nil }

// New creates a coordinator in the Uninitialized state and installs its
// transport handlers.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = discardEvents{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Heartbeat.Interval <= 0 {
		opts.Heartbeat = DefaultHeartbeat()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = fanout.DefaultPerPeerTimeout
	}
	if opts.Backoff.Multiplier == 0 {
		opts.Backoff = backoff.DefaultPolicy()
	}
	if opts.Self.DisplayName == "" {
		opts.Self.DisplayName = opts.Self.ID
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.Logger.Named("session").With(zap.String("participant_id", opts.Self.ID))
	c := &Coordinator{
		self:      opts.Self,
		transport: opts.Transport,
		policy:    opts.Policy,
		heartbeat: opts.Heartbeat,
		timeout:   opts.SendTimeout,
		events:    opts.Events,
		analytics: opts.Analytics,
		mirror:    opts.Presence,
		verifier:  opts.Verifier,
		logger:    logger,
		now:       opts.Now,
		defaults:  Settings{RecentWindow: opts.RecentWindow, Retention: opts.Retention},
		ctx:       ctx,
		cancel:    cancel,
		ops:       make(chan func(), opsQueueSize),
		loopDone:  make(chan struct{}),
		state:     Uninitialized,
	}
	if c.verifier != nil {
		self, err := c.admit(toWire(opts.Self))
		if err != nil {
			logger.Warn("local participant has no verified grant", zap.Error(err))
			self = opts.Self
			self.Permissions = participant.Permissions{}
		}
		c.self = self
	}
	c.reconnect = backoff.NewManager(opts.Backoff, backoff.Hooks{
		OnAttempt: func(peerID string, attempt int) {
			c.analytics.Incr(c.sessionID(), peerID, analytics.ReconnectAttempts)
		},
		OnStateChange: func(peerID string, s backoff.State) {
			c.logger.Debug("peer connection state", zap.String("peer_id", peerID), zap.String("state", string(s)))
		},
	}, opts.Logger)

	c.transport.OnMessage(func(peerID string, data []byte) {
		c.post(func() { c.handleFrame(peerID, data) })
	})
	c.transport.OnPeerStateChange(func(peerID string, s transport.PeerState) {
		c.post(func() { c.handlePeerState(peerID, s) })
	})

	go c.run()
	return c
}

// LocalID returns the local participant ID.
func (c *Coordinator) LocalID() string {
	return c.self.ID
}

func (c *Coordinator) run() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.ops:
			c.safely(fn)
		case <-c.ctx.Done():
			return
		}
	}
}

// safely runs fn, turning a panic into a log entry so one bad frame cannot
// stop the session for everyone else.
func (c *Coordinator) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered panic in session loop", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// do runs fn on the loop and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case c.ops <- wrapped:
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.loopDone:
		return ErrClosed
	}
}

// post queues fn without waiting. Used by transport and timer callbacks.
func (c *Coordinator) post(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.ctx.Done():
	}
}

// Close stops the loop and every background task. It does not close the
// transport, which belongs to the caller.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.loopDone
		if c.stopHeartbeat != nil {
			c.stopHeartbeat()
		}
		c.reconnect.Stop()
		c.bg.Wait()
	})
	return nil
}

// sessionID is readable off the loop, for hooks running on other goroutines.
func (c *Coordinator) sessionID() string {
	id, _ := c.sid.Load().(string)
	return id
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	var s State
	if err := c.do(context.Background(), func() { s = c.state }); err != nil {
		return Left
	}
	return s
}

// Info returns the session description.
func (c *Coordinator) Info() Info {
	var info Info
	_ = c.do(context.Background(), func() { info = c.snapshotInfo() })
	return info
}

func (c *Coordinator) snapshotInfo() Info {
	info := c.info
	info.State = c.state.String()
	info.LocalID = c.self.ID
	if c.log != nil {
		info.LastActivity = c.log.LastActivity()
	}
	info.Settings.Features = append([]string(nil), c.info.Settings.Features...)
	return info
}

// Participants returns the registry snapshot, sorted by ID.
func (c *Coordinator) Participants() []participant.Participant {
	var out []participant.Participant
	_ = c.do(context.Background(), func() {
		if c.registry != nil {
			out = c.registry.Snapshot()
		}
	})
	return out
}

// Participant returns one participant.
func (c *Coordinator) Participant(id string) (participant.Participant, bool) {
	var (
		p  participant.Participant
		ok bool
	)
	_ = c.do(context.Background(), func() {
		if c.registry != nil {
			p, ok = c.registry.Get(id)
		}
	})
	return p, ok
}

// Conflicts returns the conflict audit log in detection order.
func (c *Coordinator) Conflicts() []conflict.Record {
	var out []conflict.Record
	_ = c.do(context.Background(), func() {
		if c.resolver != nil {
			out = c.resolver.Records()
		}
	})
	return out
}

// Updates returns the last n log entries, oldest first; n <= 0 returns all.
func (c *Coordinator) Updates(n int) []update.Entry {
	var out []update.Entry
	_ = c.do(context.Background(), func() {
		if c.log != nil {
			out = c.log.RecentWindow(n)
		}
	})
	return out
}

// UpdatesBy returns the retained updates authored by participantID.
func (c *Coordinator) UpdatesBy(participantID string) []*update.Update {
	var out []*update.Update
	_ = c.do(context.Background(), func() {
		if c.log != nil {
			out = c.log.ByParticipant(participantID)
		}
	})
	return out
}

// Status returns the apply state of a logged update.
func (c *Coordinator) Status(updateID string) (update.Status, bool) {
	var (
		s  update.Status
		ok bool
	)
	_ = c.do(context.Background(), func() {
		if c.log == nil {
			return
		}
		var e update.Entry
		if e, ok = c.log.FindByID(updateID); ok {
			s = e.Status
		}
	})
	return s, ok
}

// Clock returns a copy of the local vector clock.
func (c *Coordinator) Clock() clock.VectorClock {
	var vc clock.VectorClock
	_ = c.do(context.Background(), func() {
		if c.clock != nil {
			vc = c.clock.Copy()
		}
	})
	return vc
}

// Document projects the applied updates.
func (c *Coordinator) Document() *document.Document {
	var entries []update.Entry
	_ = c.do(context.Background(), func() {
		if c.log != nil {
			entries = c.log.Entries()
		}
	})
	return document.Project(entries)
}

// Sweep runs one heartbeat sweep now.
func (c *Coordinator) Sweep() {
	_ = c.do(context.Background(), c.sweep)
}

func (c *Coordinator) publish(evt events.Event) {
	evt.SessionID = c.info.ID
	if evt.At.IsZero() {
		evt.At = c.now()
	}
	if err := c.events.Publish(evt); err != nil {
		c.logger.Warn("failed to publish event", zap.String("kind", string(evt.Kind)), zap.Error(err))
	}
}

// mirrorPresence pushes p to the presence mirror in the background.
func (c *Coordinator) mirrorPresence(p participant.Participant) {
	if c.mirror == nil {
		return
	}
	sessionID := c.info.ID
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
		defer cancel()
		if err := c.mirror.Publish(ctx, sessionID, p); err != nil {
			c.logger.Debug("presence mirror failed", zap.String("peer_id", p.ID), zap.Error(err))
		}
	}()
}
