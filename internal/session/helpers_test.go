package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabengine/internal/analytics"
	"collabengine/internal/backoff"
	"collabengine/internal/clock"
	"collabengine/internal/events"
	"collabengine/internal/participant"
	"collabengine/internal/transport/memory"
	"collabengine/internal/update"
	"collabengine/internal/wire"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventLog struct {
	mu   sync.Mutex
	evts []events.Event
}

func (l *eventLog) Publish(evt events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evts = append(l.evts, evt)
	return nil
}

func (l *eventLog) has(kind events.Kind, participantID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.evts {
		if e.Kind == kind && (participantID == "" || e.ParticipantID == participantID) {
			return true
		}
	}
	return false
}

func (l *eventLog) find(kind events.Kind) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.evts {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) count(kind events.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.evts {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type node struct {
	*Coordinator
	ep      *memory.Endpoint
	events  *eventLog
	metrics *analytics.Recorder
}

type nodeOption func(*Options)

func withPermissions(actions ...string) nodeOption {
	return func(o *Options) { o.Self.Permissions = participant.Permissions{Actions: actions} }
}

func withVerifier(v Verifier, token string) nodeOption {
	return func(o *Options) {
		o.Verifier = v
		o.Self.Token = token
	}
}

func withClock(fc *fakeClock) nodeOption {
	return func(o *Options) { o.Now = fc.Now }
}

func fastBackoff() backoff.Policy {
	return backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2, MaxAttempts: 3}
}

func newNode(t *testing.T, net *memory.Network, id string, opts ...nodeOption) *node {
	t.Helper()
	ep, err := net.Endpoint(id)
	require.NoError(t, err)

	n := &node{ep: ep, events: &eventLog{}, metrics: analytics.NewRecorder(nil)}
	o := Options{
		Self:      participant.Participant{ID: id, Permissions: participant.Permissions{Actions: []string{"*"}}},
		Transport: ep,
		Backoff:   fastBackoff(),
		Events:    n.events,
		Analytics: n.metrics,
	}
	for _, opt := range opts {
		opt(&o)
	}
	n.Coordinator = New(o)
	t.Cleanup(func() {
		_ = n.Close()
		_ = ep.Close()
		_ = n.metrics.Close()
	})
	return n
}

func defaultSettings() Settings {
	return Settings{MaxParticipants: 8}
}

func host(t *testing.T, n *node, sessionID string, s Settings) Info {
	t.Helper()
	info, err := n.CreateSession(context.Background(), sessionID, "doc-1", s)
	require.NoError(t, err)
	return info
}

func join(t *testing.T, n *node, sessionID, hostID string) Info {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	info, err := n.JoinSession(ctx, sessionID, hostID)
	require.NoError(t, err)
	return info
}

// mesh hosts a session on the first ID and joins the rest, waiting until
// every node has a channel to every other.
func mesh(t *testing.T, net *memory.Network, ids ...string) []*node {
	t.Helper()
	nodes := make([]*node, len(ids))
	for i, id := range ids {
		nodes[i] = newNode(t, net, id)
	}
	host(t, nodes[0], "s1", defaultSettings())
	for _, n := range nodes[1:] {
		join(t, n, "s1", ids[0])
	}
	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool { return len(n.ep.Peers()) == len(ids)-1 }, waitFor, tick)
	}
	return nodes
}

// announce delivers a participant-joined notice for id, as the host would,
// granting actions ("*" when none).
func announce(t *testing.T, n *node, id string, actions ...string) {
	t.Helper()
	if len(actions) == 0 {
		actions = []string{"*"}
	}
	info := wire.ParticipantInfo{ID: id, Permissions: actions, Status: "online"}
	require.NoError(t, n.do(context.Background(), func() {
		n.handleParticipantJoined(&wire.Envelope{
			Type:        wire.MsgParticipantJoined,
			SenderID:    n.LocalID(),
			SessionID:   n.info.ID,
			Participant: &info,
		})
	}))
}

func entityBody(id, data string) []byte {
	return update.EncodeBody(update.Body{EntityID: id, Data: []byte(`"` + data + `"`)})
}

func vc(pairs ...interface{}) clock.VectorClock {
	out := clock.New()
	for i := 0; i < len(pairs); i += 2 {
		out.Set(pairs[i].(string), int64(pairs[i+1].(int)))
	}
	return out
}

func remoteUpdate(id, author string, at time.Time, kind update.Kind, payload []byte, c clock.VectorClock) *update.Update {
	return &update.Update{
		ID:        id,
		Timestamp: at,
		AuthorID:  author,
		SessionID: "s1",
		Kind:      kind,
		Payload:   payload,
		Clock:     c,
	}
}
