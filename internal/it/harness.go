// Package it runs whole sessions in one process, over the in-memory
// network or real gRPC peer streams on loopback.
package it

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabengine/internal/analytics"
	"collabengine/internal/backoff"
	"collabengine/internal/events"
	"collabengine/internal/participant"
	"collabengine/internal/session"
	"collabengine/internal/transport"
	"collabengine/internal/transport/grpcpeer"
	"collabengine/internal/transport/memory"
	"collabengine/internal/update"
)

// Backend selects the peer transport.
type Backend int

const (
	Memory Backend = iota
	GRPC
)

// Options configures a Cluster.
type Options struct {
	Backend Backend
	Logger  *zap.Logger
	// Now overrides every coordinator's clock.
	Now     func() time.Time
	Backoff backoff.Policy
}

// Cluster is a set of participants in one session.
type Cluster struct {
	opts Options
	net  *memory.Network

	mu    sync.Mutex
	nodes []*Node
}

// Node is one participant.
type Node struct {
	ID string
	*session.Coordinator
	Transport transport.Transport
	Events    *EventLog
	Metrics   *analytics.Recorder
}

// EventLog collects published events.
type EventLog struct {
	mu   sync.Mutex
	evts []events.Event
}

// Publish implements events.Publisher.
func (l *EventLog) Publish(evt events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evts = append(l.evts, evt)
	return nil
}

// Find returns the events of one kind, optionally about one participant.
func (l *EventLog) Find(kind events.Kind, participantID string) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.evts {
		if e.Kind == kind && (participantID == "" || e.ParticipantID == participantID) {
			out = append(out, e)
		}
	}
	return out
}

// NewCluster creates an empty cluster.
func NewCluster(opts Options) *Cluster {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Backoff.Multiplier == 0 {
		opts.Backoff = backoff.Policy{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2, MaxAttempts: 4}
	}
	return &Cluster{opts: opts, net: memory.NewNetwork()}
}

// AddNode creates a participant with the given grants ("*" when none).
func (c *Cluster) AddNode(id string, grants ...string) (*Node, error) {
	if len(grants) == 0 {
		grants = []string{"*"}
	}

	var tr transport.Transport
	switch c.opts.Backend {
	case GRPC:
		g := grpcpeer.New(grpcpeer.Config{LocalID: id, ListenAddr: "127.0.0.1:0", Logger: c.opts.Logger})
		if err := g.Start(); err != nil {
			return nil, fmt.Errorf("failed to start transport for %s: %w", id, err)
		}
		c.mu.Lock()
		for _, n := range c.nodes {
			other := n.Transport.(*grpcpeer.Transport)
			other.AddPeer(id, g.Addr())
			g.AddPeer(n.ID, other.Addr())
		}
		c.mu.Unlock()
		tr = g
	default:
		ep, err := c.net.Endpoint(id)
		if err != nil {
			return nil, err
		}
		tr = ep
	}

	n := &Node{
		ID:        id,
		Transport: tr,
		Events:    &EventLog{},
		Metrics:   analytics.NewRecorder(c.opts.Logger),
	}
	n.Coordinator = session.New(session.Options{
		Self: participant.Participant{
			ID:          id,
			DisplayName: "user " + id,
			Permissions: participant.Permissions{Actions: grants},
		},
		Transport: tr,
		Backoff:   c.opts.Backoff,
		Events:    n.Events,
		Analytics: n.Metrics,
		Logger:    c.opts.Logger,
		Now:       c.opts.Now,
	})

	c.mu.Lock()
	c.nodes = append(c.nodes, n)
	c.mu.Unlock()
	return n, nil
}

// Start hosts sessionID on the first node and joins every other node
// through it, then waits until the peer mesh is complete.
func (c *Cluster) Start(ctx context.Context, sessionID string, settings session.Settings) error {
	nodes := c.Nodes()
	if len(nodes) == 0 {
		return fmt.Errorf("cluster has no nodes")
	}
	if _, err := nodes[0].CreateSession(ctx, sessionID, "doc-"+sessionID, settings); err != nil {
		return fmt.Errorf("failed to host on %s: %w", nodes[0].ID, err)
	}
	for _, n := range nodes[1:] {
		if _, err := n.JoinSession(ctx, sessionID, nodes[0].ID); err != nil {
			return fmt.Errorf("failed to join %s: %w", n.ID, err)
		}
	}
	return c.WaitMesh(ctx)
}

// WaitMesh waits until every active node has a channel to every other
// active node.
func (c *Cluster) WaitMesh(ctx context.Context) error {
	return poll(ctx, func() bool {
		active := c.active()
		for _, n := range active {
			if len(n.Transport.Peers()) < len(active)-1 {
				return false
			}
		}
		return true
	})
}

// WaitConverged waits until every active node has logged count updates,
// agrees on each update's status and projects the same document.
func (c *Cluster) WaitConverged(ctx context.Context, count int) error {
	var last string
	err := poll(ctx, func() bool {
		last = ""
		active := c.active()
		if len(active) == 0 {
			last = "no active nodes"
			return false
		}
		ref := active[0]
		refEntries := ref.Updates(0)
		if len(refEntries) != count {
			last = fmt.Sprintf("%s has %d/%d updates", ref.ID, len(refEntries), count)
			return false
		}
		digest := ref.Document().Digest()
		for _, n := range active[1:] {
			if got := len(n.Updates(0)); got != count {
				last = fmt.Sprintf("%s has %d/%d updates", n.ID, got, count)
				return false
			}
			for _, e := range refEntries {
				if s, _ := n.Status(e.Update.ID); s != e.Status {
					last = fmt.Sprintf("%s sees %s as %s, %s sees %s", n.ID, e.Update.ID, s, ref.ID, e.Status)
					return false
				}
			}
			if n.Document().Digest() != digest {
				last = fmt.Sprintf("%s document differs from %s", n.ID, ref.ID)
				return false
			}
		}
		return true
	})
	if err != nil && last != "" {
		return fmt.Errorf("%w: %s", err, last)
	}
	return err
}

// Node returns a node by ID.
func (c *Cluster) Node(id string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Nodes returns every node in creation order.
func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Node(nil), c.nodes...)
}

// Partition cuts the link between two nodes. Memory backend only.
func (c *Cluster) Partition(a, b string) {
	c.net.Partition(a, b)
}

// Stop closes every coordinator and transport.
func (c *Cluster) Stop() {
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = nil
	c.mu.Unlock()

	for _, n := range nodes {
		_ = n.Close()
		_ = n.Transport.Close()
		_ = n.Metrics.Close()
	}
}

func (c *Cluster) active() []*Node {
	var out []*Node
	for _, n := range c.Nodes() {
		if n.State() == session.Active {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Statuses maps update IDs to their apply state on n.
func Statuses(n *Node) map[string]update.Status {
	out := make(map[string]update.Status)
	for _, e := range n.Updates(0) {
		out[e.Update.ID] = e.Status
	}
	return out
}

func poll(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
