// Package memory is an in-process Transport. Endpoints created from one
// Network reach each other by participant ID; partitions can be injected
// to exercise disconnect and reconnect paths.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"collabengine/internal/transport"
)

type link struct{ a, b string }

func linkOf(a, b string) link {
	if b < a {
		a, b = b, a
	}
	return link{a, b}
}

// Network connects in-process endpoints.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	blocked   map[link]bool
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
		blocked:   make(map[link]bool),
	}
}

// Endpoint registers a new endpoint for participant id.
func (n *Network) Endpoint(id string) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.endpoints[id]; exists {
		return nil, fmt.Errorf("endpoint %s already registered", id)
	}
	e := &Endpoint{
		id:    id,
		net:   n,
		conns: make(map[string]bool),
		inbox: newMailbox(),
	}
	n.endpoints[id] = e
	return e, nil
}

// Partition cuts the link between a and b, dropping any open channel,
// until Heal is called.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[linkOf(a, b)] = true
	n.unlinkLocked(a, b)
}

// Heal restores the link between a and b. Channels are not reopened.
func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, linkOf(a, b))
}

func (n *Network) unlinkLocked(a, b string) {
	ea, eb := n.endpoints[a], n.endpoints[b]
	if ea != nil && ea.dropConn(b) {
		ea.emitState(b, transport.Disconnected)
	}
	if eb != nil && eb.dropConn(a) {
		eb.emitState(a, transport.Disconnected)
	}
}

// Endpoint is one participant's Transport on a Network.
type Endpoint struct {
	id    string
	net   *Network
	inbox *mailbox

	mu      sync.Mutex
	conns   map[string]bool
	onMsg   transport.MessageHandler
	onState transport.PeerStateHandler
	closed  bool
}

var _ transport.Transport = (*Endpoint)(nil)

// LocalID implements transport.Transport.
func (e *Endpoint) LocalID() string { return e.id }

// OnMessage implements transport.Transport.
func (e *Endpoint) OnMessage(h transport.MessageHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMsg = h
}

// OnPeerStateChange implements transport.Transport.
func (e *Endpoint) OnPeerStateChange(h transport.PeerStateHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = h
}

// Connect implements transport.Transport.
func (e *Endpoint) Connect(ctx context.Context, peerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.isClosed() {
		return transport.ErrClosed
	}
	if e.connected(peerID) {
		return nil
	}
	e.emitState(peerID, transport.Connecting)

	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	remote, ok := n.endpoints[peerID]
	if !ok || peerID == e.id || n.blocked[linkOf(e.id, peerID)] || remote.isClosed() {
		e.emitState(peerID, transport.Disconnected)
		return fmt.Errorf("%w: %s", transport.ErrPeerUnreachable, peerID)
	}
	if e.addConn(peerID) {
		e.emitState(peerID, transport.Connected)
	}
	if remote.addConn(e.id) {
		remote.emitState(e.id, transport.Connected)
	}
	return nil
}

// Send implements transport.Transport.
func (e *Endpoint) Send(peerID string, data []byte) <-chan error {
	if e.isClosed() {
		return transport.Done(transport.ErrClosed)
	}
	if !e.connected(peerID) {
		return transport.Done(fmt.Errorf("%w: %s", transport.ErrPeerUnknown, peerID))
	}

	e.net.mu.Lock()
	remote := e.net.endpoints[peerID]
	e.net.mu.Unlock()
	if remote == nil {
		return transport.Done(fmt.Errorf("%w: %s", transport.ErrPeerUnknown, peerID))
	}

	frame := append([]byte(nil), data...)
	from := e.id
	remote.inbox.push(func() { remote.deliver(from, frame) })
	return transport.Done(nil)
}

// Peers implements transport.Transport.
func (e *Endpoint) Peers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.conns))
	for id := range e.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Disconnect implements transport.Transport.
func (e *Endpoint) Disconnect(peerID string) error {
	if e.isClosed() {
		return transport.ErrClosed
	}
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.net.unlinkLocked(e.id, peerID)
	return nil
}

// Close implements transport.Transport.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	peers := make([]string, 0, len(e.conns))
	for id := range e.conns {
		peers = append(peers, id)
	}
	e.mu.Unlock()

	n := e.net
	n.mu.Lock()
	for _, id := range peers {
		n.unlinkLocked(e.id, id)
	}
	delete(n.endpoints, e.id)
	n.mu.Unlock()

	e.inbox.close()
	return nil
}

func (e *Endpoint) deliver(from string, data []byte) {
	e.mu.Lock()
	h := e.onMsg
	e.mu.Unlock()
	if h != nil {
		h(from, data)
	}
}

func (e *Endpoint) emitState(peerID string, s transport.PeerState) {
	e.inbox.push(func() {
		e.mu.Lock()
		h := e.onState
		e.mu.Unlock()
		if h != nil {
			h(peerID, s)
		}
	})
}

func (e *Endpoint) connected(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[peerID]
}

func (e *Endpoint) addConn(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conns[peerID] {
		return false
	}
	e.conns[peerID] = true
	return true
}

func (e *Endpoint) dropConn(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.conns[peerID] {
		return false
	}
	delete(e.conns, peerID)
	return true
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
