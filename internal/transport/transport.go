package transport

import (
	"context"
	"errors"
)

var (
	// ErrPeerUnknown is returned when sending to a peer with no open channel.
	ErrPeerUnknown = errors.New("peer unknown")
	// ErrPeerUnreachable is returned when a connection attempt fails.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("transport closed")
)

// PeerState is the channel state reported for one peer.
type PeerState string

const (
	Connecting   PeerState = "connecting"
	Connected    PeerState = "connected"
	Disconnected PeerState = "disconnected"
)

// MessageHandler receives every inbound frame with the sender's ID.
type MessageHandler func(peerID string, data []byte)

// PeerStateHandler receives channel state changes.
type PeerStateHandler func(peerID string, state PeerState)

// Transport is the peer channel abstraction. Handlers may be invoked from
// transport goroutines and must not block for long.
type Transport interface {
	// LocalID is the participant ID this endpoint speaks for.
	LocalID() string
	// Connect opens a channel to peerID. Connecting to an already
	// connected peer is a no-op.
	Connect(ctx context.Context, peerID string) error
	// Send starts delivery of data to peerID and returns immediately. The
	// channel yields one value (nil on success) once the frame is handed
	// to the peer's channel, then closes.
	Send(peerID string, data []byte) <-chan error
	// OnMessage installs the inbound frame handler.
	OnMessage(h MessageHandler)
	// OnPeerStateChange installs the channel state handler.
	OnPeerStateChange(h PeerStateHandler)
	// Peers lists peers with an open channel, sorted.
	Peers() []string
	// Disconnect closes the channel to peerID.
	Disconnect(peerID string) error
	// Close tears down every channel. The transport is unusable afterwards.
	Close() error
}

// Done returns an already-completed send signal carrying err.
func Done(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}
