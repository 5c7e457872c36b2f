// Package grpcpeer is a Transport over bidirectional gRPC streams. Each
// process serves the PeerExchange service; a peer channel is either the
// stream we dialed (preferred for sends) or the stream a peer dialed to us.
package grpcpeer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"collabengine/internal/transport"
)

const sendQueueSize = 1024

var errQueueFull = errors.New("send queue full")

// Config configures a Transport.
type Config struct {
	LocalID    string
	ListenAddr string
	// Peers maps participant IDs to dial addresses.
	Peers       map[string]string
	DialOptions []grpc.DialOption
	Logger      *zap.Logger

	// Token is presented to peers when dialing.
	Token string
	// Authenticate, when set, checks the ID and token a dialing peer
	// presents. Streams it rejects are closed with Unauthenticated.
	Authenticate func(peerID, token string) error
}

type frameStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type outFrame struct {
	data []byte
	done chan error
}

type peerConn struct {
	peerID   string
	outbound bool
	stream   frameStream
	cancel   context.CancelFunc
	out      chan outFrame
	done     chan struct{}
	once     sync.Once
}

func (pc *peerConn) close() {
	pc.once.Do(func() {
		close(pc.done)
		if pc.cancel != nil {
			pc.cancel()
		}
	})
}

// Transport implements transport.Transport over gRPC.
type Transport struct {
	localID      string
	listenAddr   string
	token        string
	authenticate func(peerID, token string) error
	logger       *zap.Logger
	clients      *clientManager

	server *grpc.Server
	health *health.Server
	lis    net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	addrs    map[string]string
	outbound map[string]*peerConn
	inbound  map[string]*peerConn
	onMsg    transport.MessageHandler
	onState  transport.PeerStateHandler
	closed   bool
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport. Call Start to accept inbound peers.
func New(cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	addrs := make(map[string]string, len(cfg.Peers))
	for id, addr := range cfg.Peers {
		addrs[id] = addr
	}
	return &Transport{
		localID:      cfg.LocalID,
		listenAddr:   cfg.ListenAddr,
		token:        cfg.Token,
		authenticate: cfg.Authenticate,
		logger:       logger.Named("grpcpeer").With(zap.String("participant_id", cfg.LocalID)),
		clients:      newClientManager(cfg.DialOptions...),
		ctx:          ctx,
		cancel:       cancel,
		addrs:        addrs,
		outbound:     make(map[string]*peerConn),
		inbound:      make(map[string]*peerConn),
	}
}

// Start listens on the configured address and serves peers in the background.
func (t *Transport) Start() error {
	lis, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.listenAddr, err)
	}
	t.lis = lis

	t.server = grpc.NewServer()
	t.server.RegisterService(&serviceDesc, t)

	t.health = health.NewServer()
	healthpb.RegisterHealthServer(t.server, t.health)
	t.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	// Enable gRPC reflection for grpcurl
	reflection.Register(t.server)

	t.logger.Info("serving peers", zap.String("addr", lis.Addr().String()))
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Error("peer server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (t *Transport) Addr() string {
	if t.lis == nil {
		return ""
	}
	return t.lis.Addr().String()
}

// AddPeer records the dial address for a participant.
func (t *Transport) AddPeer(peerID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs[peerID] = addr
}

// LocalID implements transport.Transport.
func (t *Transport) LocalID() string { return t.localID }

// OnMessage implements transport.Transport.
func (t *Transport) OnMessage(h transport.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMsg = h
}

// OnPeerStateChange implements transport.Transport.
func (t *Transport) OnPeerStateChange(h transport.PeerStateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = h
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context, peerID string) error {
	t.mu.RLock()
	closed := t.closed
	_, connected := t.outbound[peerID]
	addr, known := t.addrs[peerID]
	t.mu.RUnlock()

	switch {
	case closed:
		return transport.ErrClosed
	case connected:
		return nil
	case !known:
		return fmt.Errorf("%w: no address for %s", transport.ErrPeerUnknown, peerID)
	}

	t.emit(peerID, transport.Connecting)
	conn, err := t.clients.get(addr)
	if err != nil {
		t.connectFailed(peerID)
		return fmt.Errorf("%w: %s: %v", transport.ErrPeerUnreachable, peerID, err)
	}

	streamCtx, cancel := context.WithCancel(t.ctx)
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, peerIDMetadataKey, t.localID)
	if t.token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, tokenMetadataKey, t.token)
	}
	stop := context.AfterFunc(ctx, cancel)

	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], exchangeRPC)
	if err == nil {
		// An empty frame announces us before the first real message.
		err = stream.SendMsg(&wrapperspb.BytesValue{})
	}
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		t.clients.drop(addr)
		t.connectFailed(peerID)
		return fmt.Errorf("%w: %s: %v", transport.ErrPeerUnreachable, peerID, err)
	}

	pc := &peerConn{
		peerID:   peerID,
		outbound: true,
		stream:   stream,
		cancel:   cancel,
		out:      make(chan outFrame, sendQueueSize),
		done:     make(chan struct{}),
	}
	if !t.attach(pc) {
		pc.close()
		return transport.ErrClosed
	}

	t.wg.Add(2)
	go t.writeLoop(pc)
	go func() {
		defer t.wg.Done()
		t.recvLoop(pc)
		t.detach(pc)
	}()
	return nil
}

// Exchange serves a stream dialed by a peer.
func (t *Transport) Exchange(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	ids := md.Get(peerIDMetadataKey)
	if len(ids) == 0 || ids[0] == "" {
		return status.Error(codes.InvalidArgument, "missing peer id")
	}
	if t.authenticate != nil {
		var token string
		if tokens := md.Get(tokenMetadataKey); len(tokens) > 0 {
			token = tokens[0]
		}
		if err := t.authenticate(ids[0], token); err != nil {
			t.logger.Warn("rejecting unauthenticated peer", zap.String("peer_id", ids[0]), zap.Error(err))
			return status.Error(codes.Unauthenticated, err.Error())
		}
	}

	pc := &peerConn{
		peerID: ids[0],
		stream: stream,
		out:    make(chan outFrame, sendQueueSize),
		done:   make(chan struct{}),
	}
	if !t.attach(pc) {
		return status.Error(codes.Unavailable, "transport closed")
	}
	defer t.detach(pc)

	t.wg.Add(1)
	go t.writeLoop(pc)

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		t.recvLoop(pc)
	}()

	select {
	case <-recvDone:
	case <-pc.done:
	}
	return nil
}

// Send implements transport.Transport.
func (t *Transport) Send(peerID string, data []byte) <-chan error {
	t.mu.RLock()
	closed := t.closed
	pc := t.outbound[peerID]
	if pc == nil {
		pc = t.inbound[peerID]
	}
	t.mu.RUnlock()

	if closed {
		return transport.Done(transport.ErrClosed)
	}
	if pc == nil {
		return transport.Done(fmt.Errorf("%w: %s", transport.ErrPeerUnknown, peerID))
	}

	f := outFrame{data: append([]byte(nil), data...), done: make(chan error, 1)}
	select {
	case pc.out <- f:
		return f.done
	case <-pc.done:
		return transport.Done(fmt.Errorf("%w: %s", transport.ErrPeerUnreachable, peerID))
	default:
		return transport.Done(fmt.Errorf("%w: %s: %v", transport.ErrPeerUnreachable, peerID, errQueueFull))
	}
}

// Peers implements transport.Transport.
func (t *Transport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool, len(t.outbound)+len(t.inbound))
	for id := range t.outbound {
		seen[id] = true
	}
	for id := range t.inbound {
		seen[id] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect(peerID string) error {
	t.mu.RLock()
	closed := t.closed
	conns := []*peerConn{t.outbound[peerID], t.inbound[peerID]}
	t.mu.RUnlock()

	if closed {
		return transport.ErrClosed
	}
	for _, pc := range conns {
		if pc != nil {
			pc.close()
			t.detach(pc)
		}
	}
	return nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var conns []*peerConn
	for _, pc := range t.outbound {
		conns = append(conns, pc)
	}
	for _, pc := range t.inbound {
		conns = append(conns, pc)
	}
	t.mu.Unlock()

	for _, pc := range conns {
		pc.close()
	}
	t.cancel()
	if t.health != nil {
		t.health.Shutdown()
	}
	if t.server != nil {
		t.logger.Info("stopping peer server")
		t.server.GracefulStop()
	}
	t.clients.close()
	t.wg.Wait()
	return nil
}

func (t *Transport) writeLoop(pc *peerConn) {
	defer t.wg.Done()
	for {
		select {
		case <-pc.done:
			t.drain(pc)
			return
		case f := <-pc.out:
			err := pc.stream.SendMsg(&wrapperspb.BytesValue{Value: f.data})
			if err != nil {
				t.logger.Warn("send failed", zap.String("peer_id", pc.peerID), zap.Error(err))
				f.done <- fmt.Errorf("%w: %s: %v", transport.ErrPeerUnreachable, pc.peerID, err)
				close(f.done)
				pc.close()
				continue
			}
			f.done <- nil
			close(f.done)
		}
	}
}

// drain fails frames still queued on a closed channel.
func (t *Transport) drain(pc *peerConn) {
	for {
		select {
		case f := <-pc.out:
			f.done <- fmt.Errorf("%w: %s", transport.ErrPeerUnreachable, pc.peerID)
			close(f.done)
		default:
			return
		}
	}
}

func (t *Transport) recvLoop(pc *peerConn) {
	for {
		msg := new(wrapperspb.BytesValue)
		if err := pc.stream.RecvMsg(msg); err != nil {
			select {
			case <-pc.done:
			default:
				t.logger.Debug("peer stream ended", zap.String("peer_id", pc.peerID), zap.Error(err))
			}
			pc.close()
			return
		}
		if len(msg.GetValue()) == 0 {
			continue
		}

		t.mu.RLock()
		h := t.onMsg
		t.mu.RUnlock()
		if h != nil {
			h(pc.peerID, msg.GetValue())
		}
	}
}

// attach registers pc and reports Connected when it is the peer's first channel.
func (t *Transport) attach(pc *peerConn) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	_, hadOut := t.outbound[pc.peerID]
	_, hadIn := t.inbound[pc.peerID]
	var replaced *peerConn
	if pc.outbound {
		replaced = t.outbound[pc.peerID]
		t.outbound[pc.peerID] = pc
	} else {
		replaced = t.inbound[pc.peerID]
		t.inbound[pc.peerID] = pc
	}
	t.mu.Unlock()

	if replaced != nil {
		replaced.close()
	}
	if !hadOut && !hadIn {
		t.logger.Info("peer connected", zap.String("peer_id", pc.peerID), zap.Bool("outbound", pc.outbound))
	}
	t.emit(pc.peerID, transport.Connected)
	return true
}

// detach removes pc and reports Disconnected when the peer has no channel left.
func (t *Transport) detach(pc *peerConn) {
	pc.close()

	t.mu.Lock()
	removed := false
	if pc.outbound && t.outbound[pc.peerID] == pc {
		delete(t.outbound, pc.peerID)
		removed = true
	}
	if !pc.outbound && t.inbound[pc.peerID] == pc {
		delete(t.inbound, pc.peerID)
		removed = true
	}
	_, hasOut := t.outbound[pc.peerID]
	_, hasIn := t.inbound[pc.peerID]
	t.mu.Unlock()

	if removed && !hasOut && !hasIn {
		t.logger.Info("peer disconnected", zap.String("peer_id", pc.peerID))
		t.emit(pc.peerID, transport.Disconnected)
	}
}

func (t *Transport) connectFailed(peerID string) {
	t.mu.RLock()
	_, hasOut := t.outbound[peerID]
	_, hasIn := t.inbound[peerID]
	t.mu.RUnlock()
	if !hasOut && !hasIn {
		t.emit(peerID, transport.Disconnected)
	}
}

func (t *Transport) emit(peerID string, s transport.PeerState) {
	t.mu.RLock()
	h := t.onState
	t.mu.RUnlock()
	if h != nil {
		h(peerID, s)
	}
}
