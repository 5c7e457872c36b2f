package grpcpeer

import (
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// clientManager caches one client connection per peer address.
type clientManager struct {
	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

func newClientManager(opts ...grpc.DialOption) *clientManager {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &clientManager{
		conns: make(map[string]*grpc.ClientConn),
		opts:  opts,
	}
}

// get returns the connection for addr, creating it if needed.
func (cm *clientManager) get(addr string) (*grpc.ClientConn, error) {
	cm.mu.RLock()
	conn, exists := cm.conns[addr]
	cm.mu.RUnlock()
	if exists {
		return conn, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if conn, exists := cm.conns[addr]; exists {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, cm.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	cm.conns[addr] = conn
	return conn, nil
}

// drop closes and forgets the connection for addr.
func (cm *clientManager) drop(addr string) {
	cm.mu.Lock()
	conn, ok := cm.conns[addr]
	delete(cm.conns, addr)
	cm.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// close closes every cached connection.
func (cm *clientManager) close() {
	cm.mu.Lock()
	conns := cm.conns
	cm.conns = make(map[string]*grpc.ClientConn)
	cm.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
