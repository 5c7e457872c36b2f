package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrAttemptsExhausted is returned once a peer has used up its attempts.
var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

// State is the connection state of one peer as seen by the manager.
type State string

const (
	Connecting   State = "connecting"
	Connected    State = "connected"
	Disconnected State = "disconnected"
	Failed       State = "failed"
)

// DialFunc makes one connection attempt.
type DialFunc func(ctx context.Context) error

// Hooks observe reconnection progress. Nil fields are skipped.
type Hooks struct {
	OnAttempt     func(peerID string, attempt int)
	OnStateChange func(peerID string, state State)
}

type peer struct {
	state    State
	attempts int
	cancel   context.CancelFunc
}

// Manager runs reconnect loops per peer.
type Manager struct {
	policy Policy
	hooks  Hooks
	logger *zap.Logger

	mu    sync.Mutex
	peers map[string]*peer
	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
	wg    sync.WaitGroup
}

// NewManager creates a manager for the given policy.
func NewManager(policy Policy, hooks Hooks, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		policy: policy,
		hooks:  hooks,
		logger: logger.Named("backoff"),
		peers:  make(map[string]*peer),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepContext,
	}
}

// SetSleep replaces the wait between attempts.
func (m *Manager) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sleep = sleep
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect retries dial until it succeeds, ctx ends, or the policy's
// attempts run out. In the last case the peer is left Failed and the
// returned error wraps ErrAttemptsExhausted and the last dial error.
func (m *Manager) Reconnect(ctx context.Context, peerID string, dial DialFunc) error {
	maxAttempts := m.policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			m.setState(peerID, Disconnected)
			return err
		}

		m.setState(peerID, Connecting)
		m.mu.Lock()
		m.peerLocked(peerID).attempts = attempt + 1
		m.mu.Unlock()
		if m.hooks.OnAttempt != nil {
			m.hooks.OnAttempt(peerID, attempt+1)
		}

		lastErr = dial(ctx)
		if lastErr == nil {
			m.setState(peerID, Connected)
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := m.delay(attempt)
		m.logger.Debug("reconnect attempt failed",
			zap.String("peer_id", peerID),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", delay),
			zap.Error(lastErr))
		if err := m.sleepFor(ctx, delay); err != nil {
			m.setState(peerID, Disconnected)
			return err
		}
	}

	m.setState(peerID, Failed)
	m.logger.Warn("giving up on peer",
		zap.String("peer_id", peerID),
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr))
	return fmt.Errorf("%w: peer %s after %d attempts: %v", ErrAttemptsExhausted, peerID, maxAttempts, lastErr)
}

// Start runs Reconnect in the background and reports the result to done.
// It returns false without starting if the peer already has a loop running.
func (m *Manager) Start(ctx context.Context, peerID string, dial DialFunc, done func(error)) bool {
	m.mu.Lock()
	p := m.peerLocked(peerID)
	if p.cancel != nil {
		m.mu.Unlock()
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.Reconnect(loopCtx, peerID, dial)

		m.mu.Lock()
		if cur := m.peers[peerID]; cur != nil {
			cur.cancel = nil
		}
		m.mu.Unlock()
		cancel()

		if done != nil {
			done(err)
		}
	}()
	return true
}

// Cancel stops a running loop for peerID, if any.
func (m *Manager) Cancel(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok && p.cancel != nil {
		p.cancel()
	}
}

// Stop cancels every running loop and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, p := range m.peers {
		if p.cancel != nil {
			p.cancel()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// MarkConnected records a connection established outside a reconnect
// loop (an inbound peer) and resets its attempt count.
func (m *Manager) MarkConnected(peerID string) {
	m.mu.Lock()
	m.peerLocked(peerID).attempts = 0
	m.mu.Unlock()
	m.setState(peerID, Connected)
}

// MarkDisconnected records a dropped connection.
func (m *Manager) MarkDisconnected(peerID string) {
	m.setState(peerID, Disconnected)
}

// State returns the peer's state; unknown peers are Disconnected.
func (m *Manager) State(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok {
		return p.state
	}
	return Disconnected
}

// Attempts returns the attempt count of the current or last loop.
func (m *Manager) Attempts(peerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok {
		return p.attempts
	}
	return 0
}

func (m *Manager) setState(peerID string, s State) {
	m.mu.Lock()
	p := m.peerLocked(peerID)
	changed := p.state != s
	p.state = s
	m.mu.Unlock()

	if changed && m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(peerID, s)
	}
}

func (m *Manager) peerLocked(peerID string) *peer {
	p, ok := m.peers[peerID]
	if !ok {
		p = &peer{state: Disconnected}
		m.peers[peerID] = p
	}
	return p
}

func (m *Manager) delay(attempt int) time.Duration {
	m.mu.Lock()
	r := m.rng.Float64()
	m.mu.Unlock()
	return m.policy.Delay(attempt, r)
}

func (m *Manager) sleepFor(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	sleep := m.sleep
	m.mu.Unlock()
	return sleep(ctx, d)
}
