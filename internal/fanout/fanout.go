package fanout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultPerPeerTimeout bounds each peer send.
	DefaultPerPeerTimeout = 2 * time.Second
)

// Result reports the outcome of one fan-out.
type Result struct {
	Peers     int
	Delivered []string
	Failed    []string
	Errors    map[string]error
	// Cancelled is set when the parent context ended before every peer answered.
	Cancelled bool
}

// OK reports whether every peer took the frame.
func (r Result) OK() bool {
	return !r.Cancelled && len(r.Failed) == 0
}

// Summary renders the failures for logging.
func (r Result) Summary() string {
	if r.OK() {
		return fmt.Sprintf("delivered to %d/%d peers", len(r.Delivered), r.Peers)
	}
	errs := make([]string, 0, len(r.Failed))
	for _, id := range r.Failed[:min(3, len(r.Failed))] {
		errs = append(errs, fmt.Sprintf("%s: %v", id, r.Errors[id]))
	}
	return fmt.Sprintf("delivered to %d/%d peers, failed=%v", len(r.Delivered), r.Peers, errs)
}

// PeerSendFunc delivers the frame to one peer.
type PeerSendFunc func(ctx context.Context, peerID string) error

// Broadcast sends to every peer in parallel and waits for all of them,
// each bounded by timeout (DefaultPerPeerTimeout when zero). Peers that
// have not answered when ctx ends are reported as failed.
func Broadcast(ctx context.Context, peers []string, timeout time.Duration, sendFn PeerSendFunc) Result {
	result := Result{Peers: len(peers), Errors: make(map[string]error)}
	if len(peers) == 0 {
		return result
	}
	if timeout <= 0 {
		timeout = DefaultPerPeerTimeout
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		pending = make(map[string]bool, len(peers))
	)
	for _, id := range peers {
		pending[id] = true
	}

	peerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, peerID := range peers {
		wg.Add(1)
		go func(pid string) {
			defer wg.Done()

			err := sendFn(peerCtx, pid)
			mu.Lock()
			defer mu.Unlock()

			if !pending[pid] {
				return
			}
			delete(pending, pid)
			if err != nil {
				result.Failed = append(result.Failed, pid)
				result.Errors[pid] = err
				return
			}
			result.Delivered = append(result.Delivered, pid)
		}(peerID)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		mu.Lock()
		result.Cancelled = true
		for pid := range pending {
			result.Failed = append(result.Failed, pid)
			result.Errors[pid] = ctx.Err()
		}
		pending = map[string]bool{}
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(result.Delivered)
	sort.Strings(result.Failed)
	return result
}

// Go runs Broadcast in the background. The channel yields exactly one
// Result and is then closed.
func Go(ctx context.Context, peers []string, timeout time.Duration, sendFn PeerSendFunc) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		out <- Broadcast(ctx, peers, timeout, sendFn)
	}()
	return out
}
