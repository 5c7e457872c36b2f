package analytics

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Metric names.
const (
	UpdatesBroadcast  = "updates_broadcast"
	UpdatesReceived   = "updates_received"
	UpdatesDuplicate  = "updates_duplicate"
	UpdatesMalformed  = "updates_malformed"
	UpdatesDeferred   = "updates_deferred"
	UpdatesDropped    = "updates_dropped"
	ReconnectAttempts = "reconnect_attempts"
	ReconnectFailures = "reconnect_failures"
	SendFailures      = "send_failures"
)

// ConflictMetric names the counter for one conflict outcome, e.g.
// conflicts_concurrent-edit_reject.
func ConflictMetric(kind, resolution string) string {
	return "conflicts_" + kind + "_" + resolution
}

// Metric is one counter increment.
type Metric struct {
	Name          string            `json:"name"`
	SessionID     string            `json:"sessionId"`
	ParticipantID string            `json:"participantId,omitempty"`
	Value         int64             `json:"value"`
	Labels        map[string]string `json:"labels,omitempty"`
	At            time.Time         `json:"at"`
}

// Sink receives metrics.
type Sink interface {
	Record(ctx context.Context, m Metric) error
	Close() error
}

// Counters is an in-memory Sink keeping running totals per name.
type Counters struct {
	mu     sync.RWMutex
	totals map[string]int64
}

// NewCounters creates empty counters.
func NewCounters() *Counters {
	return &Counters{totals: make(map[string]int64)}
}

// Record implements Sink.
func (c *Counters) Record(_ context.Context, m Metric) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals[m.Name] += m.Value
	return nil
}

// Get returns the total for name.
func (c *Counters) Get(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totals[name]
}

// Snapshot returns a copy of all totals.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.totals))
	for k, v := range c.totals {
		out[k] = v
	}
	return out
}

// Names returns the recorded metric names, sorted.
func (c *Counters) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.totals))
	for k := range c.totals {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Close implements Sink.
func (c *Counters) Close() error { return nil }
