package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueueSize = 4096
	forwardTimeout   = 5 * time.Second
)

// Recorder counts metrics locally and forwards them to external sinks
// from a background worker. Emit never blocks; when the queue is full the
// metric is still counted but not forwarded.
type Recorder struct {
	counters *Counters
	sinks    []Sink
	queue    chan Metric
	logger   *zap.Logger
	now      func() time.Time

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
	closeErr  error
}

// NewRecorder starts a recorder forwarding to sinks.
func NewRecorder(logger *zap.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		counters: NewCounters(),
		sinks:    sinks,
		queue:    make(chan Metric, defaultQueueSize),
		logger:   logger.Named("analytics"),
		now:      time.Now,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Counters exposes the local totals.
func (r *Recorder) Counters() *Counters {
	return r.counters
}

// Incr records one occurrence of name.
func (r *Recorder) Incr(sessionID, participantID, name string) {
	r.Emit(Metric{Name: name, SessionID: sessionID, ParticipantID: participantID, Value: 1})
}

// Emit records m.
func (r *Recorder) Emit(m Metric) {
	if r == nil {
		return
	}
	if m.At.IsZero() {
		m.At = r.now()
	}
	_ = r.counters.Record(context.Background(), m)
	if len(r.sinks) == 0 {
		return
	}

	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.queue <- m:
	default:
		r.logger.Debug("analytics queue full, not forwarding", zap.String("metric", m.Name))
	}
}

func (r *Recorder) run() {
	defer close(r.stopped)
	for {
		select {
		case m := <-r.queue:
			r.forward(m)
		case <-r.done:
			// Flush what is already queued.
			for {
				select {
				case m := <-r.queue:
					r.forward(m)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) forward(m Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := safeRecord(ctx, s, m); err != nil {
			r.logger.Warn("analytics sink failed", zap.String("metric", m.Name), zap.Error(err))
		}
	}
}

func safeRecord(ctx context.Context, s Sink, m Metric) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sink panicked: %v", rec)
		}
	}()
	return s.Record(ctx, m)
}

// Close stops forwarding after flushing queued metrics, then closes the sinks.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		select {
		case <-r.stopped:
		case <-time.After(forwardTimeout):
			r.logger.Warn("analytics flush timed out")
		}
		for _, s := range r.sinks {
			if err := s.Close(); err != nil && r.closeErr == nil {
				r.closeErr = err
			}
		}
	})
	return r.closeErr
}
