package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	natsStreamName    = "COLLAB_ANALYTICS"
	natsSubjectPrefix = "collab.analytics."
)

// NATSSink publishes metrics to a JetStream stream, one subject per metric name.
type NATSSink struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNATSSink connects to url and ensures the analytics stream exists.
func NewNATSSink(url string, logger *zap.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("collabd-analytics"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      natsStreamName,
		Subjects:  []string{natsSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		// The stream may already exist with other limits, or NATS may still be coming up.
		logger.Warn("failed to ensure analytics stream", zap.String("stream", natsStreamName), zap.Error(err))
	}

	return &NATSSink{nc: nc, js: js}, nil
}

// Subject returns the subject a metric is published on.
func Subject(name string) string {
	return natsSubjectPrefix + name
}

// Record implements Sink.
func (s *NATSSink) Record(ctx context.Context, m Metric) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal metric: %w", err)
	}
	if _, err := s.js.Publish(ctx, Subject(m.Name), data); err != nil {
		return fmt.Errorf("failed to publish metric to subject %s: %w", Subject(m.Name), err)
	}
	return nil
}

// Close implements Sink.
func (s *NATSSink) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
