package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

const (
	topicPrefix        = "collab.session."
	metadataKind       = "kind"
	subscriberBuffer   = 256
	outputChannelDepth = 256
)

// Topic returns the bus topic for a session.
func Topic(sessionID string) string {
	return topicPrefix + sessionID
}

// Publisher is what the session coordinator needs from the bus.
type Publisher interface {
	Publish(evt Event) error
}

// Bus publishes session events over a watermill GoChannel.
type Bus struct {
	pubSub *gochannel.GoChannel
	logger *zap.Logger
}

// NewBus creates a bus. Events published with no subscriber are dropped.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("events")
	return &Bus{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: outputChannelDepth,
				// Waiting for the ack keeps per-session events in publish order.
				BlockPublishUntilSubscriberAck: true,
			},
			NewWatermillLogger(logger),
		),
		logger: logger,
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", evt.Kind, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataKind, string(evt.Kind))
	if err := b.pubSub.Publish(Topic(evt.SessionID), msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", evt.Kind, err)
	}
	return nil
}

// Subscribe streams events for sessionID until ctx is done. A subscriber
// that falls more than a buffer behind loses events rather than stalling
// the session.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	messages, err := b.pubSub.Subscribe(ctx, Topic(sessionID))
	if err != nil {
		return nil, err
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range messages {
			var evt Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				b.logger.Warn("dropping undecodable event", zap.String("message_uuid", msg.UUID), zap.Error(err))
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				b.logger.Warn("subscriber lagging, dropping event",
					zap.String("session_id", sessionID),
					zap.String("kind", string(evt.Kind)))
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}
