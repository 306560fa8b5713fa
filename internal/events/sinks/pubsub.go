package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/events"
)

// topicPublisher is the slice of *pubsub.Topic the sink uses, kept narrow so
// tests can substitute a fake.
type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
}

// PubSubSink publishes each batch to a Google Cloud Pub/Sub topic as one
// JSON-encoded message for downstream consumers (index math, alerting).
type PubSubSink struct {
	topic topicPublisher
}

// NewPubSubSink wraps a Pub/Sub topic.
func NewPubSubSink(topic *pubsub.Topic) *PubSubSink {
	s := &PubSubSink{}
	if topic != nil {
		s.topic = topic
	}
	return s
}

// Consume publishes the batch and waits for server acknowledgment.
func (s *PubSubSink) Consume(ctx context.Context, batch []events.Event) error {
	if s.topic == nil || len(batch) == 0 {
		return nil
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal event batch: %w", err)
	}
	result := s.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"batch_size": fmt.Sprintf("%d", len(batch))},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish event batch: %w", err)
	}
	return nil
}

// Close stops the topic's publish goroutines after a final flush.
func (s *PubSubSink) Close(context.Context) error {
	if s.topic != nil {
		s.topic.Stop()
	}
	return nil
}
