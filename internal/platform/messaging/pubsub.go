package messaging

import (
	"context"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub/v2"

	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

// pubsubTopicClient defines the interface we need from the underlying
// pubsub.Publisher. This allows us to use a mock for testing.
type pubsubTopicClient interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// PubSubPublisher implements broker.ChannelPublisher by publishing to a
// single Google Cloud Pub/Sub relay topic. A downstream relay subscribed to
// the topic performs the final delivery; the target experience and game
// topic travel as message attributes.
type PubSubPublisher struct {
	topic pubsubTopicClient
}

// NewPubSubPublisher is the constructor for the Pub/Sub adapter.
func NewPubSubPublisher(topic pubsubTopicClient) *PubSubPublisher {
	return &PubSubPublisher{topic: topic}
}

// Publish sends payload to the relay topic and waits for the publish result.
func (p *PubSubPublisher) Publish(ctx context.Context, experience *broker.Experience, topic string, payload string) error {
	message := &pubsub.Message{
		Data: []byte(payload),
		Attributes: map[string]string{
			"universe_id": strconv.FormatUint(experience.ID, 10),
			"topic":       topic,
		},
	}

	result := p.topic.Publish(ctx, message)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}
