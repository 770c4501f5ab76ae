package fetch

import (
	"context"

	"cloud.google.com/go/pubsub/v2"
)

// PubsubPublisher adapts a Pub/Sub publisher to Publisher.
type PubsubPublisher struct {
	publisher *pubsub.Publisher
}

// NewPubsubPublisher wraps the publisher for topicID.
func NewPubsubPublisher(client *pubsub.Client, topicID string) *PubsubPublisher {
	return &PubsubPublisher{publisher: client.Publisher(topicID)}
}

// Publish blocks until the server acknowledges the message.
func (p *PubsubPublisher) Publish(ctx context.Context, data []byte, attributes map[string]string) (string, error) {
	result := p.publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes})
	return result.Get(ctx)
}

// Stop flushes outstanding messages.
func (p *PubsubPublisher) Stop() {
	p.publisher.Stop()
}
