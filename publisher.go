package amqprecover

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the surface Client.Publisher() exposes to application code.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg *Message) error
	Close() error
}

// clientPublisher is a thin pass-through over one dedicated, confirm-mode
// Channel. It deliberately does not retry: a publish that fails because
// the channel's session is mid-recovery should be retried by the caller,
// who decides whether that failure is still relevant by the time recovery
// finishes — baking a retry loop in here would hide that decision.
type clientPublisher struct {
	ch *Channel
}

func (p *clientPublisher) Publish(ctx context.Context, exchange, routingKey string, msg *Message) error {
	publishing := NewPublishing(msg.Body, msg.ContentType)
	if msg.ID != "" {
		publishing.MessageId = msg.ID
	}
	if msg.ReplyTo != "" {
		publishing.ReplyTo = msg.ReplyTo
	}
	if msg.CorrelationID != "" {
		publishing.CorrelationId = msg.CorrelationID
	}
	if msg.DeliveryMode != 0 {
		publishing.DeliveryMode = msg.DeliveryMode
	}
	if len(msg.Headers) > 0 {
		publishing.Headers = amqp.Table(msg.Headers)
	}

	return p.ch.Publish(ctx, exchange, routingKey, false, false, publishing)
}

func (p *clientPublisher) Close() error {
	return p.ch.Close()
}
