package amqprecover

import (
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message wraps a delivered amqp.Delivery with idempotent ack/nack/reject,
// so handler code can call them freely without tracking whether it already
// has. Retry/DLQ bookkeeping is intentionally not part of this: that is a
// messaging-pattern concern layered on top, not something a connection
// recovery core should own.
type Message struct {
	ID            string
	Body          []byte
	ContentType   string
	Headers       map[string]interface{}
	Timestamp     time.Time
	DeliveryMode  uint8
	ReplyTo       string
	CorrelationID string

	mu       sync.Mutex
	delivery amqp.Delivery
	acked    bool
}

func NewMessageFromDelivery(d amqp.Delivery) *Message {
	headers := make(map[string]interface{}, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}
	return &Message{
		ID:            d.MessageId,
		Body:          d.Body,
		ContentType:   d.ContentType,
		Headers:       headers,
		Timestamp:     d.Timestamp,
		DeliveryMode:  d.DeliveryMode,
		ReplyTo:       d.ReplyTo,
		CorrelationID: d.CorrelationId,
		delivery:      d,
	}
}

func (m *Message) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acked {
		return nil
	}
	m.acked = true
	return m.delivery.Ack(false)
}

func (m *Message) Nack(requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acked {
		return nil
	}
	m.acked = true
	return m.delivery.Nack(false, requeue)
}

func (m *Message) Reject(requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acked {
		return nil
	}
	m.acked = true
	return m.delivery.Reject(requeue)
}

// NewPublishing stamps a fresh message id and persistent delivery mode onto
// a body, matching the teacher's publisher defaults.
func NewPublishing(body []byte, contentType string) amqp.Publishing {
	return amqp.Publishing{
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
}
