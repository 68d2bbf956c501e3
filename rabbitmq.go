// Package amqprecover provides an auto-recovering AMQP 0-9-1 connection
// core: a Connection that transparently redials and replays channels and
// topology after the broker or network drops it, plus a thin Client
// facade over common declare/publish/consume calls for applications that
// don't need to talk to Connection and Channel directly.
package amqprecover

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

const Version = "1.0.0"

type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp.Table
}

type ExchangeOptions struct {
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       amqp.Table
}

type ConsumerOptions struct {
	Queue         string
	ConsumerTag   string
	AutoAck       bool
	Exclusive     bool
	NoLocal       bool
	NoWait        bool
	PrefetchCount int
	PrefetchSize  int
	Args          amqp.Table
}

type PublisherOptions struct {
	ConfirmMode bool
	Mandatory   bool
	Immediate   bool
}

const (
	ExchangeTypeDirect  = "direct"
	ExchangeTypeFanout  = "fanout"
	ExchangeTypeTopic   = "topic"
	ExchangeTypeHeaders = "headers"
)

// MessageHandler processes one delivered message; Ack/Nack/Reject is the
// handler's responsibility unless the consumer was registered AutoAck.
type MessageHandler func(ctx context.Context, msg *Message)

// Client is a convenience facade over a *Connection for applications that
// want declare/publish/consume without touching Channel directly. It owns
// one dedicated Channel for publishing, one long-lived Channel for
// declare/bind calls, and one per registered consumer; all of them ride out
// recovery transparently because they are backed by Connection's own
// Channel type. manageCh is kept open for the Client's lifetime rather than
// opened-and-closed per call: a topology item is only replayed on recovery
// if the Channel that declared it is still registered with the Connection,
// so a throwaway declare channel would make every Client-level declare
// invisible to recovery.
type Client struct {
	conn      *Connection
	publisher *clientPublisher
	manageCh  *Channel
}

func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pubCh, err := conn.CreateChannel()
	if err != nil {
		_ = conn.Close(200, "client init failed")
		return nil, err
	}
	if err := pubCh.Confirm(false); err != nil {
		_ = conn.Close(200, "client init failed")
		return nil, err
	}

	manageCh, err := conn.CreateChannel()
	if err != nil {
		_ = pubCh.Close()
		_ = conn.Close(200, "client init failed")
		return nil, err
	}

	return &Client{
		conn:      conn,
		publisher: &clientPublisher{ch: pubCh},
		manageCh:  manageCh,
	}, nil
}

func (c *Client) Connection() *Connection {
	return c.conn
}

func (c *Client) Publisher() Publisher {
	return c.publisher
}

// RegisterConsumer opens a dedicated channel and starts consuming from
// opts.Queue, invoking handler once per delivery on its own goroutine.
func (c *Client) RegisterConsumer(ctx context.Context, handler MessageHandler, opts ConsumerOptions) (*ClientConsumer, error) {
	ch, err := c.conn.CreateChannel()
	if err != nil {
		return nil, err
	}

	if opts.PrefetchCount > 0 {
		if err := ch.Qos(opts.PrefetchCount, opts.PrefetchSize, false); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}

	cons := &ClientConsumer{channel: ch}
	tag, err := ch.Consume(opts.Queue, opts.ConsumerTag, opts.AutoAck, opts.Exclusive, opts.NoLocal, opts.NoWait, opts.Args,
		func(deliveries <-chan amqp.Delivery) {
			for d := range deliveries {
				handler(ctx, NewMessageFromDelivery(d))
			}
		})
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	cons.tag = tag

	return cons, nil
}

func (c *Client) DeclareExchange(name string, opts ExchangeOptions) error {
	return c.manageCh.ExchangeDeclare(name, opts.Type, opts.Durable, opts.AutoDelete, opts.Internal, opts.NoWait, opts.Args)
}

func (c *Client) DeclareQueue(name string, opts QueueOptions) (amqp.Queue, error) {
	return c.manageCh.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, opts.NoWait, opts.Args)
}

func (c *Client) BindQueue(queue, exchange, routingKey string) error {
	return c.manageCh.QueueBind(queue, routingKey, exchange, false, nil)
}

func (c *Client) HealthCheck() error {
	return c.conn.Ping()
}

func (c *Client) Close() error {
	if err := c.publisher.Close(); err != nil {
		return err
	}
	if err := c.manageCh.Close(); err != nil {
		return err
	}
	return c.conn.Close(200, "client closed")
}

// ClientConsumer is the handle RegisterConsumer returns; closing it cancels
// the subscription and releases its dedicated Channel.
type ClientConsumer struct {
	channel *Channel
	tag     string
}

func (cc *ClientConsumer) Close() error {
	if err := cc.channel.Cancel(cc.tag, false); err != nil {
		return err
	}
	return cc.channel.Close()
}
