package amqprecover

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is a proxy over a broker channel whose underlying Session is
// swapped out by recovery. Applications hold a *Channel across reconnects;
// its identity never changes even though the session behind it does.
type Channel struct {
	id   ChannelID
	conn *Connection

	mu      sync.Mutex
	session Session
	closed  bool

	prefetchCount int
	prefetchSize  int
	prefetchGlobal bool
	confirmMode   bool
	txMode        bool
}

func newChannel(id ChannelID, conn *Connection, session Session) *Channel {
	return &Channel{id: id, conn: conn, session: session}
}

func (c *Channel) ID() ChannelID {
	return c.id
}

func (c *Channel) currentSession() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	return c.session, nil
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	if err := sess.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args); err != nil {
		return err
	}
	c.conn.registry.RecordExchange(RecordedExchange{
		Channel: c.id, Name: name, Kind: kind, Durable: durable,
		AutoDelete: autoDelete, Internal: internal, Args: args,
	})
	return nil
}

func (c *Channel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	if err := sess.ExchangeDelete(name, ifUnused, noWait); err != nil {
		return err
	}
	c.conn.registry.DeleteExchange(name)
	return nil
}

func (c *Channel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	if err := sess.ExchangeBind(destination, key, source, noWait, args); err != nil {
		return err
	}
	c.conn.registry.RecordBinding(RecordedBinding{
		Channel: c.id, DestinationKind: DestinationExchange, DestinationExchange: destination,
		Source: source, RoutingKey: key, Args: args,
	})
	return nil
}

func (c *Channel) ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	if err := sess.ExchangeUnbind(destination, key, source, noWait, args); err != nil {
		return err
	}
	c.conn.registry.DeleteBinding(RecordedBinding{
		Channel: c.id, DestinationKind: DestinationExchange, DestinationExchange: destination,
		Source: source, RoutingKey: key,
	})
	c.conn.registry.MaybeDeleteAutoDeleteExchange(source)
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	sess, err := c.currentSession()
	if err != nil {
		return amqp.Queue{}, err
	}
	q, err := sess.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
	if err != nil {
		return amqp.Queue{}, err
	}
	c.conn.registry.RecordQueue(RecordedQueue{
		Channel: c.id, Name: q.Name, ServerNamed: name == "",
		Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive, Args: args,
	})
	return q, nil
}

func (c *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	sess, err := c.currentSession()
	if err != nil {
		return 0, err
	}
	n, err := sess.QueueDelete(name, ifUnused, ifEmpty, noWait)
	if err != nil {
		return 0, err
	}
	c.conn.registry.DeleteQueue(name)
	return n, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	if err := sess.QueueBind(name, key, exchange, noWait, args); err != nil {
		return err
	}
	c.conn.registry.RecordBinding(RecordedBinding{
		Channel: c.id, DestinationKind: DestinationQueue, DestinationQueue: name,
		Source: exchange, RoutingKey: key, Args: args,
	})
	return nil
}

func (c *Channel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	if err := sess.QueueUnbind(name, key, exchange, args); err != nil {
		return err
	}
	c.conn.registry.DeleteBinding(RecordedBinding{
		Channel: c.id, DestinationKind: DestinationQueue, DestinationQueue: name,
		Source: exchange, RoutingKey: key,
	})
	c.conn.registry.MaybeDeleteAutoDeleteExchange(exchange)
	return nil
}

// Consume registers a consumer that survives recovery. handler is invoked
// once per (re)subscription with the live delivery channel; it is expected
// to range over it until the channel closes, which happens every time the
// underlying session is replaced.
func (c *Channel) Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table, handler DeliveryHandler) (string, error) {
	sess, err := c.currentSession()
	if err != nil {
		return "", err
	}

	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.NewString()
	}

	actualTag, deliveries, err := sess.Consume(queue, consumerTag, autoAck, exclusive, noLocal, noWait, args)
	if err != nil {
		return "", err
	}

	c.conn.registry.RecordConsumer(RecordedConsumer{
		Channel: c.id, Tag: actualTag, Queue: queue, AutoAck: autoAck,
		Exclusive: exclusive, NoLocal: noLocal, Args: args, Handler: handler,
	})

	go handler(deliveries)

	if actualTag != consumerTag {
		c.conn.events.EmitConsumerTagChanged(consumerTag, actualTag)
	}

	return actualTag, nil
}

func (c *Channel) Cancel(consumerTag string, noWait bool) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	if err := sess.Cancel(consumerTag, noWait); err != nil {
		return err
	}
	queue, hadQueue := c.conn.registry.ConsumerQueue(consumerTag)
	c.conn.registry.DeleteConsumer(consumerTag)
	if hadQueue {
		c.conn.registry.MaybeDeleteAutoDeleteQueue(queue)
	}
	return nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	if err := sess.Qos(prefetchCount, prefetchSize, global); err != nil {
		return err
	}
	c.mu.Lock()
	c.prefetchCount, c.prefetchSize, c.prefetchGlobal = prefetchCount, prefetchSize, global
	c.mu.Unlock()
	return nil
}

func (c *Channel) Confirm(noWait bool) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	if err := sess.Confirm(noWait); err != nil {
		return err
	}
	c.mu.Lock()
	c.confirmMode = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) Tx() error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	if err := sess.Tx(); err != nil {
		return err
	}
	c.mu.Lock()
	c.txMode = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	return sess.Publish(ctx, exchange, key, mandatory, immediate, msg)
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.session
	c.mu.Unlock()

	c.conn.forgetChannel(c.id)
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// automaticallyRecover re-creates this channel's session against the new
// raw connection and replays everything this channel had active: confirm
// mode, tx mode, QoS, then (via the caller) topology. It is one item in
// RecoveryController's per-channel replay list; a failure here is
// attempt-fatal, unlike topology item failures which are isolated.
func (c *Channel) automaticallyRecover(raw RawConnection) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sess, err := raw.CreateSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if c.confirmMode {
		if err := sess.Confirm(false); err != nil {
			return fmt.Errorf("restore confirm mode: %w", err)
		}
	}
	if c.txMode {
		if err := sess.Tx(); err != nil {
			return fmt.Errorf("restore tx mode: %w", err)
		}
	}
	if c.prefetchCount > 0 || c.prefetchSize > 0 {
		if err := sess.Qos(c.prefetchCount, c.prefetchSize, c.prefetchGlobal); err != nil {
			return fmt.Errorf("restore qos: %w", err)
		}
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	return nil
}

// resubscribe re-issues Consume for a recorded consumer against this
// channel's current session, reporting any broker-assigned tag change.
func (c *Channel) resubscribe(rec RecordedConsumer) (string, error) {
	sess, err := c.currentSession()
	if err != nil {
		return "", err
	}

	actualTag, deliveries, err := sess.Consume(rec.Queue, rec.Tag, rec.AutoAck, rec.Exclusive, rec.NoLocal, false, rec.Args)
	if err != nil {
		return "", err
	}

	if rec.Handler != nil {
		go rec.Handler(deliveries)
	}

	return actualTag, nil
}

func (c *Channel) redeclareQueue(rec RecordedQueue) (amqp.Queue, error) {
	sess, err := c.currentSession()
	if err != nil {
		return amqp.Queue{}, err
	}
	name := rec.Name
	if rec.ServerNamed {
		name = ""
	}
	return sess.QueueDeclare(name, rec.Durable, rec.AutoDelete, rec.Exclusive, false, rec.Args)
}

func (c *Channel) redeclareExchange(rec RecordedExchange) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	return sess.ExchangeDeclare(rec.Name, rec.Kind, rec.Durable, rec.AutoDelete, rec.Internal, false, rec.Args)
}

func (c *Channel) rebind(rec RecordedBinding) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	if rec.DestinationKind == DestinationExchange {
		return sess.ExchangeBind(rec.DestinationExchange, rec.RoutingKey, rec.Source, false, rec.Args)
	}
	return sess.QueueBind(rec.DestinationQueue, rec.RoutingKey, rec.Source, false, rec.Args)
}
