package amqprecover

import (
	"context"
	"net"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RawConnection is the subset of *amqp.Connection behavior the recovery
// core depends on. It exists so tests can substitute a fake broker-side
// peer without a real server, and so Connection never has to know it is
// talking to amqp091-go specifically.
type RawConnection interface {
	CreateSession() (Session, error)
	Close(reasonCode int, reasonText string) error
	Abort()
	UpdateSecret(newSecret, reason string) error
	IsOpen() bool
	ServerProperties() amqp.Table
	ChannelMax() int
	FrameMax() int
	Heartbeat() int
	LocalPort() int
	KnownHosts() []Endpoint
	Endpoint() Endpoint
	NotifyClose() <-chan *amqp.Error
	NotifyBlocked() <-chan amqp.Blocking
}

// Session is the subset of *amqp.Channel behavior the recovery core
// depends on. Consume deliberately does not mirror amqp091-go's signature:
// it returns the tag the broker actually assigned, since a fake session
// used in tests needs to be able to simulate the broker renaming a
// client-supplied tag even though the real client never does that.
type Session interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error

	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error

	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (actualTag string, deliveries <-chan amqp.Delivery, err error)
	Cancel(consumer string, noWait bool) error

	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	Tx() error

	Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error

	Close() error
	NotifyClose() <-chan *amqp.Error
}

func dialRawConnection(ctx context.Context, ep Endpoint, cfg *Config) (RawConnection, error) {
	conn, err := amqp.DialConfig(cfg.amqpURL(ep), cfg.amqpConfig())
	if err != nil {
		return nil, err
	}
	return &amqpRawConnection{conn: conn, endpoint: ep, cfg: cfg}, nil
}

type amqpRawConnection struct {
	conn     *amqp.Connection
	endpoint Endpoint
	cfg      *Config
}

func (r *amqpRawConnection) CreateSession() (Session, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpSession{ch: ch}, nil
}

func (r *amqpRawConnection) Close(reasonCode int, reasonText string) error {
	return r.conn.Close()
}

func (r *amqpRawConnection) Abort() {
	_ = r.conn.Close()
}

func (r *amqpRawConnection) UpdateSecret(newSecret, reason string) error {
	return r.conn.UpdateSecret(newSecret, reason)
}

func (r *amqpRawConnection) IsOpen() bool {
	return !r.conn.IsClosed()
}

func (r *amqpRawConnection) ServerProperties() amqp.Table {
	return r.conn.Properties
}

func (r *amqpRawConnection) ChannelMax() int {
	return int(r.cfg.ChannelMax)
}

func (r *amqpRawConnection) FrameMax() int {
	return int(r.cfg.FrameMax)
}

func (r *amqpRawConnection) Heartbeat() int {
	return int(r.cfg.Heartbeat.Seconds())
}

func (r *amqpRawConnection) LocalPort() int {
	if tcpAddr, ok := r.conn.LocalAddr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// KnownHosts would report broker cluster peers the server advertised at
// handshake time; amqp091-go doesn't expose that frame field, so this is
// always empty. EndpointCycler.MergeKnownHosts is still wired to whatever
// this returns, so the mechanism activates the day amqp091-go does.
func (r *amqpRawConnection) KnownHosts() []Endpoint {
	return nil
}

func (r *amqpRawConnection) Endpoint() Endpoint {
	return r.endpoint
}

func (r *amqpRawConnection) NotifyClose() <-chan *amqp.Error {
	return r.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (r *amqpRawConnection) NotifyBlocked() <-chan amqp.Blocking {
	return r.conn.NotifyBlocked(make(chan amqp.Blocking, 1))
}

type amqpSession struct {
	ch *amqp.Channel
}

func (s *amqpSession) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return s.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

func (s *amqpSession) ExchangeDelete(name string, ifUnused, noWait bool) error {
	return s.ch.ExchangeDelete(name, ifUnused, noWait)
}

func (s *amqpSession) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	return s.ch.ExchangeBind(destination, key, source, noWait, args)
}

func (s *amqpSession) ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error {
	return s.ch.ExchangeUnbind(destination, key, source, noWait, args)
}

func (s *amqpSession) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return s.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (s *amqpSession) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	return s.ch.QueueDelete(name, ifUnused, ifEmpty, noWait)
}

func (s *amqpSession) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return s.ch.QueueBind(name, key, exchange, noWait, args)
}

func (s *amqpSession) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	return s.ch.QueueUnbind(name, key, exchange, args)
}

// Consume always echoes back the tag it was given: amqp091-go never lets
// the broker rename a client-supplied consumer tag. The broker only
// assigns a name when the caller passes none, in which case the library
// generates one client-side before sending the frame.
func (s *amqpSession) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (string, <-chan amqp.Delivery, error) {
	deliveries, err := s.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if err != nil {
		return "", nil, err
	}
	return consumer, deliveries, nil
}

func (s *amqpSession) Cancel(consumer string, noWait bool) error {
	return s.ch.Cancel(consumer, noWait)
}

func (s *amqpSession) Qos(prefetchCount, prefetchSize int, global bool) error {
	return s.ch.Qos(prefetchCount, prefetchSize, global)
}

func (s *amqpSession) Confirm(noWait bool) error {
	return s.ch.Confirm(noWait)
}

func (s *amqpSession) Tx() error {
	return s.ch.Tx()
}

func (s *amqpSession) Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return s.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (s *amqpSession) Close() error {
	return s.ch.Close()
}

func (s *amqpSession) NotifyClose() <-chan *amqp.Error {
	return s.ch.NotifyClose(make(chan *amqp.Error, 1))
}
