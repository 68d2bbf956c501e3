package amqprecover

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeRawConnection stands in for amqp091-go's *amqp.Connection so recovery
// can be driven deterministically without a real broker.
type fakeRawConnection struct {
	mu       sync.Mutex
	ep       Endpoint
	open     bool
	closeCh  chan *amqp.Error
	sessions []*fakeSession

	failDial bool

	// pendingConsumeTagOverride and pendingFailExchangeDeclare are applied
	// to every session created from this point on, so a test can arrange
	// for the *next* recovery's fresh session to misbehave in a specific
	// way without racing the recovery loop to install it in time.
	pendingConsumeTagOverride map[string]string
	pendingFailExchangeDeclare map[string]bool
}

func newFakeRawConnection(ep Endpoint) *fakeRawConnection {
	return &fakeRawConnection{
		ep:      ep,
		open:    true,
		closeCh: make(chan *amqp.Error, 1),
	}
}

func (f *fakeRawConnection) CreateSession() (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return nil, ErrConnectionNotOpen
	}
	s := newFakeSession()
	// Generated queue names are unique per connection, not per session, so a
	// server-named queue redeclared on a fresh session gets a new name.
	for _, prev := range f.sessions {
		prev.mu.Lock()
		if prev.serverNameCounter > s.serverNameCounter {
			s.serverNameCounter = prev.serverNameCounter
		}
		prev.mu.Unlock()
	}
	for tag, override := range f.pendingConsumeTagOverride {
		s.consumeTagOverride[tag] = override
	}
	for name := range f.pendingFailExchangeDeclare {
		s.failExchangeDeclare[name] = true
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

// SetPendingConsumeTagOverride arranges for the next session created on
// this connection to report newTag when Consume is called with oldTag,
// simulating a broker that assigns a different consumer tag after
// reconnect.
func (f *fakeRawConnection) SetPendingConsumeTagOverride(oldTag, newTag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingConsumeTagOverride == nil {
		f.pendingConsumeTagOverride = make(map[string]string)
	}
	f.pendingConsumeTagOverride[oldTag] = newTag
}

// SetPendingFailExchangeDeclare arranges for the next session created on
// this connection to fail ExchangeDeclare for name.
func (f *fakeRawConnection) SetPendingFailExchangeDeclare(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingFailExchangeDeclare == nil {
		f.pendingFailExchangeDeclare = make(map[string]bool)
	}
	f.pendingFailExchangeDeclare[name] = true
}

func (f *fakeRawConnection) Close(reasonCode int, reasonText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return nil
	}
	f.open = false
	close(f.closeCh)
	return nil
}

func (f *fakeRawConnection) Abort() {
	_ = f.Close(0, "")
}

func (f *fakeRawConnection) UpdateSecret(newSecret, reason string) error {
	return nil
}

func (f *fakeRawConnection) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeRawConnection) ServerProperties() amqp.Table {
	return amqp.Table{"product": "fake"}
}

func (f *fakeRawConnection) ChannelMax() int { return 2047 }
func (f *fakeRawConnection) FrameMax() int   { return 131072 }
func (f *fakeRawConnection) Heartbeat() int  { return 10 }
func (f *fakeRawConnection) LocalPort() int  { return 0 }

func (f *fakeRawConnection) KnownHosts() []Endpoint { return nil }

func (f *fakeRawConnection) Endpoint() Endpoint { return f.ep }

func (f *fakeRawConnection) NotifyClose() <-chan *amqp.Error {
	return f.closeCh
}

func (f *fakeRawConnection) NotifyBlocked() <-chan amqp.Blocking {
	return make(chan amqp.Blocking)
}

// simulatePeerShutdown mimics the broker force-closing the connection.
func (f *fakeRawConnection) simulatePeerShutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return
	}
	f.open = false
	f.closeCh <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED", Server: true}
	close(f.closeCh)
}

// fakeSession stands in for *amqp.Channel.
type fakeSession struct {
	mu sync.Mutex

	closed bool

	failExchangeDeclare map[string]bool
	failQueueDeclare    map[string]bool
	failBind            map[string]bool
	failConsume         map[string]bool

	serverNameCounter  int
	consumeTagOverride map[string]string

	declaredQueues map[string]bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		failExchangeDeclare: make(map[string]bool),
		failQueueDeclare:    make(map[string]bool),
		failBind:            make(map[string]bool),
		failConsume:         make(map[string]bool),
		consumeTagOverride:  make(map[string]string),
		declaredQueues:      make(map[string]bool),
	}
}

func (s *fakeSession) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if s.failExchangeDeclare[name] {
		return fmt.Errorf("fake: exchange declare failed for %s", name)
	}
	return nil
}

func (s *fakeSession) ExchangeDelete(name string, ifUnused, noWait bool) error { return nil }

func (s *fakeSession) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	if s.failBind[destination] {
		return fmt.Errorf("fake: exchange bind failed for %s", destination)
	}
	return nil
}

func (s *fakeSession) ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error {
	return nil
}

func (s *fakeSession) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name != "" && s.failQueueDeclare[name] {
		return amqp.Queue{}, fmt.Errorf("fake: queue declare failed for %s", name)
	}

	if name == "" {
		s.serverNameCounter++
		name = fmt.Sprintf("amq.gen-%03d", s.serverNameCounter)
	}
	s.declaredQueues[name] = true
	return amqp.Queue{Name: name}, nil
}

func (s *fakeSession) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	return 0, nil
}

func (s *fakeSession) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if s.failBind[name] {
		return fmt.Errorf("fake: queue bind failed for %s", name)
	}
	return nil
}

func (s *fakeSession) QueueUnbind(name, key, exchange string, args amqp.Table) error { return nil }

func (s *fakeSession) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (string, <-chan amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failConsume[queue] {
		return "", nil, fmt.Errorf("fake: consume failed for %s", queue)
	}

	tag := consumer
	if override, ok := s.consumeTagOverride[consumer]; ok {
		tag = override
	}
	deliveries := make(chan amqp.Delivery)
	return tag, deliveries, nil
}

func (s *fakeSession) Cancel(consumer string, noWait bool) error { return nil }

func (s *fakeSession) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (s *fakeSession) Confirm(noWait bool) error { return nil }

func (s *fakeSession) Tx() error { return nil }

func (s *fakeSession) Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) NotifyClose() <-chan *amqp.Error {
	return make(chan *amqp.Error)
}
