package amqprecover

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ChannelID identifies a Channel for the lifetime of the Connection that
// created it, independent of how many times its underlying session has
// been replaced by recovery.
type ChannelID uint64

// BindingDestinationKind distinguishes a queue binding from an
// exchange-to-exchange binding; amqp091-go issues different wire commands
// for each.
type BindingDestinationKind int

const (
	DestinationQueue BindingDestinationKind = iota
	DestinationExchange
)

type RecordedExchange struct {
	Channel    ChannelID
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       amqp.Table
}

type RecordedQueue struct {
	Channel    ChannelID
	Name       string
	ServerNamed bool
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// DeliveryHandler receives deliveries for a consumer that survives
// recovery; it is re-attached to the new session's delivery channel each
// time the channel is resubscribed.
type DeliveryHandler func(<-chan amqp.Delivery)

type RecordedConsumer struct {
	Channel       ChannelID
	Tag           string
	Queue         string
	AutoAck       bool
	Exclusive     bool
	NoLocal       bool
	Args          amqp.Table
	Handler       DeliveryHandler
}

// bindingKey is a binding's identity: source, destination, destination
// kind and routing key, matching the wire-level identity AMQP 0-9-1 itself
// uses for a binding. Channel is deliberately excluded: the same logical
// binding declared from two different *Channel handles is still one
// binding, and recording it a second time must overwrite, not duplicate.
type bindingKey struct {
	destination string
	source      string
	routingKey  string
	kind        BindingDestinationKind
}

type RecordedBinding struct {
	Channel             ChannelID
	DestinationKind     BindingDestinationKind
	DestinationQueue    string
	DestinationExchange string
	Source              string
	RoutingKey          string
	Args                amqp.Table
}

func (b RecordedBinding) key() bindingKey {
	dest := b.DestinationQueue
	if b.DestinationKind == DestinationExchange {
		dest = b.DestinationExchange
	}
	return bindingKey{
		destination: dest,
		source:      b.Source,
		routingKey:  b.RoutingKey,
		kind:        b.DestinationKind,
	}
}

// TopologySnapshot is a point-in-time, order-preserving copy of everything
// a TopologyRegistry has recorded, suitable for replay against a freshly
// dialed connection.
type TopologySnapshot struct {
	Exchanges []RecordedExchange
	Queues    []RecordedQueue
	Bindings  []RecordedBinding
	Consumers []RecordedConsumer
}

// TopologyRegistry records every exchange, queue, binding and consumer an
// application has declared, so recovery can replay them against a new
// transport. All four collections share a single lock: letting each
// collection take its own lock invites exactly the kind of interleaved,
// half-applied cascade (a queue deleted while a binding referencing it is
// mid-insert) this registry exists to prevent.
type TopologyRegistry struct {
	mu     sync.Mutex
	logger zerolog.Logger

	exchanges map[string]RecordedExchange
	queues    map[string]RecordedQueue
	bindings  map[bindingKey]RecordedBinding
	consumers map[string]RecordedConsumer

	exchangeOrder []string
	queueOrder    []string
	bindingOrder  []bindingKey
	consumerOrder []string
}

func NewTopologyRegistry(logger zerolog.Logger) *TopologyRegistry {
	return &TopologyRegistry{
		logger:    logger,
		exchanges: make(map[string]RecordedExchange),
		queues:    make(map[string]RecordedQueue),
		bindings:  make(map[bindingKey]RecordedBinding),
		consumers: make(map[string]RecordedConsumer),
	}
}

func (r *TopologyRegistry) RecordExchange(e RecordedExchange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.exchanges[e.Name]; !exists {
		r.exchangeOrder = append(r.exchangeOrder, e.Name)
	}
	r.exchanges[e.Name] = e
	r.logger.Debug().Str("exchange", e.Name).Str("op", "record").Msg("topology")
}

func (r *TopologyRegistry) RecordQueue(q RecordedQueue) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.queues[q.Name]; !exists {
		r.queueOrder = append(r.queueOrder, q.Name)
	}
	r.queues[q.Name] = q
	r.logger.Debug().Str("queue", q.Name).Str("op", "record").Msg("topology")
}

func (r *TopologyRegistry) RecordBinding(b RecordedBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := b.key()
	if _, exists := r.bindings[k]; !exists {
		r.bindingOrder = append(r.bindingOrder, k)
	}
	r.bindings[k] = b
	r.logger.Debug().Str("source", b.Source).Str("op", "record_binding").Msg("topology")
}

func (r *TopologyRegistry) RecordConsumer(c RecordedConsumer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.consumers[c.Tag]; !exists {
		r.consumerOrder = append(r.consumerOrder, c.Tag)
	}
	r.consumers[c.Tag] = c
	r.logger.Debug().Str("consumer_tag", c.Tag).Str("op", "record").Msg("topology")
}

// DeleteExchange removes the exchange and every binding whose destination
// is that exchange, then evaluates maybe_delete_auto_delete_exchange on
// each removed binding's source so a cascade through chained
// exchange-to-exchange bindings completes in one call.
func (r *TopologyRegistry) DeleteExchange(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteExchangeLocked(name)
}

func (r *TopologyRegistry) deleteExchangeLocked(name string) {
	if _, exists := r.exchanges[name]; !exists {
		return
	}
	delete(r.exchanges, name)
	r.exchangeOrder = removeString(r.exchangeOrder, name)

	var affectedSources []string
	for k, b := range r.bindings {
		if b.DestinationKind == DestinationExchange && b.DestinationExchange == name {
			delete(r.bindings, k)
			r.bindingOrder = removeBindingKey(r.bindingOrder, k)
			affectedSources = append(affectedSources, b.Source)
		}
	}
	for _, source := range affectedSources {
		r.maybeDeleteAutoDeleteExchangeLocked(source)
	}
}

// DeleteQueue removes the queue and every binding whose destination is
// that queue, then evaluates maybe_delete_auto_delete_exchange on each
// removed binding's source. Consumers on the queue are left in place:
// their lifecycle is scoped to basic-cancel and channel loss, not queue
// deletion, so a dangling consumer record is expected here and is cleaned
// up the normal way if the application cancels it.
func (r *TopologyRegistry) DeleteQueue(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteQueueLocked(name)
}

func (r *TopologyRegistry) deleteQueueLocked(name string) {
	if _, exists := r.queues[name]; !exists {
		return
	}
	delete(r.queues, name)
	r.queueOrder = removeString(r.queueOrder, name)

	var affectedSources []string
	for k, b := range r.bindings {
		if b.DestinationKind == DestinationQueue && b.DestinationQueue == name {
			delete(r.bindings, k)
			r.bindingOrder = removeBindingKey(r.bindingOrder, k)
			affectedSources = append(affectedSources, b.Source)
		}
	}
	for _, source := range affectedSources {
		r.maybeDeleteAutoDeleteExchangeLocked(source)
	}
}

func (r *TopologyRegistry) DeleteBinding(b RecordedBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := b.key()
	delete(r.bindings, k)
	r.bindingOrder = removeBindingKey(r.bindingOrder, k)
}

func (r *TopologyRegistry) DeleteConsumer(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.consumers, tag)
	r.consumerOrder = removeString(r.consumerOrder, tag)
}

// ConsumerQueue reports the queue a recorded consumer is attached to, so a
// caller can evaluate the auto-delete-queue cascade after cancelling it.
func (r *TopologyRegistry) ConsumerQueue(tag string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.consumers[tag]
	if !exists {
		return "", false
	}
	return c.Queue, true
}

// MaybeDeleteAutoDeleteExchange drops an auto-delete exchange once nothing
// is bound to it anymore, mirroring the broker's own cascade so recovery
// never tries to replay a binding to something the broker already reaped.
func (r *TopologyRegistry) MaybeDeleteAutoDeleteExchange(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeDeleteAutoDeleteExchangeLocked(name)
}

func (r *TopologyRegistry) maybeDeleteAutoDeleteExchangeLocked(name string) {
	ex, exists := r.exchanges[name]
	if !exists || !ex.AutoDelete {
		return
	}
	for _, b := range r.bindings {
		if b.Source == name {
			return
		}
	}
	r.deleteExchangeLocked(name)
}

// MaybeDeleteAutoDeleteQueue drops an auto-delete queue once its last
// consumer has gone, mirroring the broker's cascade.
func (r *TopologyRegistry) MaybeDeleteAutoDeleteQueue(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeDeleteAutoDeleteQueueLocked(name)
}

func (r *TopologyRegistry) maybeDeleteAutoDeleteQueueLocked(name string) {
	q, exists := r.queues[name]
	if !exists || !q.AutoDelete {
		return
	}
	for _, c := range r.consumers {
		if c.Queue == name {
			return
		}
	}
	r.deleteQueueLocked(name)
}

func (r *TopologyRegistry) Snapshot() TopologySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := TopologySnapshot{}
	for _, name := range r.exchangeOrder {
		snap.Exchanges = append(snap.Exchanges, r.exchanges[name])
	}
	for _, name := range r.queueOrder {
		snap.Queues = append(snap.Queues, r.queues[name])
	}
	for _, k := range r.bindingOrder {
		snap.Bindings = append(snap.Bindings, r.bindings[k])
	}
	for _, tag := range r.consumerOrder {
		snap.Consumers = append(snap.Consumers, r.consumers[tag])
	}
	return snap
}

func (r *TopologyRegistry) ExchangeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exchanges)
}

func (r *TopologyRegistry) QueueCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

func (r *TopologyRegistry) BindingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}

func (r *TopologyRegistry) ConsumerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumers)
}

// RenameQueue atomically rewrites a queue's own record plus every binding
// and consumer that referenced it under the old name, so observers never
// see the rename as a sequence of partial updates.
func (r *TopologyRegistry) RenameQueue(oldName, newName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, exists := r.queues[oldName]
	if !exists {
		return
	}
	delete(r.queues, oldName)
	q.Name = newName
	q.ServerNamed = true
	r.queues[newName] = q
	r.queueOrder = replaceString(r.queueOrder, oldName, newName)

	for k, b := range r.bindings {
		if b.DestinationKind == DestinationQueue && b.DestinationQueue == oldName {
			delete(r.bindings, k)
			b.DestinationQueue = newName
			nk := b.key()
			r.bindings[nk] = b
			r.bindingOrder = replaceBindingKey(r.bindingOrder, k, nk)
		}
	}

	for tag, c := range r.consumers {
		if c.Queue == oldName {
			c.Queue = newName
			r.consumers[tag] = c
		}
	}
}

// RekeyConsumer atomically rewrites a consumer's record to the tag the
// broker actually assigned after recovery.
func (r *TopologyRegistry) RekeyConsumer(oldTag, newTag string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.consumers[oldTag]
	if !exists {
		return
	}
	delete(r.consumers, oldTag)
	c.Tag = newTag
	r.consumers[newTag] = c
	r.consumerOrder = replaceString(r.consumerOrder, oldTag, newTag)
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func replaceString(s []string, old, new string) []string {
	for i, x := range s {
		if x == old {
			s[i] = new
		}
	}
	return s
}

func removeBindingKey(s []bindingKey, v bindingKey) []bindingKey {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func replaceBindingKey(s []bindingKey, old, new bindingKey) []bindingKey {
	for i, x := range s {
		if x == old {
			s[i] = new
		}
	}
	return s
}
