package amqprecover

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RecoverySucceededHandler is invoked once a reconnect attempt has restored
// the connection, replayed channels, and (if enabled) replayed topology.
type RecoverySucceededHandler func(attempt int)

// ConnectionRecoveryErrorHandler is invoked for every failed reconnect
// attempt and for every topology item that failed to replay during a
// recovery pass that otherwise succeeded.
type ConnectionRecoveryErrorHandler func(err error)

// ConsumerTagChangedHandler is invoked when the broker assigns a consumer a
// different tag than the one it held before recovery. Channel.Consume also
// invokes it when the session returns a tag other than the one requested.
type ConsumerTagChangedHandler func(oldTag, newTag string)

// QueueNameChangedHandler is invoked when a server-named queue is
// re-declared with a different generated name during recovery.
type QueueNameChangedHandler func(oldName, newName string)

// CallbackExceptionHandler is invoked when a registered handler of any kind
// panics; recovered is the value the panic carried.
type CallbackExceptionHandler func(source string, recovered interface{})

// ShutdownHandler is invoked when the underlying transport is closed by the
// peer or a network failure, just before recovery starts. It is not invoked
// for a close that follows Connection.Close or Abort.
type ShutdownHandler func(cause *amqp.Error)

// BlockedHandler is invoked when the broker throttles the connection via
// connection.blocked, and its unblocked counterpart when it lifts.
type BlockedHandler func(reason string)
type UnblockedHandler func()

// EventEmitter fans registered handlers out for every event kind this
// package exposes, isolating each call so a misbehaving handler cannot
// break delivery to the others or crash the caller.
type EventEmitter struct {
	mu sync.RWMutex

	recoverySucceeded       []RecoverySucceededHandler
	connectionRecoveryError []ConnectionRecoveryErrorHandler
	consumerTagChanged      []ConsumerTagChangedHandler
	queueNameChanged        []QueueNameChangedHandler
	callbackException       []CallbackExceptionHandler
	shutdown                []ShutdownHandler
	blocked                 []BlockedHandler
	unblocked                []UnblockedHandler
}

func NewEventEmitter() *EventEmitter {
	return &EventEmitter{}
}

func (e *EventEmitter) OnRecoverySucceeded(h RecoverySucceededHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recoverySucceeded = append(e.recoverySucceeded, h)
}

func (e *EventEmitter) OnConnectionRecoveryError(h ConnectionRecoveryErrorHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectionRecoveryError = append(e.connectionRecoveryError, h)
}

func (e *EventEmitter) OnConsumerTagChanged(h ConsumerTagChangedHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consumerTagChanged = append(e.consumerTagChanged, h)
}

func (e *EventEmitter) OnQueueNameChanged(h QueueNameChangedHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queueNameChanged = append(e.queueNameChanged, h)
}

func (e *EventEmitter) OnCallbackException(h CallbackExceptionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbackException = append(e.callbackException, h)
}

func (e *EventEmitter) OnShutdown(h ShutdownHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = append(e.shutdown, h)
}

func (e *EventEmitter) OnBlocked(h BlockedHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocked = append(e.blocked, h)
}

func (e *EventEmitter) OnUnblocked(h UnblockedHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unblocked = append(e.unblocked, h)
}

// isolate runs fn and routes any panic to the callback-exception handlers
// instead of propagating it, per the "callback exception isolation"
// requirement: one bad handler must never take down the recovery loop.
func (e *EventEmitter) isolate(source string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.emitCallbackException(source, r)
		}
	}()
	fn()
}

func (e *EventEmitter) EmitRecoverySucceeded(attempt int) {
	e.mu.RLock()
	handlers := append([]RecoverySucceededHandler(nil), e.recoverySucceeded...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h := h
		e.isolate("recovery_succeeded", func() { h(attempt) })
	}
}

func (e *EventEmitter) EmitConnectionRecoveryError(err error) {
	e.mu.RLock()
	handlers := append([]ConnectionRecoveryErrorHandler(nil), e.connectionRecoveryError...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h := h
		e.isolate("connection_recovery_error", func() { h(err) })
	}
}

func (e *EventEmitter) EmitConsumerTagChanged(oldTag, newTag string) {
	e.mu.RLock()
	handlers := append([]ConsumerTagChangedHandler(nil), e.consumerTagChanged...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h := h
		e.isolate("consumer_tag_changed_after_recovery", func() { h(oldTag, newTag) })
	}
}

func (e *EventEmitter) EmitQueueNameChanged(oldName, newName string) {
	e.mu.RLock()
	handlers := append([]QueueNameChangedHandler(nil), e.queueNameChanged...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h := h
		e.isolate("queue_name_changed_after_recovery", func() { h(oldName, newName) })
	}
}

func (e *EventEmitter) emitCallbackException(source string, recovered interface{}) {
	e.mu.RLock()
	handlers := append([]CallbackExceptionHandler(nil), e.callbackException...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(source, recovered)
		}()
	}
}

func (e *EventEmitter) EmitShutdown(cause *amqp.Error) {
	e.mu.RLock()
	handlers := append([]ShutdownHandler(nil), e.shutdown...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h := h
		e.isolate("connection_shutdown", func() { h(cause) })
	}
}

func (e *EventEmitter) EmitBlocked(reason string) {
	e.mu.RLock()
	handlers := append([]BlockedHandler(nil), e.blocked...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h := h
		e.isolate("connection_blocked", func() { h(reason) })
	}
}

func (e *EventEmitter) EmitUnblocked() {
	e.mu.RLock()
	handlers := append([]UnblockedHandler(nil), e.unblocked...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h := h
		e.isolate("connection_unblocked", func() { h() })
	}
}
