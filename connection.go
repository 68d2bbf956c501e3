package amqprecover

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// rawHolder lets Connection swap its underlying transport atomically: every
// reader takes a snapshot of the pointer, so a recovery in progress on
// another goroutine can never hand back a half-updated RawConnection.
type rawHolder struct {
	raw RawConnection
}

// Connection is an auto-recovering AMQP 0-9-1 connection. Application code
// holds a *Connection and any *Channel it creates across the connection's
// entire lifetime; when the underlying transport drops, Connection dials a
// replacement, replays channels and (if enabled) topology, all behind the
// same handles the application already has.
type Connection struct {
	cfg    *Config
	logger zerolog.Logger

	raw atomic.Pointer[rawHolder]

	channelsMu  sync.Mutex
	channels    map[ChannelID]*Channel
	nextChannel atomic.Uint64

	registry *TopologyRegistry
	events   *EventEmitter
	cycler   *EndpointCycler
	recovery *RecoveryController

	dial func(ctx context.Context, ep Endpoint, cfg *Config) (RawConnection, error)

	// closed is set by an application-initiated Close/Abort: the transport
	// is gone and recovery has been told to stop, but the Connection value
	// itself is still a valid handle. disposed is reserved for a future
	// explicit teardown that also releases resources Close leaves intact;
	// nothing in this package sets it yet, so ErrDisposed never fires today.
	closed   atomic.Bool
	disposed atomic.Bool
}

// Dial establishes the initial connection and starts the background
// recovery watcher. cfg is defaulted and validated before dialing.
func Dial(ctx context.Context, cfg *Config) (*Connection, error) {
	return dialWith(ctx, cfg, dialRawConnection)
}

func dialWith(ctx context.Context, cfg *Config, dialFn func(context.Context, Endpoint, *Config) (RawConnection, error)) (*Connection, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	conn := &Connection{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: NewTopologyRegistry(cfg.Logger),
		events:   NewEventEmitter(),
		channels: make(map[ChannelID]*Channel),
		dial:     dialFn,
	}
	conn.cycler = NewEndpointCycler(cfg.EndpointSelector, cfg.Endpoints)

	raw, err := conn.cycler.Next(ctx, func(ctx context.Context, ep Endpoint) (RawConnection, error) {
		return conn.dial(ctx, ep, cfg)
	})
	if err != nil {
		return nil, NewConfigurationError("endpoints", cfg.Endpoints, fmt.Sprintf("initial dial failed: %v", err))
	}
	conn.swapRaw(raw)

	conn.recovery = newRecoveryController(conn, cfg)
	conn.recovery.Start()

	go conn.watchBlocked(raw)

	conn.logger.Info().Str("endpoint", raw.Endpoint().String()).Msg("connected")
	return conn, nil
}

func (c *Connection) currentRaw() RawConnection {
	h := c.raw.Load()
	if h == nil {
		return nil
	}
	return h.raw
}

func (c *Connection) swapRaw(raw RawConnection) {
	c.raw.Store(&rawHolder{raw: raw})
}

func (c *Connection) checkOpen() (RawConnection, error) {
	if c.disposed.Load() {
		return nil, ErrDisposed
	}
	if c.closed.Load() {
		return nil, ErrConnectionNotOpen
	}
	raw := c.currentRaw()
	if raw == nil || !raw.IsOpen() {
		return nil, ErrConnectionNotOpen
	}
	return raw, nil
}

func (c *Connection) IsOpen() bool {
	raw := c.currentRaw()
	return !c.disposed.Load() && !c.closed.Load() && raw != nil && raw.IsOpen()
}

func (c *Connection) ServerProperties() amqp.Table {
	raw := c.currentRaw()
	if raw == nil {
		return nil
	}
	return raw.ServerProperties()
}

func (c *Connection) ChannelMax() int {
	raw := c.currentRaw()
	if raw == nil {
		return 0
	}
	return raw.ChannelMax()
}

func (c *Connection) FrameMax() int {
	raw := c.currentRaw()
	if raw == nil {
		return 0
	}
	return raw.FrameMax()
}

func (c *Connection) LocalPort() int {
	raw := c.currentRaw()
	if raw == nil {
		return 0
	}
	return raw.LocalPort()
}

// CreateChannel opens a new proxied channel against the current transport.
// The returned Channel's identity is stable across recovery.
func (c *Connection) CreateChannel() (*Channel, error) {
	raw, err := c.checkOpen()
	if err != nil {
		return nil, err
	}

	sess, err := raw.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	id := ChannelID(c.nextChannel.Add(1))
	ch := newChannel(id, c, sess)

	c.channelsMu.Lock()
	c.channels[id] = ch
	c.channelsMu.Unlock()

	return ch, nil
}

func (c *Connection) forgetChannel(id ChannelID) {
	c.channelsMu.Lock()
	delete(c.channels, id)
	c.channelsMu.Unlock()
}

func (c *Connection) channelSnapshot() []*Channel {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Connection) channelByID(id ChannelID) *Channel {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	return c.channels[id]
}

// UpdateSecret pushes a refreshed credential to the broker without
// reconnecting, per the AMQP 0-9-1 extension amqp091-go exposes on
// *amqp.Connection. On success the Config used for future recovery dials
// is updated too, so a later forced reconnect authenticates with the new
// secret instead of the one Dial was originally called with.
func (c *Connection) UpdateSecret(newSecret, reason string) error {
	raw, err := c.checkOpen()
	if err != nil {
		return err
	}
	if err := raw.UpdateSecret(newSecret, reason); err != nil {
		return err
	}
	c.cfg.Password = newSecret
	return nil
}

// Ping verifies the connection is usable by opening and closing a session,
// bypassing the topology registry entirely since a health check must never
// leave a trace an application's own recovery would have to replay.
func (c *Connection) Ping() error {
	raw, err := c.checkOpen()
	if err != nil {
		return err
	}
	sess, err := raw.CreateSession()
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return sess.Close()
}

// Close gracefully closes the connection and stops recovery. Calling Close
// is what distinguishes this shutdown from a peer- or network-initiated
// one: recovery.stopRecoveryLoop runs before the transport actually closes,
// so the watcher sees state stateClosed and does not attempt to reconnect.
func (c *Connection) Close(reasonCode int, reasonText string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.recovery.stopRecoveryLoop()

	raw := c.currentRaw()
	if raw == nil {
		return nil
	}
	return raw.Close(reasonCode, reasonText)
}

func (c *Connection) Abort() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.recovery.stopRecoveryLoop()

	raw := c.currentRaw()
	if raw != nil {
		raw.Abort()
	}
}

func (c *Connection) watchBlocked(raw RawConnection) {
	for b := range raw.NotifyBlocked() {
		if b.Active {
			c.events.EmitBlocked(b.Reason)
		} else {
			c.events.EmitUnblocked()
		}
	}
}

func (c *Connection) OnRecoverySucceeded(h RecoverySucceededHandler) {
	c.events.OnRecoverySucceeded(h)
}

func (c *Connection) OnConnectionRecoveryError(h ConnectionRecoveryErrorHandler) {
	c.events.OnConnectionRecoveryError(h)
}

func (c *Connection) OnConsumerTagChanged(h ConsumerTagChangedHandler) {
	c.events.OnConsumerTagChanged(h)
}

func (c *Connection) OnQueueNameChanged(h QueueNameChangedHandler) {
	c.events.OnQueueNameChanged(h)
}

func (c *Connection) OnCallbackException(h CallbackExceptionHandler) {
	c.events.OnCallbackException(h)
}

func (c *Connection) OnShutdown(h ShutdownHandler) {
	c.events.OnShutdown(h)
}

func (c *Connection) OnBlocked(h BlockedHandler) {
	c.events.OnBlocked(h)
}

func (c *Connection) OnUnblocked(h UnblockedHandler) {
	c.events.OnUnblocked(h)
}
