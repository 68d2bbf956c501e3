package amqprecover

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type recoveryState int32

const (
	stateRunning recoveryState = iota
	stateRecovering
	stateClosed
)

// RecoveryController watches the current transport for closure and drives
// reconnect-and-replay when it drops for any reason other than
// Connection.Close/Abort having been called first.
type RecoveryController struct {
	conn *Connection
	cfg  *Config

	state atomic.Int32

	doneMu sync.Mutex
	done   chan struct{}
}

func newRecoveryController(conn *Connection, cfg *Config) *RecoveryController {
	return &RecoveryController{
		conn: conn,
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

func (rc *RecoveryController) currentState() recoveryState {
	return recoveryState(rc.state.Load())
}

// stopRecoveryLoop marks the connection as closed from the application's
// point of view and wakes the watcher, so it exits without attempting a
// reconnect. Idempotent: Close and Abort can never double-close done.
func (rc *RecoveryController) stopRecoveryLoop() {
	rc.state.Store(int32(stateClosed))
	rc.doneMu.Lock()
	defer rc.doneMu.Unlock()
	select {
	case <-rc.done:
	default:
		close(rc.done)
	}
}

func (rc *RecoveryController) Start() {
	go rc.run()
}

func (rc *RecoveryController) run() {
	for {
		raw := rc.conn.currentRaw()
		if raw == nil {
			return
		}

		select {
		case <-rc.done:
			return
		case amqpErr, ok := <-raw.NotifyClose():
			if rc.currentState() == stateClosed {
				return
			}
			if !ok || amqpErr == nil {
				continue
			}

			rc.conn.logger.Warn().Err(amqpErr).Msg("connection closed, recovering")
			rc.conn.events.EmitShutdown(amqpErr)
			rc.state.Store(int32(stateRecovering))

			if !rc.recover() {
				return
			}
		}
	}
}

// recover retries dialing and replaying at NetworkRecoveryInterval until it
// succeeds, the controller is stopped, or MaxRecoveryAttempts is exhausted
// (0 means unlimited). Returns false if the caller should stop watching.
func (rc *RecoveryController) recover() bool {
	attempt := 0
	for {
		select {
		case <-rc.done:
			return false
		default:
		}

		attempt++
		if err := rc.attemptOnce(attempt); err != nil {
			rc.conn.events.EmitConnectionRecoveryError(&ReconnectError{Attempt: attempt, Err: err})
			rc.conn.logger.Error().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")

			if rc.cfg.MaxRecoveryAttempts > 0 && attempt >= rc.cfg.MaxRecoveryAttempts {
				rc.conn.logger.Error().Int("attempts", attempt).Msg("max recovery attempts exhausted, giving up")
				return false
			}

			select {
			case <-rc.done:
				return false
			case <-time.After(rc.cfg.NetworkRecoveryInterval):
			}
			continue
		}

		rc.state.Store(int32(stateRunning))
		rc.conn.events.EmitRecoverySucceeded(attempt)
		rc.conn.logger.Info().Int("attempt", attempt).Msg("recovery succeeded")
		return true
	}
}

func (rc *RecoveryController) attemptOnce(attempt int) error {
	ctx, cancel := context.WithTimeout(context.Background(), rc.cfg.ContinuationTimeout)
	defer cancel()

	raw, err := rc.conn.cycler.Next(ctx, func(ctx context.Context, ep Endpoint) (RawConnection, error) {
		return rc.conn.dial(ctx, ep, rc.cfg)
	})
	if err != nil {
		return err
	}

	rc.conn.swapRaw(raw)
	go rc.conn.watchBlocked(raw)
	rc.conn.cycler.MergeKnownHosts(raw.KnownHosts())

	if err := rc.recoverChannels(raw); err != nil {
		return err
	}

	if rc.cfg.TopologyRecoveryEnabled {
		rc.recoverTopology(raw)
	}

	return nil
}

// recoverChannels re-creates a session for every open Channel. Unlike
// topology items, a channel that cannot be recovered fails the whole
// attempt: an application holding a *Channel whose session can never be
// restored has no way to keep making progress on it.
func (rc *RecoveryController) recoverChannels(raw RawConnection) error {
	for _, ch := range rc.conn.channelSnapshot() {
		if err := ch.automaticallyRecover(raw); err != nil {
			return err
		}
	}
	return nil
}

func (rc *RecoveryController) recoverTopology(raw RawConnection) {
	snap := rc.conn.registry.Snapshot()

	rc.recoverExchanges(snap.Exchanges)
	renamed := rc.recoverQueues(snap.Queues)
	rc.recoverBindings(snap.Bindings, renamed)
	rc.recoverConsumers(snap.Consumers, renamed)
}

func (rc *RecoveryController) recoverExchanges(exchanges []RecordedExchange) {
	for _, rec := range exchanges {
		ch := rc.conn.channelByID(rec.Channel)
		if ch == nil {
			continue
		}
		if err := ch.redeclareExchange(rec); err != nil {
			rc.reportTopologyFailure("redeclare exchange "+rec.Name, err)
		}
	}
}

func (rc *RecoveryController) recoverQueues(queues []RecordedQueue) map[string]string {
	renamed := make(map[string]string)
	for _, rec := range queues {
		ch := rc.conn.channelByID(rec.Channel)
		if ch == nil {
			continue
		}
		q, err := ch.redeclareQueue(rec)
		if err != nil {
			rc.reportTopologyFailure("redeclare queue "+rec.Name, err)
			continue
		}
		if rec.ServerNamed && q.Name != rec.Name {
			rc.conn.registry.RenameQueue(rec.Name, q.Name)
			rc.conn.events.EmitQueueNameChanged(rec.Name, q.Name)
			renamed[rec.Name] = q.Name
		}
	}
	return renamed
}

func (rc *RecoveryController) recoverBindings(bindings []RecordedBinding, renamed map[string]string) {
	for _, rec := range bindings {
		ch := rc.conn.channelByID(rec.Channel)
		if ch == nil {
			continue
		}
		if rec.DestinationKind == DestinationQueue {
			if newName, ok := renamed[rec.DestinationQueue]; ok {
				rec.DestinationQueue = newName
			}
		}
		if err := ch.rebind(rec); err != nil {
			rc.reportTopologyFailure("rebind "+rec.key().destination, err)
		}
	}
}

func (rc *RecoveryController) recoverConsumers(consumers []RecordedConsumer, renamed map[string]string) {
	for _, rec := range consumers {
		ch := rc.conn.channelByID(rec.Channel)
		if ch == nil {
			continue
		}
		if newName, ok := renamed[rec.Queue]; ok {
			rec.Queue = newName
		}
		actualTag, err := ch.resubscribe(rec)
		if err != nil {
			rc.reportTopologyFailure("resubscribe "+rec.Tag, err)
			continue
		}
		if actualTag != rec.Tag {
			rc.conn.registry.RekeyConsumer(rec.Tag, actualTag)
			rc.conn.events.EmitConsumerTagChanged(rec.Tag, actualTag)
		}
	}
}

func (rc *RecoveryController) reportTopologyFailure(context string, err error) {
	wrapped := &TopologyRecoveryException{Context: context, Err: err}
	rc.conn.logger.Error().Err(wrapped).Msg("topology recovery item failed")
	rc.conn.events.EmitConnectionRecoveryError(wrapped)
}
