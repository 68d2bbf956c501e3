package amqprecover

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(endpoints ...Endpoint) *Config {
	cfg := DefaultConfig()
	if len(endpoints) > 0 {
		cfg.Endpoints = endpoints
	}
	cfg.NetworkRecoveryInterval = 5 * time.Millisecond
	cfg.ContinuationTimeout = time.Second
	return cfg
}

func dialFake(registry map[Endpoint]*fakeRawConnection) func(context.Context, Endpoint, *Config) (RawConnection, error) {
	return func(ctx context.Context, ep Endpoint, cfg *Config) (RawConnection, error) {
		fr, ok := registry[ep]
		if !ok {
			fr = newFakeRawConnection(ep)
			registry[ep] = fr
			return fr, nil
		}
		// Redialing an endpoint whose fake was shut down reopens that same
		// fake, so tests keep one handle per endpoint across recoveries.
		fr.mu.Lock()
		if !fr.open {
			fr.open = true
			fr.closeCh = make(chan *amqp.Error, 1)
		}
		fr.mu.Unlock()
		return fr, nil
	}
}

func TestConnection_DialAndIsOpen(t *testing.T) {
	reg := map[Endpoint]*fakeRawConnection{}
	cfg := testConfig(Endpoint{Host: "a", Port: 1})

	conn, err := dialWith(context.Background(), cfg, dialFake(reg))
	require.NoError(t, err)
	assert.True(t, conn.IsOpen())
}

func TestConnection_CloseStopsRecoveryWithoutReconnecting(t *testing.T) {
	reg := map[Endpoint]*fakeRawConnection{}
	cfg := testConfig(Endpoint{Host: "a", Port: 1})

	conn, err := dialWith(context.Background(), cfg, dialFake(reg))
	require.NoError(t, err)

	recovered := make(chan int, 1)
	conn.OnRecoverySucceeded(func(attempt int) { recovered <- attempt })

	require.NoError(t, conn.Close(200, "bye"))
	time.Sleep(20 * time.Millisecond)

	assert.False(t, conn.IsOpen())
	select {
	case <-recovered:
		t.Fatal("recovery must not run after an application-initiated close")
	default:
	}
}

func TestConnection_PeerShutdownTriggersRecovery(t *testing.T) {
	reg := map[Endpoint]*fakeRawConnection{}
	cfg := testConfig(Endpoint{Host: "a", Port: 1})

	conn, err := dialWith(context.Background(), cfg, dialFake(reg))
	require.NoError(t, err)

	recovered := make(chan int, 1)
	conn.OnRecoverySucceeded(func(attempt int) { recovered <- attempt })

	reg[Endpoint{Host: "a", Port: 1}].simulatePeerShutdown()

	select {
	case attempt := <-recovered:
		assert.GreaterOrEqual(t, attempt, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("recovery did not complete in time")
	}
	assert.True(t, conn.IsOpen())
}

func TestConnection_CreateChannelAndDeclareExchange(t *testing.T) {
	reg := map[Endpoint]*fakeRawConnection{}
	cfg := testConfig(Endpoint{Host: "a", Port: 1})

	conn, err := dialWith(context.Background(), cfg, dialFake(reg))
	require.NoError(t, err)

	ch, err := conn.CreateChannel()
	require.NoError(t, err)

	require.NoError(t, ch.ExchangeDeclare("ex1", ExchangeTypeTopic, true, false, false, false, nil))
	assert.Equal(t, 1, conn.registry.ExchangeCount())
}

func TestChannel_CancelReapsAutoDeleteQueue(t *testing.T) {
	reg := map[Endpoint]*fakeRawConnection{}
	cfg := testConfig(Endpoint{Host: "a", Port: 1})

	conn, err := dialWith(context.Background(), cfg, dialFake(reg))
	require.NoError(t, err)

	ch, err := conn.CreateChannel()
	require.NoError(t, err)

	_, err = ch.QueueDeclare("q1", false, true, false, false, nil)
	require.NoError(t, err)

	tag, err := ch.Consume("q1", "", false, false, false, false, nil, func(<-chan amqp.Delivery) {})
	require.NoError(t, err)
	assert.Equal(t, 1, conn.registry.QueueCount())

	require.NoError(t, ch.Cancel(tag, false))
	assert.Equal(t, 0, conn.registry.QueueCount(), "last consumer leaving an auto-delete queue must reap it")
}

func TestConnection_UpdateSecretUpdatesConfig(t *testing.T) {
	reg := map[Endpoint]*fakeRawConnection{}
	cfg := testConfig(Endpoint{Host: "a", Port: 1})

	conn, err := dialWith(context.Background(), cfg, dialFake(reg))
	require.NoError(t, err)

	require.NoError(t, conn.UpdateSecret("new-secret", "rotation"))
	assert.Equal(t, "new-secret", conn.cfg.Password)
}

func TestConnection_ClosedConnectionRejectsOperations(t *testing.T) {
	reg := map[Endpoint]*fakeRawConnection{}
	cfg := testConfig(Endpoint{Host: "a", Port: 1})

	conn, err := dialWith(context.Background(), cfg, dialFake(reg))
	require.NoError(t, err)

	require.NoError(t, conn.Close(200, "bye"))

	// An application-initiated Close leaves the connection "closed", not
	// "disposed" - ErrDisposed is reserved for an explicit teardown this
	// package doesn't expose yet.
	_, err = conn.CreateChannel()
	assert.ErrorIs(t, err, ErrConnectionNotOpen)
	assert.False(t, conn.IsOpen())
}
