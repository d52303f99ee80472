package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
)

func connectedClient(t *testing.T, cfg Config) (*Client, *fakeBroker) {
	t.Helper()
	b := &fakeBroker{}
	c := newTestClient(b, cfg)
	require.NoError(t, c.Connect(context.Background()))
	return c, b
}

func TestClient_UseBeforeConnect_NotInitialized(t *testing.T) {
	c := newTestClient(&fakeBroker{}, Config{})
	ctx := context.Background()

	err := c.Publish(ctx, domain.VerificationTask{Email: "a@b.com", Token: "t"})
	assert.True(t, domain.Is(err, "not_initialized"), "publish: %v", err)

	err = c.Consume(ctx, func(context.Context, amqp.Delivery) Outcome { return Ack })
	assert.True(t, domain.Is(err, "not_initialized"), "consume: %v", err)

	_, _, err = c.Get(ctx, "email_queue.dlq")
	assert.True(t, domain.Is(err, "not_initialized"), "get: %v", err)

	assert.True(t, domain.Is(c.Ready(), "not_initialized"))
}

func TestClient_Connect_DeclaresTopology(t *testing.T) {
	c, b := connectedClient(t, Config{Queue: "email_queue", RetryDelay: 30 * time.Second})
	conn := b.last()

	assert.True(t, conn.pub.confirm, "publish channel must be in confirm mode")

	main := conn.con.declared["email_queue"]
	require.NotNil(t, main)
	assert.Equal(t, "", main["x-dead-letter-exchange"])
	assert.Equal(t, "email_queue.dlq", main["x-dead-letter-routing-key"])

	retry := conn.con.declared["email_queue.retry"]
	require.NotNil(t, retry)
	assert.Equal(t, int64(30000), retry["x-message-ttl"])
	assert.Equal(t, "email_queue", retry["x-dead-letter-routing-key"])

	_, ok := conn.con.declared["email_queue.dlq"]
	assert.True(t, ok)

	assert.NoError(t, c.Ready())
}

func TestClient_Connect_IdempotentAndConcurrent(t *testing.T) {
	b := &fakeBroker{}
	c := newTestClient(b, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Connect(context.Background()))
		}()
	}
	wg.Wait()
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, 1, b.dials)
}

func TestClient_Connect_Failures(t *testing.T) {
	b := &fakeBroker{dialErr: errBoom}
	c := newTestClient(b, Config{})
	err := c.Connect(context.Background())
	assert.True(t, domain.Is(err, "broker_unavailable"), "got %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = newTestClient(&fakeBroker{}, Config{}).Connect(ctx)
	assert.True(t, domain.Is(err, "broker_unavailable"))
}

func TestClient_Connect_ReconnectsAfterDrop(t *testing.T) {
	c, b := connectedClient(t, Config{})
	require.NoError(t, b.last().Close())

	assert.Error(t, c.Ready())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 2, b.dials)
	assert.NoError(t, c.Ready())
}

func TestClient_Publish_PersistentJSONConfirmed(t *testing.T) {
	c, b := connectedClient(t, Config{Queue: "email_queue"})

	err := c.Publish(context.Background(), domain.VerificationTask{Email: "a@b.com", Token: "tok"})
	require.NoError(t, err)

	pubs := b.last().pub.Published()
	require.Len(t, pubs, 1)
	p := pubs[0]
	assert.Equal(t, "", p.exchange)
	assert.Equal(t, "email_queue", p.key)
	assert.True(t, p.mandatory)
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)
	assert.Equal(t, "application/json", p.msg.ContentType)
	assert.NotEmpty(t, p.msg.MessageId)

	var body map[string]string
	require.NoError(t, json.Unmarshal(p.msg.Body, &body))
	assert.Equal(t, map[string]string{"email": "a@b.com", "token": "tok"}, body)
}

func TestClient_Publish_BrokerNack(t *testing.T) {
	c, b := connectedClient(t, Config{})
	b.last().pub.nack = true

	err := c.Publish(context.Background(), domain.VerificationTask{Email: "a@b.com", Token: "t"})
	assert.True(t, domain.Is(err, "broker_unavailable"), "got %v", err)
}

func TestClient_Publish_Unroutable(t *testing.T) {
	c, b := connectedClient(t, Config{})
	b.last().pub.unroutable = true

	err := c.PublishRaw(context.Background(), "missing_queue", []byte("{}"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unroutable")
}

func TestClient_Publish_ConfirmTimeout(t *testing.T) {
	c, b := connectedClient(t, Config{PublishTimeout: 50 * time.Millisecond})
	b.last().pub.noConfirm = true

	start := time.Now()
	err := c.Publish(context.Background(), domain.VerificationTask{Email: "a@b.com", Token: "t"})
	assert.True(t, domain.Is(err, "broker_unavailable"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_Publish_ChannelError(t *testing.T) {
	c, b := connectedClient(t, Config{})
	b.last().pub.publishErr = amqp.ErrClosed

	err := c.Publish(context.Background(), domain.VerificationTask{Email: "a@b.com", Token: "t"})
	assert.True(t, domain.Is(err, "broker_unavailable"))
}

func TestClient_Publish_IgnoresStaleConfirm(t *testing.T) {
	c, b := connectedClient(t, Config{})
	ch := b.last().pub

	// A late ack for an earlier publish is still buffered.
	ch.mu.Lock()
	ch.seq = 1
	ch.mu.Unlock()
	c.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: false}

	require.NoError(t, c.PublishRaw(context.Background(), "email_queue", []byte("{}"), nil))
}

func TestClient_Publish_RedialsClosedConnection(t *testing.T) {
	c, b := connectedClient(t, Config{})
	require.NoError(t, b.last().Close())

	require.NoError(t, c.PublishRaw(context.Background(), "email_queue", []byte("{}"), nil))
	assert.Equal(t, 2, b.dials)
	assert.Len(t, b.last().pub.Published(), 1)
}

func TestClient_Consume_AppliesOutcomes(t *testing.T) {
	c, b := connectedClient(t, Config{Prefetch: 4})
	ch := b.last().con
	ack := &fakeAck{}

	outcomes := map[uint64]Outcome{1: Ack, 2: Requeue, 3: Reject, 4: Ack}
	for tag := uint64(1); tag <= 4; tag++ {
		ch.deliveries <- delivery(ack, tag, "{}", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var handled int32
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(_ context.Context, d amqp.Delivery) Outcome {
			atomic.AddInt32(&handled, 1)
			return outcomes[d.DeliveryTag]
		})
	}()

	require.Eventually(t, func() bool {
		a, r, j := ack.counts()
		return a+r+j == 4
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	a, r, j := ack.counts()
	assert.Equal(t, 2, a)
	assert.Equal(t, 1, r)
	assert.Equal(t, 1, j)
	assert.Equal(t, int32(4), atomic.LoadInt32(&handled))
	assert.Equal(t, 4, ch.qos)
	assert.True(t, ch.cancelled)
}

func TestClient_Consume_BoundedByPrefetch(t *testing.T) {
	c, b := connectedClient(t, Config{Prefetch: 2})
	ch := b.last().con
	ack := &fakeAck{}

	for tag := uint64(1); tag <= 6; tag++ {
		ch.deliveries <- delivery(ack, tag, "{}", nil)
	}

	var inFlight, peak int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(context.Context, amqp.Delivery) Outcome {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return Ack
		})
	}()

	require.Eventually(t, func() bool {
		a, _, _ := ack.counts()
		return a == 6
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestClient_Consume_DrainsInFlightOnCancel(t *testing.T) {
	c, b := connectedClient(t, Config{})
	ch := b.last().con
	ack := &fakeAck{}
	ch.deliveries <- delivery(ack, 1, "{}", nil)

	started := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(hctx context.Context, d amqp.Delivery) Outcome {
			close(started)
			time.Sleep(50 * time.Millisecond)
			if hctx.Err() != nil {
				return Requeue
			}
			return Ack
		})
	}()

	<-started
	cancel()
	require.NoError(t, <-done)

	a, r, _ := ack.counts()
	assert.Equal(t, 1, a, "in-flight handler must finish and ack")
	assert.Equal(t, 0, r)
}

func TestClient_Consume_PanicRecovered(t *testing.T) {
	c, b := connectedClient(t, Config{})
	ch := b.last().con
	ack := &fakeAck{}

	first := delivery(ack, 1, "{}", nil)
	again := delivery(ack, 2, "{}", nil)
	again.Redelivered = true
	ch.deliveries <- first
	ch.deliveries <- again

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(context.Context, amqp.Delivery) Outcome { panic("kaboom") })
	}()

	require.Eventually(t, func() bool {
		_, r, j := ack.counts()
		return r+j == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	_, r, j := ack.counts()
	assert.Equal(t, 1, r, "first panic requeues")
	assert.Equal(t, 1, j, "panic on redelivery rejects to DLQ")
}

func TestClient_Consume_StreamClosed(t *testing.T) {
	c, b := connectedClient(t, Config{})
	close(b.last().con.deliveries)

	err := c.Consume(context.Background(), func(context.Context, amqp.Delivery) Outcome { return Ack })
	assert.True(t, domain.Is(err, "broker_unavailable"), "got %v", err)
}

func TestClient_Get(t *testing.T) {
	c, b := connectedClient(t, Config{})
	b.last().con.getQueue = []amqp.Delivery{{Body: []byte("x")}}

	d, ok, err := c.Get(context.Background(), c.DLQ())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("x"), d.Body)

	_, ok, err = c.Get(context.Background(), c.DLQ())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_Close(t *testing.T) {
	c, b := connectedClient(t, Config{})
	conn := b.last()

	require.NoError(t, c.Close())
	assert.True(t, conn.pub.closed)
	assert.True(t, conn.con.closed)
	assert.True(t, conn.IsClosed())

	err := c.Publish(context.Background(), domain.VerificationTask{Email: "a@b.com", Token: "t"})
	assert.True(t, domain.Is(err, "not_initialized"))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "requeue", Requeue.String())
	assert.Equal(t, "reject", Reject.String())
	assert.Equal(t, "unknown", Outcome(9).String())
}

func TestClient_Consume_StreamEndForcesRedial(t *testing.T) {
	c, b := connectedClient(t, Config{})
	close(b.last().con.deliveries)

	err := c.Consume(context.Background(), func(context.Context, amqp.Delivery) Outcome { return Ack })
	require.True(t, domain.Is(err, "broker_unavailable"), "got %v", err)
	assert.Error(t, c.Ready(), "a dead consume channel is not ready")

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 2, b.dials)
	assert.NoError(t, c.Ready())
}

func TestClient_ChannelException_MarksNotReady(t *testing.T) {
	c, b := connectedClient(t, Config{})
	b.last().pub.fail(406, "PRECONDITION_FAILED - unknown delivery tag")

	require.Eventually(t, func() bool { return c.Ready() != nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.PublishRaw(context.Background(), "email_queue", []byte("{}"), nil))
	assert.Equal(t, 2, b.dials)
	assert.Len(t, b.last().pub.Published(), 1)
	assert.NoError(t, c.Ready())
}

func TestClient_Publish_ConfirmStreamClosed(t *testing.T) {
	c, b := connectedClient(t, Config{})
	close(c.confirms)

	err := c.PublishRaw(context.Background(), "email_queue", []byte("{}"), nil)
	assert.True(t, domain.Is(err, "broker_unavailable"), "got %v", err)
	assert.Equal(t, 1, b.dials)

	require.NoError(t, c.PublishRaw(context.Background(), "email_queue", []byte("{}"), nil))
	assert.Equal(t, 2, b.dials)
}

func TestClient_Close_DoesNotFlagBroken(t *testing.T) {
	c, b := connectedClient(t, Config{})
	require.NoError(t, c.Close())
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 2, b.dials)
	assert.NoError(t, c.Ready())
}
