package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
)

// Outcome is how a consumed delivery is resolved. Exactly one is applied per delivery.
type Outcome int

const (
	Ack     Outcome = iota
	Requeue         // nack, requeue=true
	Reject          // nack, requeue=false; the queue's DLX routes it to the DLQ
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Handler processes one delivery. It must not ack or nack the delivery itself.
type Handler func(ctx context.Context, d amqp.Delivery) Outcome

type Config struct {
	URL            string
	Queue          string
	Prefetch       int
	ConsumerTag    string
	RetryDelay     time.Duration
	PublishTimeout time.Duration
	DialTimeout    time.Duration
}

// amqpChannel is the subset of *amqp.Channel the client uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	GetNextPublishSeqNo() uint64
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

type amqpConn interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type dialFunc func(url string, timeout time.Duration) (amqpConn, error)

type connAdapter struct{ *amqp.Connection }

func (c connAdapter) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string, timeout time.Duration) (amqpConn, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, err
	}
	return connAdapter{conn}, nil
}

/*
Client
------
Owns one AMQP connection with two channels:
  - publish channel: confirm mode, mandatory publishes, serialized by pubMu
  - consume channel: QoS prefetch, manual acks, basic.get

Topology (all durable, default exchange):
  - <queue>:       dead-letters to <queue>.dlq
  - <queue>.retry: TTL RetryDelay, dead-letters back to <queue>
  - <queue>.dlq:   terminal
*/
type Client struct {
	cfg  Config
	lg   zerolog.Logger
	dial dialFunc

	mu        sync.Mutex
	connected bool
	// broken is set when a channel dies under a live connection; the next
	// Connect redials instead of reusing it.
	broken   bool
	conn     amqpConn
	pubCh    amqpChannel
	conCh    amqpChannel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return

	pubMu sync.Mutex
}

func NewClient(cfg Config, lg zerolog.Logger) *Client {
	if cfg.Queue == "" {
		cfg.Queue = "email_queue"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "verify-worker"
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		lg:   lg.With().Str("component", "rabbitmq_client").Logger(),
		dial: dialAMQP,
	}
}

func (c *Client) Queue() string      { return c.cfg.Queue }
func (c *Client) RetryQueue() string { return c.cfg.Queue + ".retry" }
func (c *Client) DLQ() string        { return c.cfg.Queue + ".dlq" }

// Connect dials the broker and declares the topology. Repeated or concurrent
// calls share one live connection; a dropped connection is redialed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.connected && !c.broken && c.conn != nil && !c.conn.IsClosed() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return domain.ErrBrokerUnavailable(err)
	}
	c.closeLocked()

	conn, err := c.dial(c.cfg.URL, c.cfg.DialTimeout)
	if err != nil {
		return domain.ErrBrokerUnavailable(fmt.Errorf("rabbitmq dial: %w", err))
	}

	fail := func(err error) error {
		_ = conn.Close()
		if isPreconditionFailed(err) {
			c.lg.Error().Err(err).Msg("queue topology precondition failed; existing queue arguments differ")
		}
		return domain.ErrBrokerUnavailable(err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		return fail(fmt.Errorf("publish channel: %w", err))
	}
	if err := pubCh.Confirm(false); err != nil {
		return fail(fmt.Errorf("confirm mode: %w", err))
	}
	// Must be registered after Confirm.
	confirms := pubCh.NotifyPublish(make(chan amqp.Confirmation, 16))
	returns := pubCh.NotifyReturn(make(chan amqp.Return, 16))

	conCh, err := conn.Channel()
	if err != nil {
		return fail(fmt.Errorf("consume channel: %w", err))
	}

	if err := c.declareTopology(conCh); err != nil {
		return fail(err)
	}

	c.conn = conn
	c.pubCh = pubCh
	c.conCh = conCh
	c.confirms = confirms
	c.returns = returns
	c.connected = true
	c.broken = false

	go c.watchChannel(pubCh, pubCh.NotifyClose(make(chan *amqp.Error, 1)), "publish")
	go c.watchChannel(conCh, conCh.NotifyClose(make(chan *amqp.Error, 1)), "consume")

	c.lg.Info().
		Str("queue", c.cfg.Queue).
		Int("prefetch", c.cfg.Prefetch).
		Dur("retry_delay", c.cfg.RetryDelay).
		Msg("rabbitmq connected (separate consume/publish channels; confirm+mandatory enabled)")
	return nil
}

func (c *Client) watchChannel(ch amqpChannel, closed <-chan *amqp.Error, name string) {
	if err, ok := <-closed; ok && err != nil {
		c.markBroken(ch, fmt.Errorf("%s channel closed: %w", name, err))
		return
	}
	c.markBroken(ch, fmt.Errorf("%s channel closed", name))
}

// markBroken flags the client for redial if ch is still one of its live channels.
func (c *Client) markBroken(ch amqpChannel, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch == nil || (ch != c.pubCh && ch != c.conCh) || c.broken {
		return
	}
	c.broken = true
	c.lg.Warn().Err(cause).Msg("rabbitmq channel lost; will reconnect")
}

func (c *Client) declareTopology(ch amqpChannel) error {
	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.DLQ(),
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("main queue declare: %w", err)
	}

	retryArgs := amqp.Table{
		"x-message-ttl":             c.cfg.RetryDelay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.cfg.Queue,
	}
	if _, err := ch.QueueDeclare(c.RetryQueue(), true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("retry queue declare: %w", err)
	}

	if _, err := ch.QueueDeclare(c.DLQ(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("dlq declare: %w", err)
	}
	return nil
}

// Publish puts a verification task on the main queue and waits for the broker confirm.
func (c *Client) Publish(ctx context.Context, task domain.VerificationTask) error {
	body, err := task.Encode()
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return c.PublishRaw(ctx, c.cfg.Queue, body, nil)
}

// PublishRaw publishes body to queue through the default exchange.
// It returns nil only once the broker has confirmed the message as routed.
func (c *Client) PublishRaw(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return domain.ErrNotInitialized("rabbitmq")
	}
	if c.broken || c.conn == nil || c.conn.IsClosed() {
		if err := c.connectLocked(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	ch, confirms, returns := c.pubCh, c.confirms, c.returns
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PublishTimeout)
		defer cancel()
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	// Drain stale confirm / return messages so results are not mixed up.
drain:
	for {
		select {
		case _, ok := <-confirms:
			if !ok {
				c.markBroken(ch, errors.New("confirm stream closed"))
				return domain.ErrBrokerUnavailable(errors.New("publish channel closed"))
			}
		case <-returns:
		default:
			break drain
		}
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	}
	seq := ch.GetNextPublishSeqNo()
	if err := ch.PublishWithContext(ctx, "", queue, true, false, msg); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			c.markBroken(ch, err)
		}
		return domain.ErrBrokerUnavailable(fmt.Errorf("publish to %s: %w", queue, err))
	}

	for {
		select {
		case conf, ok := <-confirms:
			if !ok {
				c.markBroken(ch, errors.New("confirm stream closed"))
				return domain.ErrBrokerUnavailable(errors.New("publish channel closed before confirm"))
			}
			if conf.DeliveryTag < seq {
				continue // late confirm of an earlier, timed-out publish
			}
			// The broker sends basic.return before the ack, so an unroutable
			// message is already buffered here.
			if ret, ok := takeReturn(returns, msg.MessageId); ok {
				return domain.ErrBrokerUnavailable(fmt.Errorf("rabbitmq unroutable: queue=%s code=%d text=%s", queue, ret.ReplyCode, ret.ReplyText))
			}
			if !conf.Ack {
				return domain.ErrBrokerUnavailable(fmt.Errorf("rabbitmq nack: queue=%s tag=%d", queue, conf.DeliveryTag))
			}
			return nil

		case <-ctx.Done():
			return domain.ErrBrokerUnavailable(fmt.Errorf("publish confirm wait: %w", ctx.Err()))
		}
	}
}

func takeReturn(returns <-chan amqp.Return, messageID string) (amqp.Return, bool) {
	for {
		select {
		case ret := <-returns:
			if ret.MessageId == messageID {
				return ret, true
			}
		default:
			return amqp.Return{}, false
		}
	}
}

// Consume runs handler for each delivery with at most Prefetch handlers in
// flight. It returns nil after ctx is cancelled and in-flight handlers finish,
// or an error if the delivery stream ends underneath it.
func (c *Client) Consume(ctx context.Context, handler Handler) error {
	c.mu.Lock()
	ch := c.conCh
	connected := c.connected
	c.mu.Unlock()
	if !connected || ch == nil {
		return domain.ErrNotInitialized("rabbitmq")
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		c.markBroken(ch, err)
		return domain.ErrBrokerUnavailable(fmt.Errorf("qos: %w", err))
	}

	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		c.markBroken(ch, err)
		return domain.ErrBrokerUnavailable(fmt.Errorf("consume: %w", err))
	}

	c.lg.Info().Str("queue", c.cfg.Queue).Str("tag", c.cfg.ConsumerTag).Msg("consuming")

	// Handlers outlive the consume ctx so shutdown drains instead of aborting them.
	hctx := context.WithoutCancel(ctx)

	sem := make(chan struct{}, c.cfg.Prefetch)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(c.cfg.ConsumerTag, false); err != nil {
				c.lg.Warn().Err(err).Msg("consumer cancel failed")
			}
			wg.Wait()
			c.lg.Info().Msg("consumer stopped; in-flight deliveries drained")
			return nil

		case d, ok := <-deliveries:
			if !ok {
				wg.Wait()
				if ctx.Err() != nil {
					return nil
				}
				c.markBroken(ch, errors.New("delivery stream ended"))
				return domain.ErrBrokerUnavailable(errors.New("delivery channel closed"))
			}

			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				c.dispatch(hctx, handler, d)
			}(d)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, handler Handler, d amqp.Delivery) {
	out := c.safeHandle(ctx, handler, d)

	var err error
	switch out {
	case Ack:
		err = d.Ack(false)
	case Reject:
		err = d.Nack(false, false)
	default:
		err = d.Nack(false, true)
	}
	if err != nil {
		c.lg.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Str("outcome", out.String()).Msg("ack/nack failed")
	}
}

// safeHandle turns a handler panic into Requeue, or Reject when the delivery
// has already been redelivered once so a poison message ends in the DLQ.
func (c *Client) safeHandle(ctx context.Context, handler Handler, d amqp.Delivery) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Requeue
			if d.Redelivered {
				out = Reject
			}
			c.lg.Error().
				Interface("panic", r).
				Uint64("delivery_tag", d.DeliveryTag).
				Bool("redelivered", d.Redelivered).
				Str("outcome", out.String()).
				Msg("handler panicked")
		}
	}()
	return handler(ctx, d)
}

// Get fetches one message from queue without auto-ack. ok is false when the queue is empty.
func (c *Client) Get(ctx context.Context, queue string) (amqp.Delivery, bool, error) {
	c.mu.Lock()
	ch := c.conCh
	connected := c.connected
	c.mu.Unlock()
	if !connected || ch == nil {
		return amqp.Delivery{}, false, domain.ErrNotInitialized("rabbitmq")
	}
	if err := ctx.Err(); err != nil {
		return amqp.Delivery{}, false, err
	}

	d, ok, err := ch.Get(queue, false)
	if err != nil {
		return amqp.Delivery{}, false, domain.ErrBrokerUnavailable(fmt.Errorf("basic.get %s: %w", queue, err))
	}
	return d, ok, nil
}

// Ready reports whether the connection and both channels are up; used by
// readiness probes.
func (c *Client) Ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return domain.ErrNotInitialized("rabbitmq")
	}
	if c.conn == nil || c.conn.IsClosed() {
		return domain.ErrBrokerUnavailable(errors.New("connection closed"))
	}
	if c.broken {
		return domain.ErrBrokerUnavailable(errors.New("channel closed"))
	}
	return nil
}

// Close closes both channels and then the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.connected = false
	c.broken = false
	return nil
}

func (c *Client) closeLocked() {
	if c.pubCh != nil {
		_ = c.pubCh.Close()
		c.pubCh = nil
	}
	if c.conCh != nil {
		_ = c.conCh.Close()
		c.conCh = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "PRECONDITION_FAILED") || strings.Contains(msg, "INEQUIVALENT ARG")
}
