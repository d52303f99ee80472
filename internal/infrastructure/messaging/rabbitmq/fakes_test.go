package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type publishRecord struct {
	exchange  string
	key       string
	mandatory bool
	msg       amqp.Publishing
}

type fakeChannel struct {
	mu sync.Mutex

	declared map[string]amqp.Table
	qos      int
	confirm  bool
	seq      uint64

	confirms chan amqp.Confirmation
	returns  chan amqp.Return

	published []publishRecord

	declareErr error
	publishErr error
	nack       bool
	unroutable bool
	noConfirm  bool

	deliveries chan amqp.Delivery
	consumeErr error
	cancelled  bool

	getQueue []amqp.Delivery
	closed   bool
	onClose  chan *amqp.Error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		declared:   map[string]amqp.Table{},
		deliveries: make(chan amqp.Delivery, 64),
	}
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return amqp.Queue{}, f.declareErr
	}
	f.declared[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qos = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}
	f.seq++
	f.published = append(f.published, publishRecord{exchange: exchange, key: key, mandatory: mandatory, msg: msg})

	if f.unroutable {
		f.returns <- amqp.Return{ReplyCode: 312, ReplyText: "NO_ROUTE", RoutingKey: key, MessageId: msg.MessageId}
	}
	if !f.noConfirm {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.seq, Ack: !f.nack}
	}
	return nil
}

func (f *fakeChannel) Confirm(noWait bool) error {
	f.confirm = true
	return nil
}

func (f *fakeChannel) GetNextPublishSeqNo() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq + 1
}

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	f.returns = c
	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = c
	return c
}

// fail simulates a broker-side channel exception with the connection still up.
func (f *fakeChannel) fail(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	if f.onClose != nil {
		f.onClose <- &amqp.Error{Code: code, Reason: reason}
		close(f.onClose)
	}
}

func (f *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.getQueue) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := f.getQueue[0]
	f.getQueue = f.getQueue[1:]
	return d, true, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed && f.onClose != nil {
		close(f.onClose)
	}
	f.closed = true
	return nil
}

func (f *fakeChannel) Published() []publishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishRecord(nil), f.published...)
}

type fakeConn struct {
	mu     sync.Mutex
	pub    *fakeChannel
	con    *fakeChannel
	opened int
	closed bool
}

func (c *fakeConn) Channel() (amqpChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened++
	if c.opened == 1 {
		return c.pub, nil
	}
	return c.con, nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeBroker struct {
	mu      sync.Mutex
	dials   int
	dialErr error
	conns   []*fakeConn
}

// dial hands out a fresh connection with fresh channels each time.
func (b *fakeBroker) dial(url string, timeout time.Duration) (amqpConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &fakeConn{pub: newFakeChannel(), con: newFakeChannel()}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) last() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

func newTestClient(b *fakeBroker, cfg Config) *Client {
	c := NewClient(cfg, zerolog.Nop())
	c.dial = b.dial
	return c
}

// fakeAck records what happened to each delivery.
type fakeAck struct {
	mu       sync.Mutex
	acked    []uint64
	requeued []uint64
	rejected []uint64
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeued = append(a.requeued, tag)
	} else {
		a.rejected = append(a.rejected, tag)
	}
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAck) counts() (acked, requeued, rejected int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.requeued), len(a.rejected)
}

func delivery(ack amqp.Acknowledger, tag uint64, body string, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Body:         []byte(body),
		Headers:      headers,
		MessageId:    "m",
	}
}

// fakeRepublisher captures worker retry / DLQ publishes.
type fakeRepublisher struct {
	mu   sync.Mutex
	msgs []republished
	err  error
}

type republished struct {
	queue   string
	body    []byte
	headers amqp.Table
}

func (p *fakeRepublisher) PublishRaw(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, republished{queue: queue, body: body, headers: headers})
	return nil
}

func (p *fakeRepublisher) all() []republished {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]republished(nil), p.msgs...)
}

var errBoom = errors.New("boom")
