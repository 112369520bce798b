package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buskit-dev/buskit/internal/runtime/config"
	"github.com/buskit-dev/buskit/internal/runtime/envelope"
	kiterrors "github.com/buskit-dev/buskit/internal/runtime/errors"
	"github.com/buskit-dev/buskit/internal/runtime/logging"
)

type declaredExchange struct {
	name, kind string
	durable    bool
}

type declaredQueue struct {
	name      string
	durable   bool
	exclusive bool
	args      amqp.Table
}

type binding struct {
	queue, key, exchange string
}

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []declaredExchange
	queues     []declaredQueue
	bindings   []binding
	published  []published
	publishErr error
	deliveries chan amqp.Delivery
	prefetch   int
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, declaredExchange{name, kind, durable})
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "" {
		name = "amq.gen-fake-reply"
	}
	f.queues = append(f.queues, declaredQueue{name, durable, exclusive, args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, binding{name, key, exchange})
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) publishedCopy() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

type fakeConnection struct {
	channels []*fakeChannel
	next     int
	closed   bool
}

func (f *fakeConnection) Channel() (Channel, error) {
	if f.next >= len(f.channels) {
		ch := newFakeChannel()
		f.channels = append(f.channels, ch)
	}
	ch := f.channels[f.next]
	f.next++
	return ch, nil
}

func (f *fakeConnection) Close() error   { f.closed = true; return nil }
func (f *fakeConnection) IsClosed() bool { return f.closed }

type fakeAcker struct {
	mu      sync.Mutex
	acks    int
	rejects int
	requeue []bool
}

func (f *fakeAcker) Ack(uint64, bool) error { f.mu.Lock(); defer f.mu.Unlock(); f.acks++; return nil }
func (f *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects++
	f.requeue = append(f.requeue, requeue)
	return nil
}
func (f *fakeAcker) Reject(_ uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects++
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcker) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks, f.rejects
}

func testBusConfig() config.BusConfig {
	return config.BusConfig{
		Host:                "localhost",
		Port:                5672,
		Username:            "buskit",
		VHost:               "/buskit",
		ConnectionAttempts:  3,
		RetryDelay:          time.Millisecond,
		PrefetchCount:       10,
		OperationalExchange: "buskit.operational",
		AuditExchange:       "buskit.audit",
		DeadLetterExchange:  "buskit.dlx",
	}
}

// connectedClient swaps the dialer for a fake connection and connects.
func connectedClient(t *testing.T) (*Client, *fakeConnection) {
	t.Helper()
	conn := &fakeConnection{}
	origDial, origSleep := Dial, sleep
	Dial = func(string, time.Duration) (Connection, error) { return conn, nil }
	sleep = func(time.Duration) {}
	t.Cleanup(func() { Dial, sleep = origDial, origSleep })

	c := NewClient(testBusConfig(), logging.Nop())
	require.NoError(t, c.Connect(context.Background()))
	return c, conn
}

func TestConnectDeclaresTopology(t *testing.T) {
	c, conn := connectedClient(t)

	require.Len(t, conn.channels, 2)
	opCh, auditCh := conn.channels[0], conn.channels[1]

	assert.Equal(t, 10, opCh.prefetch)
	require.Len(t, opCh.exchanges, 2)
	assert.Equal(t, declaredExchange{"buskit.operational", "topic", true}, opCh.exchanges[0])
	assert.Equal(t, declaredExchange{"buskit.dlx", "topic", true}, opCh.exchanges[1])
	require.Len(t, auditCh.exchanges, 1)
	assert.Equal(t, declaredExchange{"buskit.audit", "fanout", true}, auditCh.exchanges[0])

	assert.True(t, c.IsConnected())
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	conn := &fakeConnection{}
	attempts := 0
	origDial, origSleep := Dial, sleep
	Dial = func(string, time.Duration) (Connection, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	}
	slept := 0
	sleep = func(time.Duration) { slept++ }
	t.Cleanup(func() { Dial, sleep = origDial, origSleep })

	c := NewClient(testBusConfig(), logging.Nop())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, slept)
}

func TestConnectExhaustionIsConnectivityError(t *testing.T) {
	origDial, origSleep := Dial, sleep
	Dial = func(string, time.Duration) (Connection, error) { return nil, errors.New("no route to host") }
	sleep = func(time.Duration) {}
	t.Cleanup(func() { Dial, sleep = origDial, origSleep })

	c := NewClient(testBusConfig(), logging.Nop())
	err := c.Connect(context.Background())
	require.Error(t, err)

	var connErr *kiterrors.ConnectivityError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "broker", connErr.Target)
	assert.Equal(t, 3, connErr.Attempts)
}

func TestDeclareQueueArmsDeadLettering(t *testing.T) {
	c, conn := connectedClient(t)

	name, err := c.DeclareQueue("worker-a.inbox", []string{"job.run", "job.*"}, 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "buskit.worker-a.inbox", name)

	opCh := conn.channels[0]
	require.Len(t, opCh.queues, 2)

	main := opCh.queues[0]
	assert.Equal(t, "buskit.worker-a.inbox", main.name)
	assert.True(t, main.durable)
	assert.Equal(t, "buskit.dlx", main.args["x-dead-letter-exchange"])
	assert.Equal(t, "dlx.worker-a.inbox", main.args["x-dead-letter-routing-key"])
	assert.Equal(t, int64(90000), main.args["x-message-ttl"])

	dlq := opCh.queues[1]
	assert.Equal(t, "buskit.dlx.worker-a.inbox", dlq.name)
	assert.True(t, dlq.durable)

	assert.Contains(t, opCh.bindings, binding{"buskit.worker-a.inbox", "job.run", "buskit.operational"})
	assert.Contains(t, opCh.bindings, binding{"buskit.worker-a.inbox", "job.*", "buskit.operational"})
	assert.Contains(t, opCh.bindings, binding{"buskit.dlx.worker-a.inbox", "dlx.worker-a.inbox", "buskit.dlx"})
}

func TestDeclareQueueWithoutTTLOmitsArgument(t *testing.T) {
	c, conn := connectedClient(t)

	_, err := c.DeclareQueue("worker-a.inbox", []string{"job.run"}, 0)
	require.NoError(t, err)

	main := conn.channels[0].queues[0]
	_, hasTTL := main.args["x-message-ttl"]
	assert.False(t, hasTTL)
}

func TestPublishPropagatesEnvelopeProperties(t *testing.T) {
	c, conn := connectedClient(t)

	env := envelope.New("worker-a", "job.run", map[string]any{"n": 1},
		envelope.WithPriority(8),
		envelope.WithReplyTo("buskit.worker-a.replies"),
		envelope.WithTTL(30*time.Second),
	)
	require.NoError(t, c.Publish(context.Background(), "job.run", env))

	pubs := conn.channels[0].publishedCopy()
	require.Len(t, pubs, 1)
	p := pubs[0]
	assert.Equal(t, "buskit.operational", p.exchange)
	assert.Equal(t, "job.run", p.key)
	assert.Equal(t, env.MessageID, p.msg.MessageId)
	assert.Equal(t, env.CorrelationID, p.msg.CorrelationId)
	assert.Equal(t, "buskit.worker-a.replies", p.msg.ReplyTo)
	assert.Equal(t, uint8(8), p.msg.Priority)
	assert.Equal(t, "30000", p.msg.Expiration)
	assert.Equal(t, uint8(amqp.Persistent), p.msg.DeliveryMode)
	assert.Equal(t, "job.run", p.msg.Headers["message_type"])
	assert.Equal(t, "worker-a", p.msg.Headers["source_service"])
}

func TestPublishAuditUsesFanoutExchange(t *testing.T) {
	c, conn := connectedClient(t)

	require.NoError(t, c.PublishAudit(context.Background(), []byte(`{"event_id":"e1"}`)))

	pubs := conn.channels[1].publishedCopy()
	require.Len(t, pubs, 1)
	assert.Equal(t, "buskit.audit", pubs[0].exchange)
	assert.Equal(t, "", pubs[0].key)
	assert.Equal(t, uint8(amqp.Persistent), pubs[0].msg.DeliveryMode)
}

func TestPublishWhenDisconnected(t *testing.T) {
	c := NewClient(testBusConfig(), logging.Nop())
	err := c.Publish(context.Background(), "job.run", envelope.New("s", "job.run", nil))
	assert.ErrorIs(t, err, kiterrors.ErrNotConnected)
}
