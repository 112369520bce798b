package registration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buskit-dev/buskit/internal/runtime/bus"
	kiterrors "github.com/buskit-dev/buskit/internal/runtime/errors"
	"github.com/buskit-dev/buskit/internal/runtime/jsoncodec"
	"github.com/buskit-dev/buskit/internal/runtime/logging"
)

// regChannel fakes the dedicated registration channel. onPublish lets a
// test play registrar: it receives the published request and queues
// replies on the deliveries channel.
type regChannel struct {
	declaredQueues []string
	lastPublish    amqp.Publishing
	onPublish      func(msg amqp.Publishing)
	deliveries     chan amqp.Delivery
	closed         bool
}

func newRegChannel() *regChannel {
	return &regChannel{deliveries: make(chan amqp.Delivery, 4)}
}

func (c *regChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (c *regChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if name == "" {
		name = "amq.gen-reg-reply"
	}
	c.declaredQueues = append(c.declaredQueues, name)
	return amqp.Queue{Name: name}, nil
}

func (c *regChannel) QueueBind(string, string, string, bool, amqp.Table) error { return nil }

func (c *regChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	c.lastPublish = msg
	if c.onPublish != nil {
		c.onPublish(msg)
	}
	return nil
}

func (c *regChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *regChannel) Qos(int, int, bool) error { return nil }
func (c *regChannel) Close() error             { c.closed = true; return nil }

type regOpener struct{ ch *regChannel }

func (o *regOpener) OpenChannel() (bus.Channel, error) { return o.ch, nil }

type countingAcker struct{ acks int }

func (a *countingAcker) Ack(uint64, bool) error        { a.acks++; return nil }
func (a *countingAcker) Nack(uint64, bool, bool) error { return nil }
func (a *countingAcker) Reject(uint64, bool) error     { return nil }

// registrarReply answers every published request with the given body.
func registrarReply(ch *regChannel, acker amqp.Acknowledger, body string) {
	ch.onPublish = func(msg amqp.Publishing) {
		ch.deliveries <- amqp.Delivery{
			Acknowledger:  acker,
			CorrelationId: msg.CorrelationId,
			Body:          []byte(body),
		}
	}
}

func decodeRequest(t *testing.T, ch *regChannel) Request {
	t.Helper()
	var req Request
	require.NoError(t, jsoncodec.Unmarshal(ch.lastPublish.Body, &req))
	return req
}

func TestRegisterFirstBootPersistsIdentity(t *testing.T) {
	dir := t.TempDir()
	ch := newRegChannel()
	acker := &countingAcker{}
	registrarReply(ch, acker, `{"uid":"svc-001"}`)

	r := NewRegistrar(&regOpener{ch}, dir, logging.Nop())
	uid, err := r.Register(context.Background(), Params{
		Service: "worker-a", Version: "1.2.0", Host: "10.0.0.7", Port: 8080,
	})
	require.NoError(t, err)
	assert.Equal(t, "svc-001", uid)

	req := decodeRequest(t, ch)
	assert.Equal(t, StatusNew, req.Status)
	assert.Nil(t, req.UID, "first boot sends a null uid")
	assert.Equal(t, "worker-a", req.Service)
	assert.Equal(t, "10.0.0.7", req.Host)
	assert.NotZero(t, req.Timestamp)

	assert.Equal(t, ch.lastPublish.ReplyTo, "amq.gen-reg-reply")
	assert.NotEmpty(t, ch.lastPublish.CorrelationId)
	assert.Contains(t, ch.declaredQueues, QueueName)
	assert.Equal(t, 1, acker.acks)
	assert.True(t, ch.closed)

	info, err := os.Stat(filepath.Join(dir, identityFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	persisted, err := LoadIdentity(dir)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, "svc-001", persisted.UID)
}

func TestRegisterRebootResumesIdentity(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveIdentity(dir, &Identity{UID: "svc-001", Service: "worker-a"}))

	ch := newRegChannel()
	registrarReply(ch, &countingAcker{}, `{"uid":"svc-001"}`)

	r := NewRegistrar(&regOpener{ch}, dir, logging.Nop())
	uid, err := r.Register(context.Background(), Params{Service: "worker-a", Version: "1.2.0"})
	require.NoError(t, err)
	assert.Equal(t, "svc-001", uid)

	req := decodeRequest(t, ch)
	assert.Equal(t, StatusRebooting, req.Status)
	require.NotNil(t, req.UID)
	assert.Equal(t, "svc-001", *req.UID)
}

func TestRegisterSkipsMismatchedCorrelation(t *testing.T) {
	dir := t.TempDir()
	ch := newRegChannel()
	acker := &countingAcker{}
	ch.onPublish = func(msg amqp.Publishing) {
		ch.deliveries <- amqp.Delivery{
			Acknowledger:  acker,
			CorrelationId: "stale-correlation",
			Body:          []byte(`{"uid":"svc-999"}`),
		}
		ch.deliveries <- amqp.Delivery{
			Acknowledger:  acker,
			CorrelationId: msg.CorrelationId,
			Body:          []byte(`{"uid":"svc-001"}`),
		}
	}

	r := NewRegistrar(&regOpener{ch}, dir, logging.Nop())
	uid, err := r.Register(context.Background(), Params{Service: "worker-a"})
	require.NoError(t, err)
	assert.Equal(t, "svc-001", uid)
	assert.Equal(t, 2, acker.acks, "mismatched replies are acked, not left pending")
}

func TestRegisterTimesOutWithoutReply(t *testing.T) {
	orig := replyTimeout
	replyTimeout = 20 * time.Millisecond
	t.Cleanup(func() { replyTimeout = orig })

	r := NewRegistrar(&regOpener{newRegChannel()}, t.TempDir(), logging.Nop())
	_, err := r.Register(context.Background(), Params{Service: "worker-a"})
	assert.ErrorIs(t, err, kiterrors.ErrRegistrationTimeout)
}

func TestRegisterRejectsReplyWithoutUID(t *testing.T) {
	ch := newRegChannel()
	registrarReply(ch, &countingAcker{}, `{"status":"ok"}`)

	r := NewRegistrar(&regOpener{ch}, t.TempDir(), logging.Nop())
	_, err := r.Register(context.Background(), Params{Service: "worker-a"})
	assert.ErrorIs(t, err, kiterrors.ErrRegistrationReply)
}

func TestLoadIdentityMissingFileIsFirstBoot(t *testing.T) {
	id, err := LoadIdentity(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, id)
}
