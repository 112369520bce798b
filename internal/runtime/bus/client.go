// Package bus owns the AMQP connection shared by a buskit service: one
// physical connection, an operational channel for application traffic,
// and a dedicated audit channel. Topology declarations are idempotent so
// reconnects are safe.
package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/buskit-dev/buskit/internal/runtime/busmetrics"
	"github.com/buskit-dev/buskit/internal/runtime/config"
	"github.com/buskit-dev/buskit/internal/runtime/envelope"
	kiterrors "github.com/buskit-dev/buskit/internal/runtime/errors"
	"github.com/buskit-dev/buskit/internal/runtime/logging"
)

// QueuePrefix namespaces every queue the runtime declares.
const QueuePrefix = "buskit"

// deadLetterMarker prefixes the per-queue dead-letter queue names and
// routing keys.
const deadLetterMarker = "dlx"

// sleep is swapped out in tests to avoid real backoff delays.
var sleep = time.Sleep

// Client manages the broker connection and the standard exchange
// topology for one service.
type Client struct {
	cfg config.BusConfig
	log logging.ServiceLogger

	mu      sync.Mutex
	conn    Connection
	opCh    Channel
	auditCh Channel

	consumers sync.WaitGroup
}

// NewClient builds an unconnected client. Call Connect before use.
func NewClient(cfg config.BusConfig, log logging.ServiceLogger) *Client {
	if log == nil {
		log = logging.Nop()
	}
	return &Client{cfg: cfg, log: log}
}

// Connect dials the broker with bounded, linearly backed-off retries and
// declares the exchange topology. Exhausting the attempt budget returns a
// ConnectivityError, which is fatal to the caller.
func (c *Client) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := Dial(c.cfg.URL(), c.cfg.Heartbeat)
		if err == nil {
			if err = c.setup(conn); err == nil {
				c.log.Info("connected to message broker", logging.LogFields{
					"host":    c.cfg.Host,
					"port":    c.cfg.Port,
					"attempt": attempt,
				})
				return nil
			}
			conn.Close()
		}

		lastErr = err
		c.log.Error("broker connection attempt failed", err, logging.LogFields{
			"attempt":  attempt,
			"attempts": c.cfg.ConnectionAttempts,
		})
		if attempt < c.cfg.ConnectionAttempts {
			sleep(c.cfg.RetryDelay * time.Duration(attempt))
		}
	}
	return &kiterrors.ConnectivityError{Target: "broker", Attempts: c.cfg.ConnectionAttempts, Err: lastErr}
}

func (c *Client) setup(conn Connection) error {
	opCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open operational channel: %w", err)
	}
	auditCh, err := conn.Channel()
	if err != nil {
		opCh.Close()
		return fmt.Errorf("open audit channel: %w", err)
	}
	if err := opCh.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := declareTopology(opCh, auditCh, c.cfg); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn, c.opCh, c.auditCh = conn, opCh, auditCh
	c.mu.Unlock()
	return nil
}

func declareTopology(opCh, auditCh Channel, cfg config.BusConfig) error {
	// Operational topic exchange: all service-to-service messages.
	if err := opCh.ExchangeDeclare(cfg.OperationalExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare operational exchange: %w", err)
	}
	// Audit fanout exchange: every audit event, regardless of routing key.
	if err := auditCh.ExchangeDeclare(cfg.AuditExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare audit exchange: %w", err)
	}
	// Dead-letter topic exchange for messages that exhausted retries.
	if err := opCh.ExchangeDeclare(cfg.DeadLetterExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	return nil
}

// DeclareQueue creates a durable queue bound to the operational exchange
// on the given topic patterns and arms it with dead-letter routing to a
// matching per-queue dead-letter queue. ttl of zero means no message TTL.
// Returns the fully qualified queue name.
func (c *Client) DeclareQueue(name string, routingKeys []string, ttl time.Duration) (string, error) {
	if name == "" {
		return "", kiterrors.ErrQueueNameRequired
	}
	ch := c.operationalChannel()
	if ch == nil {
		return "", kiterrors.ErrNotConnected
	}

	fullName := QueuePrefix + "." + name
	dlxKey := deadLetterMarker + "." + name
	args := amqp.Table{
		"x-dead-letter-exchange":    c.cfg.DeadLetterExchange,
		"x-dead-letter-routing-key": dlxKey,
	}
	if ttl > 0 {
		args["x-message-ttl"] = ttl.Milliseconds()
	}

	if _, err := ch.QueueDeclare(fullName, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("declare queue %s: %w", fullName, err)
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(fullName, key, c.cfg.OperationalExchange, false, nil); err != nil {
			return "", fmt.Errorf("bind %s to %s: %w", fullName, key, err)
		}
	}

	dlqName := QueuePrefix + "." + deadLetterMarker + "." + name
	if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare dead-letter queue %s: %w", dlqName, err)
	}
	if err := ch.QueueBind(dlqName, dlxKey, c.cfg.DeadLetterExchange, false, nil); err != nil {
		return "", fmt.Errorf("bind dead-letter queue %s: %w", dlqName, err)
	}

	c.log.Info("declared queue", logging.LogFields{"queue": fullName, "bindings": routingKeys})
	return fullName, nil
}

// DeclareAuditQueue creates a durable queue bound to the audit fanout
// exchange. Typically only the audit store consumer calls this.
func (c *Client) DeclareAuditQueue(name string) (string, error) {
	if name == "" {
		return "", kiterrors.ErrQueueNameRequired
	}
	ch := c.auditChannel()
	if ch == nil {
		return "", kiterrors.ErrNotConnected
	}
	fullName := QueuePrefix + "." + name
	if _, err := ch.QueueDeclare(fullName, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare audit queue %s: %w", fullName, err)
	}
	if err := ch.QueueBind(fullName, "", c.cfg.AuditExchange, false, nil); err != nil {
		return "", fmt.Errorf("bind audit queue %s: %w", fullName, err)
	}
	return fullName, nil
}

// Publish serializes the envelope and publishes it persistently to the
// operational exchange, propagating message identity, reply routing,
// priority, and TTL-derived expiration.
func (c *Client) Publish(ctx context.Context, routingKey string, env *envelope.MessageEnvelope) error {
	ch := c.operationalChannel()
	if ch == nil {
		return kiterrors.ErrNotConnected
	}
	body, err := env.Serialize()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.MessageID,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Priority:      uint8(env.Priority),
		Headers: amqp.Table{
			"source_service": env.SourceService,
			"message_type":   env.MessageType,
		},
		Body: body,
	}
	if env.TTLSeconds > 0 {
		msg.Expiration = strconv.Itoa(env.TTLSeconds * 1000)
	}

	c.mu.Lock()
	err = ch.PublishWithContext(ctx, c.cfg.OperationalExchange, routingKey, false, false, msg)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	busmetrics.MessagesPublished.WithLabelValues(env.MessageType).Inc()
	c.log.Debug("published message", logging.LogFields{
		"routing_key":    routingKey,
		"message_type":   env.MessageType,
		"message_id":     env.MessageID,
		"correlation_id": env.CorrelationID,
	})
	return nil
}

// PublishReply sends a reply envelope directly to a named queue via the
// default exchange. This is how replies reach broker-named exclusive
// queues, which have no topic bindings.
func (c *Client) PublishReply(ctx context.Context, queue string, env *envelope.MessageEnvelope) error {
	ch := c.operationalChannel()
	if ch == nil {
		return kiterrors.ErrNotConnected
	}
	body, err := env.Serialize()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.MessageID,
		CorrelationId: env.CorrelationID,
		Body:          body,
	}

	c.mu.Lock()
	err = ch.PublishWithContext(ctx, "", queue, false, false, msg)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish reply to %s: %w", queue, err)
	}
	busmetrics.MessagesPublished.WithLabelValues(env.MessageType).Inc()
	return nil
}

// PublishAudit publishes a pre-serialized audit event to the audit fanout
// exchange. Only the audit pipeline calls this.
func (c *Client) PublishAudit(ctx context.Context, body []byte) error {
	ch := c.auditChannel()
	if ch == nil {
		return kiterrors.ErrNotConnected
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // audit events must survive broker restarts
		Body:         body,
	}

	c.mu.Lock()
	err := ch.PublishWithContext(ctx, c.cfg.AuditExchange, "", false, false, msg)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

// OpenChannel opens a dedicated channel on the shared connection. The
// registration protocol uses this so its request/reply traffic never
// interleaves with the consumer loop's channel.
func (c *Client) OpenChannel() (Channel, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, kiterrors.ErrNotConnected
	}
	return conn.Channel()
}

// Disconnect closes the channels and the connection, then waits for
// consumer loops to drain. Safe to call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	opCh, auditCh, conn := c.opCh, c.auditCh, c.conn
	c.opCh, c.auditCh, c.conn = nil, nil, nil
	c.mu.Unlock()

	if opCh != nil {
		opCh.Close()
	}
	if auditCh != nil {
		auditCh.Close()
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			c.log.Error("closing broker connection", err, nil)
		} else {
			c.log.Info("disconnected from message broker", nil)
		}
	}
	c.consumers.Wait()
}

// IsConnected reports whether the underlying connection is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Client) operationalChannel() Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opCh
}

func (c *Client) auditChannel() Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auditCh
}
