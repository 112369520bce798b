package bus

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of the AMQP channel API the runtime uses. It is
// satisfied by *amqp091.Channel; tests substitute fakes.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// Connection is the subset of the AMQP connection API the runtime uses.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
}

type amqpConnection struct {
	inner *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.inner.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) Close() error   { return c.inner.Close() }
func (c *amqpConnection) IsClosed() bool { return c.inner.IsClosed() }

// DialFunc opens an AMQP connection. Overridable for testing, mirroring
// the factory-variable pattern used elsewhere in the module.
type DialFunc func(url string, heartbeat time.Duration) (Connection, error)

// Dial is the production DialFunc.
var Dial DialFunc = func(url string, heartbeat time.Duration) (Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Heartbeat: heartbeat})
	if err != nil {
		return nil, err
	}
	return &amqpConnection{inner: conn}, nil
}
