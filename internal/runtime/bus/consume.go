package bus

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/buskit-dev/buskit/internal/runtime/busmetrics"
	"github.com/buskit-dev/buskit/internal/runtime/envelope"
	kiterrors "github.com/buskit-dev/buskit/internal/runtime/errors"
	"github.com/buskit-dev/buskit/internal/runtime/logging"
)

// Handler processes one deserialized envelope. Returning a non-nil reply
// together with a reply_to on the inbound envelope publishes the reply
// before the delivery is acknowledged. Returning an error triggers the
// retry/dead-letter path.
type Handler func(ctx context.Context, env *envelope.MessageEnvelope) (*envelope.MessageEnvelope, error)

// Consume registers a handler on the given queue (a fully qualified name
// returned by DeclareQueue) and starts the delivery loop. The loop exits
// when the context is cancelled or the channel closes; Disconnect waits
// for it.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) error {
	if handler == nil {
		return kiterrors.ErrHandlerRequired
	}
	ch := c.operationalChannel()
	if ch == nil {
		return kiterrors.ErrNotConnected
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.consumers.Add(1)
	go func() {
		defer c.consumers.Done()
		c.log.Info("consuming", logging.LogFields{"queue": queue})
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				c.handleDelivery(ctx, queue, d, handler)
			}
		}
	}()
	return nil
}

func (c *Client) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handler Handler) {
	env, err := envelope.Deserialize(d.Body)
	if err != nil {
		// A body that cannot be parsed can never succeed; reject it
		// straight to the dead-letter queue.
		c.log.Error("rejecting malformed message", err, logging.LogFields{"queue": queue})
		c.reject(d, queue)
		busmetrics.MessagesConsumed.WithLabelValues(queue, "malformed").Inc()
		return
	}

	tracer := otel.Tracer("buskit/bus")
	msgCtx, span := tracer.Start(ctx, "consume "+env.MessageType, trace.WithAttributes(
		attribute.String("messaging.message_id", env.MessageID),
		attribute.String("messaging.correlation_id", env.CorrelationID),
		attribute.String("messaging.source_service", env.SourceService),
	))
	defer span.End()

	c.log.Trace("received message", logging.LogFields{
		"queue":        queue,
		"message_type": env.MessageType,
		"message_id":   env.MessageID,
		"source":       env.SourceService,
	})

	reply, err := handler(msgCtx, env)
	if err == nil && reply != nil && env.ReplyTo != "" {
		// Reply delivery is part of handling: a failed reply publish
		// takes the retry path like any other handler failure.
		err = c.PublishReply(msgCtx, env.ReplyTo, reply)
	}

	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.log.Error("ack failed", ackErr, logging.LogFields{"message_id": env.MessageID})
		}
		busmetrics.MessagesConsumed.WithLabelValues(queue, "success").Inc()
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.log.Error("message handling failed", err, logging.LogFields{
		"queue":       queue,
		"message_id":  env.MessageID,
		"retry_count": env.RetryCount,
		"max_retries": env.MaxRetries,
	})

	if env.RetryCount < env.MaxRetries {
		env.RetryCount++
		if pubErr := c.Publish(msgCtx, d.RoutingKey, env); pubErr != nil {
			c.log.Error("retry republish failed", pubErr, logging.LogFields{"message_id": env.MessageID})
			c.reject(d, queue)
			busmetrics.MessagesConsumed.WithLabelValues(queue, "error").Inc()
			return
		}
		if ackErr := d.Ack(false); ackErr != nil {
			c.log.Error("ack after retry republish failed", ackErr, logging.LogFields{"message_id": env.MessageID})
		}
		busmetrics.MessagesRetried.WithLabelValues(queue).Inc()
		busmetrics.MessagesConsumed.WithLabelValues(queue, "retried").Inc()
		return
	}

	c.reject(d, queue)
	busmetrics.MessagesConsumed.WithLabelValues(queue, "dead_lettered").Inc()
}

// reject drops the delivery without requeue so the broker routes it to
// the bound dead-letter queue.
func (c *Client) reject(d amqp.Delivery, queue string) {
	if err := d.Reject(false); err != nil {
		c.log.Error("reject failed", err, logging.LogFields{"queue": queue})
		return
	}
	busmetrics.MessagesDeadLettered.WithLabelValues(queue).Inc()
}
