// Package registration implements the RPC-over-queue identity exchange
// with the central registrar. There is no synchronous registrar API: the
// service publishes a request to a well-known durable queue, listens on
// a private broker-named reply queue, and matches the reply by
// correlation id. A failed or timed-out registration is fatal to service
// startup.
package registration

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/buskit-dev/buskit/internal/runtime/bus"
	kiterrors "github.com/buskit-dev/buskit/internal/runtime/errors"
	"github.com/buskit-dev/buskit/internal/runtime/ids"
	"github.com/buskit-dev/buskit/internal/runtime/jsoncodec"
	"github.com/buskit-dev/buskit/internal/runtime/logging"
)

// QueueName is the well-known durable queue every registration request
// goes to.
const QueueName = bus.QueuePrefix + ".registration"

// Registration statuses. A first boot registers as new; a service with a
// persisted identity reboots; fault is reserved for a registrar-ordered
// re-registration after an inconsistency.
const (
	StatusNew       = "new"
	StatusRebooting = "rebooting"
	StatusFault     = "fault"
)

// replyTimeout bounds the wait for the registrar's reply. Variable so
// tests can shrink it.
var replyTimeout = 30 * time.Second

// Request is the registration payload sent to the registrar.
type Request struct {
	Service   string         `json:"service"`
	UID       *string        `json:"uid"`
	Host      string         `json:"host"`
	Port      int            `json:"port"`
	Load      int            `json:"load"`
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Timestamp float64        `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// reply is the registrar's answer; only uid is required.
type reply struct {
	UID string `json:"uid"`
}

// ChannelOpener is the slice of the bus client the registrar needs: a
// dedicated channel whose traffic never interleaves with the consumer
// loop. Satisfied by *bus.Client.
type ChannelOpener interface {
	OpenChannel() (bus.Channel, error)
}

// Params carries the service facts reported to the registrar.
type Params struct {
	Service  string
	Version  string
	Host     string
	Port     int
	Metadata map[string]any
}

// Registrar performs the identity exchange and persists the result.
type Registrar struct {
	opener  ChannelOpener
	dataDir string
	log     logging.ServiceLogger
}

// NewRegistrar wires a registrar. dataDir is where the assigned identity
// is persisted across restarts.
func NewRegistrar(opener ChannelOpener, dataDir string, log logging.ServiceLogger) *Registrar {
	if log == nil {
		log = logging.Nop()
	}
	return &Registrar{opener: opener, dataDir: dataDir, log: log}
}

// Register obtains the service identity from the registrar. On first
// boot it registers as new; with a persisted identity it reports
// rebooting and the registrar resumes the same uid. The returned uid is
// persisted before Register returns.
func (r *Registrar) Register(ctx context.Context, p Params) (string, error) {
	persisted, err := LoadIdentity(r.dataDir)
	if err != nil {
		// A corrupt identity file must not brick the service; register
		// fresh and overwrite it.
		r.log.Error("persisted identity unreadable, registering as new", err, nil)
		persisted = nil
	}

	req := Request{
		Service:   p.Service,
		Host:      p.Host,
		Port:      p.Port,
		Status:    StatusNew,
		Version:   p.Version,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Metadata:  p.Metadata,
	}
	if persisted != nil {
		req.UID = &persisted.UID
		req.Status = StatusRebooting
	}

	uid, err := r.exchange(ctx, req)
	if err != nil {
		return "", err
	}

	id := &Identity{
		UID:          uid,
		Service:      p.Service,
		RegisteredAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := SaveIdentity(r.dataDir, id); err != nil {
		return "", fmt.Errorf("persist identity: %w", err)
	}

	r.log.Info("registered with registrar", logging.LogFields{
		"service": p.Service,
		"uid":     uid,
		"status":  req.Status,
	})
	return uid, nil
}

// exchange runs one request/reply round trip on a dedicated channel.
func (r *Registrar) exchange(ctx context.Context, req Request) (string, error) {
	ch, err := r.opener.OpenChannel()
	if err != nil {
		return "", fmt.Errorf("open registration channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare registration queue: %w", err)
	}

	// Broker-named exclusive queue; deleted when the channel closes.
	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare reply queue: %w", err)
	}

	deliveries, err := ch.Consume(replyQueue.Name, "", false, true, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("consume reply queue: %w", err)
	}

	body, err := jsoncodec.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode registration request: %w", err)
	}
	corrID := ids.NewID()
	err = ch.PublishWithContext(ctx, "", QueueName, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
	})
	if err != nil {
		return "", fmt.Errorf("publish registration request: %w", err)
	}

	r.log.Info("sent registration request", logging.LogFields{
		"service": req.Service,
		"status":  req.Status,
	})

	timeout := time.NewTimer(replyTimeout)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timeout.C:
			return "", kiterrors.ErrRegistrationTimeout
		case d, ok := <-deliveries:
			if !ok {
				return "", kiterrors.ErrRegistrationTimeout
			}
			if d.CorrelationId != corrID {
				// Stale reply from an earlier attempt; drop it.
				d.Ack(false)
				continue
			}
			d.Ack(false)

			var rep reply
			if err := jsoncodec.Unmarshal(d.Body, &rep); err != nil {
				return "", fmt.Errorf("%w: %v", kiterrors.ErrRegistrationReply, err)
			}
			if rep.UID == "" {
				return "", kiterrors.ErrRegistrationReply
			}
			return rep.UID, nil
		}
	}
}
