package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/glimte/amqpjobs/job"
)

// Publisher publishes the messages of one job on its channel. Calls are
// serialised: a channel is never shared between concurrent publishes.
type Publisher struct {
	connection string
	ch         Channel
	desc       *job.Descriptor
	logger     zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	declared bool
	confirms *ConfirmTracker
}

// NewPublisher creates a publisher for desc on ch.
func NewPublisher(ch Channel, desc *job.Descriptor, logger zerolog.Logger) *Publisher {
	return &Publisher{
		connection: desc.Connection,
		ch:         ch,
		desc:       desc,
		logger:     logger,
		now:        time.Now,
	}
}

// Publish sends body to the job's exchange, or to its queue through the
// default exchange, and waits for the broker confirmation when the job has
// confirms enabled.
//
// The producer declares the exchange but never binds the queue. A message
// published before any consumer bound the queue is unroutable and dropped by
// topic and fanout exchanges, so consumers must be started first.
func (p *Publisher) Publish(ctx context.Context, body []byte, headers amqp.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch.IsClosed() {
		return &TransportError{Op: "publish", Connection: p.connection, Err: ErrChannelClosed}
	}

	// confirm mode and its handlers go in before the first message
	if p.desc.Confirm.Enabled && p.confirms == nil {
		tracker, err := StartConfirms(p.ch, p.connection, p.desc.Confirm, p.logger)
		if err != nil {
			return err
		}
		p.confirms = tracker
	}

	msg := BuildPublishing(p.desc, body, headers, p.now())

	if !p.declared {
		if _, err := DeclareFor(p.ch, p.desc, RoleProducer); err != nil {
			return err
		}
		p.declared = true
	}

	exchange := p.desc.Exchange.Name
	routingKey := p.desc.PublishRoutingKey()

	var nackedBefore uint64
	if p.confirms != nil {
		nackedBefore = p.confirms.Nacked()
		p.confirms.Track()
	}

	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		if p.confirms != nil {
			p.confirms.Untrack()
		}
		return &TransportError{
			Op:         "publish",
			Connection: p.connection,
			Err:        errors.Wrapf(err, "exchange %q routing key %q", exchange, routingKey),
		}
	}

	p.logger.Debug().
		Str("connection", p.connection).
		Str("exchange", exchange).
		Str("routingKey", routingKey).
		Str("messageId", msg.MessageId).
		Int("size", len(body)).
		Msg("message published")

	if p.confirms == nil {
		return nil
	}

	if err := p.confirms.Wait(ctx, p.desc.Confirm.WaitTimeout.Std()); err != nil {
		return err
	}
	if p.confirms.Nacked() > nackedBefore {
		return &TransportError{Op: "publish", Connection: p.connection, Err: ErrNacked}
	}
	return nil
}

// BuildPublishing creates the message for body: content type, delivery
// mode, a message id, the job's headers, the per-call headers and, for
// delayed jobs with a positive TTL, the x-delay header.
func BuildPublishing(d *job.Descriptor, body []byte, headers amqp.Table, now time.Time) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:  d.ContentType(),
		DeliveryMode: d.DeliveryMode(),
		MessageId:    uuid.New().String(),
		Timestamp:    now,
		Body:         body,
	}

	table := amqp.Table{}
	for k, v := range d.Message.Headers {
		table[k] = v
	}
	for k, v := range headers {
		table[k] = v
	}
	if ttl, ok := d.DelayHeader(); ok {
		table[job.HeaderDelay] = ttl
	}
	if len(table) > 0 {
		msg.Headers = table
	}
	return msg
}
