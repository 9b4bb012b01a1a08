package rabbitmq

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/glimte/amqpjobs/job"
)

// ConsumerState tracks a consumer through its lifecycle:
// Idle -> QoSApplied -> TopologyDeclared -> Consuming -> Closed | Error.
type ConsumerState int32

const (
	StateIdle ConsumerState = iota
	StateQoSApplied
	StateTopologyDeclared
	StateConsuming
	StateClosed
	StateError
)

func (s ConsumerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQoSApplied:
		return "qos_applied"
	case StateTopologyDeclared:
		return "topology_declared"
	case StateConsuming:
		return "consuming"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("ConsumerState(%d)", int32(s))
}

// Consumer runs the receive loop of one job on its channel.
type Consumer struct {
	connection string
	ch         Channel
	desc       *job.Descriptor
	logger     zerolog.Logger
	state      atomic.Int32
	tag        string
}

// NewConsumer creates a consumer for desc on ch.
func NewConsumer(ch Channel, desc *job.Descriptor, logger zerolog.Logger) *Consumer {
	return &Consumer{
		connection: desc.Connection,
		ch:         ch,
		desc:       desc,
		logger:     logger,
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// Tag returns the consumer tag in use once consuming started.
func (c *Consumer) Tag() string {
	return c.tag
}

func (c *Consumer) setState(s ConsumerState) {
	c.state.Store(int32(s))
}

// fail moves the consumer to StateError and returns err.
func (c *Consumer) fail(err error) error {
	c.setState(StateError)
	return err
}

// Run applies QoS, declares and binds the topology, subscribes and then
// dispatches deliveries to the job handler until the channel closes. It
// returns nil when the channel was closed locally and a TransportError when
// the broker closed it or cancelled the consumer. There is no other way out:
// to stop a consumer, close its channel or connection from another goroutine.
func (c *Consumer) Run() error {
	d := c.desc
	if d.Consume.Handler == nil {
		return c.fail(ErrNoHandler)
	}

	if err := c.ch.Qos(d.QoS.PrefetchCount, d.QoS.PrefetchSize, d.QoS.Global); err != nil {
		return c.fail(&TransportError{Op: "qos", Connection: c.connection, Err: err})
	}
	c.setState(StateQoSApplied)

	declared, err := DeclareFor(c.ch, d, RoleConsumer)
	if err != nil {
		return c.fail(err)
	}
	c.setState(StateTopologyDeclared)

	queue := declared.Queue
	if queue == "" {
		queue = d.Queue.Name
	}

	c.tag = d.Consume.Tag
	if c.tag == "" {
		c.tag = fmt.Sprintf("%s-%s", c.connection, uuid.New().String())
	}

	// registered before consuming; amqp091 delivers the close reason
	// before it closes the delivery channel
	closes := c.ch.NotifyClose(make(chan *amqp.Error, 1))

	deliveries, err := c.ch.Consume(
		queue,
		c.tag,
		d.Consume.AutoAck,
		d.Consume.Exclusive,
		d.Consume.NoLocal,
		d.Consume.NoWait,
		amqp.Table(d.Clone().Consume.Args),
	)
	if err != nil {
		return c.fail(&TransportError{Op: "consume", Connection: c.connection, Err: err})
	}
	c.setState(StateConsuming)

	c.logger.Info().
		Str("connection", c.connection).
		Str("queue", queue).
		Str("consumerTag", c.tag).
		Int("prefetchCount", d.QoS.PrefetchCount).
		Msg("waiting for messages")

	for delivery := range deliveries {
		c.handleMessage(delivery)
	}

	select {
	case amqpErr, ok := <-closes:
		if ok && amqpErr != nil {
			c.logger.Error().Err(amqpErr).Str("connection", c.connection).Msg("channel closed by broker")
			return c.fail(&TransportError{Op: "consume", Connection: c.connection, Err: amqpErr})
		}
	default:
		if !c.ch.IsClosed() {
			c.logger.Warn().Str("connection", c.connection).Str("queue", queue).Msg("consumer cancelled")
			return c.fail(&TransportError{Op: "consume", Connection: c.connection, Err: ErrConsumerCancelled})
		}
	}

	c.setState(StateClosed)
	c.logger.Info().Str("connection", c.connection).Str("queue", queue).Msg("consumer stopped")
	return nil
}

// handleMessage runs the handler and applies the job's ack strategy
func (c *Consumer) handleMessage(delivery amqp.Delivery) {
	err := c.invoke(delivery)
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("connection", c.connection).
			Str("messageId", delivery.MessageId).
			Uint64("deliveryTag", delivery.DeliveryTag).
			Msg("failed to handle message")
	}

	if c.desc.Consume.AutoAck {
		return
	}

	var ackErr error
	switch c.desc.Consume.Ack {
	case job.AckOnSuccess:
		if err == nil {
			ackErr = delivery.Ack(false)
		} else {
			ackErr = delivery.Nack(false, true)
		}
	case job.AckAlways:
		ackErr = delivery.Ack(false)
	case job.AckManual:
		// handler is responsible for acknowledgment
	}
	if ackErr != nil {
		c.logger.Error().Err(ackErr).Str("connection", c.connection).Msg("failed to acknowledge message")
	}
}

// invoke calls the handler, turning a panic into an error
func (c *Consumer) invoke(delivery amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()
	return c.desc.Consume.Handler(delivery)
}
