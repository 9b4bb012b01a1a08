package amqpjobs

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/glimte/amqpjobs/internal/rabbitmq"
	"github.com/glimte/amqpjobs/job"
)

// entry is the {connection, channel, job} triple of one registered name.
type entry struct {
	name         string
	desc         *job.Descriptor
	registeredAt time.Time
	logger       zerolog.Logger

	mu        sync.Mutex
	conn      rabbitmq.Connection
	ch        rabbitmq.Channel
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	removed   bool
}

func (e *entry) snapshot() Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Entry{
		Name:           e.name,
		Job:            e.desc.Clone(),
		ConnectionOpen: e.conn != nil && !e.conn.IsClosed(),
		ChannelOpen:    e.ch != nil && !e.ch.IsClosed(),
		RegisteredAt:   e.registeredAt,
	}
	if e.consumer != nil {
		s.State = e.consumer.State()
		if s.State >= StateConsuming {
			s.ConsumerTag = e.consumer.Tag()
		}
	}
	return s
}

// usableLocked checks that the connection and the channel are still open.
// Callers hold e.mu.
func (e *entry) usableLocked(op string) error {
	if e.conn == nil || e.conn.IsClosed() {
		return &TransportError{Op: op, Connection: e.name, Err: ErrConnectionClosed}
	}
	if e.ch == nil {
		return &TransportError{Op: op, Connection: e.name, Err: ErrChannelClosed}
	}
	return nil
}

// Handle is the selected connection returned by Manager.Connection. Its
// zero value is a handle that was never opened: Close and friends are
// no-ops, everything else fails with UnknownNameError.
type Handle struct {
	m *Manager
	e *entry
}

// Name returns the connection name, empty for a zero handle.
func (h *Handle) Name() string {
	if h == nil || h.e == nil {
		return ""
	}
	return h.e.name
}

// Job returns a copy of the registered descriptor.
func (h *Handle) Job() *job.Descriptor {
	if h == nil || h.e == nil {
		return nil
	}
	return h.e.desc.Clone()
}

// Channel returns the channel of the connection, or nil once closed. It is
// meant for diagnostics such as passive declarations.
func (h *Handle) Channel() Channel {
	if h == nil || h.e == nil {
		return nil
	}
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.e.ch
}

// State returns the consumer state; StateIdle until Consume is called.
func (h *Handle) State() ConsumerState {
	if h == nil || h.e == nil {
		return StateIdle
	}
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if h.e.consumer == nil {
		return StateIdle
	}
	return h.e.consumer.State()
}

// active returns the live entry or UnknownNameError once it was closed.
func (h *Handle) active() (*entry, error) {
	if h == nil || h.e == nil {
		return nil, &UnknownNameError{}
	}
	h.e.mu.Lock()
	removed := h.e.removed
	h.e.mu.Unlock()
	if removed {
		return nil, &UnknownNameError{Name: h.e.name}
	}
	return h.e, nil
}

// Publish sends body with the job's message properties. See
// PublishWithHeaders.
func (h *Handle) Publish(ctx context.Context, body []byte) error {
	return h.PublishWithHeaders(ctx, body, nil)
}

// PublishWithHeaders sends body with additional application headers.
//
// With publisher confirms enabled the channel is switched to confirm mode
// and the job's ack/nack handlers are installed on the first call; every
// call then blocks until the broker confirmed the message, the job's wait
// timeout elapsed (ConfirmTimeoutError) or ctx is done. Without confirms
// the call returns once the message is written.
//
// The producer declares the job's exchange but never the queue binding:
// start the consumer of a topic or fanout job before publishing to it.
func (h *Handle) PublishWithHeaders(ctx context.Context, body []byte, headers amqp.Table) error {
	e, err := h.active()
	if err != nil {
		return err
	}

	e.mu.Lock()
	if err := e.usableLocked("publish"); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.publisher == nil {
		e.publisher = rabbitmq.NewPublisher(e.ch, e.desc, e.logger)
	}
	publisher := e.publisher
	e.mu.Unlock()

	return publisher.Publish(ctx, body, headers)
}

// Consume applies QoS, declares and binds the job's topology and then
// blocks dispatching deliveries to the job handler until the channel is
// closed. A local close (Close or CloseChannel from another goroutine)
// returns nil; a broker-side close or cancel returns a TransportError. The
// consumer is not restarted, but Consume may be called again once the
// previous run returned. A second call while one runs fails with
// ErrConsumerRunning.
func (h *Handle) Consume() error {
	e, err := h.active()
	if err != nil {
		return err
	}

	e.mu.Lock()
	if err := e.usableLocked("consume"); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.consumer != nil && e.consumer.State() < StateClosed {
		e.mu.Unlock()
		return errors.Wrapf(ErrConsumerRunning, "connection %q", e.name)
	}
	consumer := rabbitmq.NewConsumer(e.ch, e.desc, e.logger)
	e.consumer = consumer
	e.mu.Unlock()

	return consumer.Run()
}

// QueueInfo is the broker's view of a job's queue.
type QueueInfo struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// InspectQueue passively declares the job's queue on a short-lived channel
// and reports its message and consumer counts. A missing queue closes only
// the probe channel; the job's channel is left alone.
func (h *Handle) InspectQueue() (QueueInfo, error) {
	e, err := h.active()
	if err != nil {
		return QueueInfo{}, err
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return QueueInfo{}, &TransportError{Op: "inspect queue", Connection: e.name, Err: ErrConnectionClosed}
	}
	if e.desc.Queue.Name == "" {
		return QueueInfo{}, &job.ValidationError{Connection: e.name, Field: "queue.name", Reason: "server-named queues cannot be inspected"}
	}

	probe, err := conn.Channel()
	if err != nil {
		return QueueInfo{}, &TransportError{Op: "open channel", Connection: e.name, Err: err}
	}
	defer func() {
		if !probe.IsClosed() {
			_ = probe.Close()
		}
	}()

	q, err := probe.QueueDeclarePassive(e.desc.Queue.Name, e.desc.Queue.Durable, e.desc.Queue.AutoDelete, e.desc.Queue.Exclusive, false, nil)
	if err != nil {
		return QueueInfo{}, &TopologyError{Component: "queue", Name: e.desc.Queue.Name, Op: "inspect", Err: err}
	}
	return QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// Close closes the channel and then the connection and removes the name
// from the registry. Closing twice, or closing a zero handle, is a no-op.
func (h *Handle) Close() error {
	if h == nil || h.e == nil {
		return nil
	}

	chErr := h.CloseChannel()
	connErr := h.CloseConnection()

	h.e.mu.Lock()
	alreadyRemoved := h.e.removed
	h.e.removed = true
	h.e.mu.Unlock()

	if !alreadyRemoved && h.m != nil {
		h.m.remove(h.e)
		h.e.logger.Info().Str("connection", h.e.name).Msg("manager closed")
	}

	if chErr != nil {
		return chErr
	}
	return connErr
}

// CloseChannel closes only the channel. The connection stays registered;
// publishing or consuming afterwards fails with ErrChannelClosed.
func (h *Handle) CloseChannel() error {
	if h == nil || h.e == nil {
		return nil
	}

	h.e.mu.Lock()
	ch := h.e.ch
	h.e.ch = nil
	h.e.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		return nil
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &TransportError{Op: "close channel", Connection: h.e.name, Err: err}
	}
	return nil
}

// CloseConnection closes only the connection, which implicitly closes its
// channel on the broker side.
func (h *Handle) CloseConnection() error {
	if h == nil || h.e == nil {
		return nil
	}

	h.e.mu.Lock()
	conn := h.e.conn
	h.e.conn = nil
	h.e.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &TransportError{Op: "close connection", Connection: h.e.name, Err: err}
	}
	return nil
}
