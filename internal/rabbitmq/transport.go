package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the registry drives. It exists so
// declaration, publishing and consuming can run against a fake in tests.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection the registry drives.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// amqpConnection adapts *amqp.Connection to Connection.
type amqpConnection struct {
	*amqp.Connection
	rpcTimeout time.Duration
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	if c.rpcTimeout > 0 {
		return &timedChannel{Channel: ch, timeout: c.rpcTimeout}, nil
	}
	return ch, nil
}

// timedChannel bounds the synchronous channel methods. A call that does not
// complete in time closes the channel, since its reply may still arrive and
// would desynchronise every following RPC.
type timedChannel struct {
	Channel
	timeout time.Duration
}

func (t *timedChannel) call(fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		_ = t.Channel.Close()
		return ErrChannelRPCTimeout
	}
}

func (t *timedChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return t.call(func() error {
		return t.Channel.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
	})
}

func (t *timedChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return t.call(func() error {
		return t.Channel.ExchangeDeclarePassive(name, kind, durable, autoDelete, internal, noWait, args)
	})
}

func (t *timedChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	var q amqp.Queue
	err := t.call(func() error {
		var err error
		q, err = t.Channel.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
		return err
	})
	return q, err
}

func (t *timedChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	var q amqp.Queue
	err := t.call(func() error {
		var err error
		q, err = t.Channel.QueueDeclarePassive(name, durable, autoDelete, exclusive, noWait, args)
		return err
	})
	return q, err
}

func (t *timedChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return t.call(func() error {
		return t.Channel.QueueBind(name, key, exchange, noWait, args)
	})
}

func (t *timedChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return t.call(func() error {
		return t.Channel.Qos(prefetchCount, prefetchSize, global)
	})
}

func (t *timedChannel) Confirm(noWait bool) error {
	return t.call(func() error {
		return t.Channel.Confirm(noWait)
	})
}

func (t *timedChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	var deliveries <-chan amqp.Delivery
	err := t.call(func() error {
		var err error
		deliveries, err = t.Channel.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
		return err
	})
	return deliveries, err
}
