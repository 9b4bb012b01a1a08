// Package rabbitmqtest provides in-memory fakes of the rabbitmq Channel and
// Connection interfaces for unit tests.
package rabbitmqtest

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpjobs/config"
	"github.com/glimte/amqpjobs/internal/rabbitmq"
)

// ConfirmMode controls how the fake broker answers publishes in confirm mode.
type ConfirmMode int

const (
	ConfirmAck ConfirmMode = iota
	ConfirmNack
	// ConfirmHold never confirms; use Answer to confirm by hand.
	ConfirmHold
)

// ExchangeDeclare records an exchange declaration.
type ExchangeDeclare struct {
	Name, Kind                                     string
	Passive, Durable, AutoDelete, Internal, NoWait bool
	Args                                           amqp.Table
}

// QueueDeclare records a queue declaration.
type QueueDeclare struct {
	Name                                            string
	Passive, Durable, AutoDelete, Exclusive, NoWait bool
	Args                                            amqp.Table
}

// QueueBind records a binding.
type QueueBind struct {
	Queue, Key, Exchange string
}

// Qos records a QoS call.
type Qos struct {
	PrefetchCount, PrefetchSize int
	Global                      bool
}

// Publish records a publish.
type Publish struct {
	Exchange, Key string
	Msg           amqp.Publishing
}

// Consume records a consume call.
type Consume struct {
	Queue, Tag                          string
	AutoAck, Exclusive, NoLocal, NoWait bool
	Args                                amqp.Table
}

// Channel is a recording fake of rabbitmq.Channel.
type Channel struct {
	// Errors makes the named method fail.
	Errors map[string]error
	// ServerQueue is returned for declarations of an unnamed queue.
	ServerQueue string
	// QueueStats answers passive declarations with message and consumer
	// counts.
	QueueStats map[string]amqp.Queue
	Confirms   ConfirmMode

	mu         sync.Mutex
	calls      []string
	exchanges  []ExchangeDeclare
	queues     []QueueDeclare
	binds      []QueueBind
	qos        []Qos
	published  []Publish
	consumes   []Consume
	confirmOn  bool
	nextTag    uint64
	closed     bool
	closes     []chan *amqp.Error
	publishes  []chan amqp.Confirmation
	deliveries chan amqp.Delivery
	cancelled  bool
}

var _ rabbitmq.Channel = (*Channel)(nil)

// NewChannel creates an open fake channel.
func NewChannel() *Channel {
	return &Channel{
		Errors:     map[string]error{},
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (c *Channel) record(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, method)
	if c.closed && method != "Close" && method != "NotifyClose" && method != "NotifyPublish" {
		return amqp.ErrClosed
	}
	return c.Errors[method]
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := c.record("ExchangeDeclare"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, ExchangeDeclare{name, kind, false, durable, autoDelete, internal, noWait, args})
	return nil
}

func (c *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := c.record("ExchangeDeclarePassive"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, ExchangeDeclare{name, kind, true, durable, autoDelete, internal, noWait, args})
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.declareQueue("QueueDeclare", QueueDeclare{name, false, durable, autoDelete, exclusive, noWait, args})
}

func (c *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.declareQueue("QueueDeclarePassive", QueueDeclare{name, true, durable, autoDelete, exclusive, noWait, args})
}

func (c *Channel) declareQueue(method string, q QueueDeclare) (amqp.Queue, error) {
	if err := c.record(method); err != nil {
		return amqp.Queue{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = append(c.queues, q)
	if stats, ok := c.QueueStats[q.Name]; ok && q.Passive {
		return stats, nil
	}
	name := q.Name
	if name == "" {
		name = c.ServerQueue
	}
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := c.record("QueueBind"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binds = append(c.binds, QueueBind{name, key, exchange})
	return nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := c.record("Qos"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qos = append(c.qos, Qos{prefetchCount, prefetchSize, global})
	return nil
}

func (c *Channel) Confirm(noWait bool) error {
	if err := c.record("Confirm"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmOn = true
	return nil
}

func (c *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	_ = c.record("NotifyPublish")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(confirm)
		return confirm
	}
	c.publishes = append(c.publishes, confirm)
	return confirm
}

func (c *Channel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	_ = c.record("NotifyClose")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.closes = append(c.closes, ch)
	return ch
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := c.record("Publish"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.published = append(c.published, Publish{exchange, key, msg})
	if !c.confirmOn || c.Confirms == ConfirmHold {
		c.mu.Unlock()
		return nil
	}
	c.nextTag++
	confirmation := amqp.Confirmation{DeliveryTag: c.nextTag, Ack: c.Confirms == ConfirmAck}
	c.mu.Unlock()

	// the broker answers asynchronously
	go c.send(confirmation)
	return nil
}

// Answer confirms the next held publish.
func (c *Channel) Answer(ack bool) {
	c.mu.Lock()
	c.nextTag++
	confirmation := amqp.Confirmation{DeliveryTag: c.nextTag, Ack: ack}
	c.mu.Unlock()
	c.send(confirmation)
}

func (c *Channel) send(confirmation amqp.Confirmation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, l := range c.publishes {
		l <- confirmation
	}
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := c.record("Consume"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumes = append(c.consumes, Consume{queue, consumer, autoAck, exclusive, noLocal, noWait, args})
	return c.deliveries, nil
}

// Deliver pushes a delivery to the consumer.
func (c *Channel) Deliver(d amqp.Delivery) {
	c.deliveries <- d
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Close() error {
	if err := c.record("Close"); err != nil {
		return err
	}
	c.shutdown(nil)
	return nil
}

// CloseWithError simulates the broker closing the channel.
func (c *Channel) CloseWithError(err *amqp.Error) {
	c.shutdown(err)
}

// CancelConsumer simulates a broker-side basic.cancel: deliveries stop while
// the channel stays open.
func (c *Channel) CancelConsumer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cancelled {
		c.cancelled = true
		close(c.deliveries)
	}
}

// shutdown follows amqp091: close reasons first, then the listeners, then
// the consumers.
func (c *Channel) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if reason != nil {
		for _, l := range c.closes {
			l <- reason
		}
	}
	for _, l := range c.closes {
		close(l)
	}
	for _, l := range c.publishes {
		close(l)
	}
	if !c.cancelled {
		c.cancelled = true
		close(c.deliveries)
	}
}

// Calls returns the recorded method names in order.
func (c *Channel) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Called reports whether method was invoked.
func (c *Channel) Called(method string) bool {
	for _, call := range c.Calls() {
		if call == method {
			return true
		}
	}
	return false
}

func (c *Channel) Exchanges() []ExchangeDeclare {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ExchangeDeclare(nil), c.exchanges...)
}

func (c *Channel) Queues() []QueueDeclare {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]QueueDeclare(nil), c.queues...)
}

func (c *Channel) Binds() []QueueBind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]QueueBind(nil), c.binds...)
}

func (c *Channel) QosCalls() []Qos {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Qos(nil), c.qos...)
}

func (c *Channel) Published() []Publish {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Publish(nil), c.published...)
}

func (c *Channel) Consumes() []Consume {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Consume(nil), c.consumes...)
}

// Connection is a fake rabbitmq.Connection. The first Channel call returns
// Chan, later calls return Probe.
type Connection struct {
	Chan       *Channel
	Probe      *Channel
	ChannelErr error

	mu        sync.Mutex
	closed    bool
	handedOut bool
}

var _ rabbitmq.Connection = (*Connection)(nil)

// NewConnection creates an open connection with fresh channels.
func NewConnection() *Connection {
	return &Connection{Chan: NewChannel(), Probe: NewChannel()}
}

func (c *Connection) Channel() (rabbitmq.Channel, error) {
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if !c.handedOut {
		c.handedOut = true
		return c.Chan, nil
	}
	return c.Probe, nil
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.Chan.shutdown(nil)
	c.Probe.shutdown(nil)
	return nil
}

// Dialer hands out fake connections and counts dials per name.
type Dialer struct {
	// Err makes every dial fail.
	Err error

	mu          sync.Mutex
	connections map[string]*Connection
	dials       map[string]int
}

// NewDialer creates a dialer with no failures.
func NewDialer() *Dialer {
	return &Dialer{
		connections: map[string]*Connection{},
		dials:       map[string]int{},
	}
}

// Dial implements rabbitmq.Dialer.
func (d *Dialer) Dial(ctx context.Context, name string, cc *config.Connection) (rabbitmq.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[name]++
	if d.Err != nil {
		return nil, d.Err
	}
	conn := NewConnection()
	d.connections[name] = conn
	return conn, nil
}

// Connection returns the last connection dialed for name.
func (d *Dialer) Connection(name string) *Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connections[name]
}

// Dials returns how often name was dialed.
func (d *Dialer) Dials(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[name]
}
