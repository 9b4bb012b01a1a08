package job

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"gopkg.in/yaml.v3"
)

// Exchange kinds understood by the broker. Any other non-empty string is
// passed through as a custom exchange type.
const (
	KindDirect  = amqp.ExchangeDirect
	KindTopic   = amqp.ExchangeTopic
	KindFanout  = amqp.ExchangeFanout
	KindHeaders = amqp.ExchangeHeaders

	// KindDelayed is the exchange type provided by the delayed message
	// exchange plugin.
	KindDelayed = "x-delayed-message"
)

// Argument and header keys written by the declarer and the producer.
const (
	ArgDelayedType          = "x-delayed-type"
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	HeaderDelay             = "x-delay"
)

// DefaultContentType is used when Message.ContentType is empty.
const DefaultContentType = "text/plain"

// Handler processes one delivery of a consumer job.
type Handler func(d amqp.Delivery) error

// ConfirmHandler is invoked for every publisher confirmation of a job.
type ConfirmHandler func(c amqp.Confirmation)

// AckStrategy defines who acknowledges deliveries when auto-ack is off.
type AckStrategy int

const (
	// AckManual leaves acknowledgement to the handler
	AckManual AckStrategy = iota
	// AckOnSuccess acks when the handler returns nil and nacks with requeue otherwise
	AckOnSuccess
	// AckAlways acks regardless of the handler result
	AckAlways
)

func (s AckStrategy) String() string {
	switch s {
	case AckManual:
		return "manual"
	case AckOnSuccess:
		return "on_success"
	case AckAlways:
		return "always"
	}
	return fmt.Sprintf("AckStrategy(%d)", int(s))
}

// UnmarshalYAML accepts the names returned by String.
func (s *AckStrategy) UnmarshalYAML(value *yaml.Node) error {
	switch strings.ToLower(value.Value) {
	case "", "manual":
		*s = AckManual
	case "on_success", "on-success":
		*s = AckOnSuccess
	case "always":
		*s = AckAlways
	default:
		return fmt.Errorf("unknown ack strategy %q", value.Value)
	}
	return nil
}

// DeliveryMode mirrors the AMQP delivery-mode property.
type DeliveryMode uint8

const (
	Transient  = DeliveryMode(amqp.Transient)
	Persistent = DeliveryMode(amqp.Persistent)
)

// UnmarshalYAML accepts "transient", "persistent" or the numeric mode.
func (m *DeliveryMode) UnmarshalYAML(value *yaml.Node) error {
	switch strings.ToLower(value.Value) {
	case "", "0":
		*m = 0
	case "transient", "1":
		*m = Transient
	case "persistent", "2":
		*m = Persistent
	default:
		return fmt.Errorf("unknown delivery mode %q", value.Value)
	}
	return nil
}

// Exchange describes the exchange a job publishes to or binds from.
type Exchange struct {
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type"`
	Passive    bool           `yaml:"passive"`
	Durable    bool           `yaml:"durable"`
	AutoDelete bool           `yaml:"auto_delete"`
	Internal   bool           `yaml:"internal"`
	NoWait     bool           `yaml:"nowait"`
	Args       map[string]any `yaml:"args"`
	Ticket     uint16         `yaml:"ticket"`
}

// Queue describes the queue of a job.
type Queue struct {
	Name       string         `yaml:"name"`
	Passive    bool           `yaml:"passive"`
	Durable    bool           `yaml:"durable"`
	Exclusive  bool           `yaml:"exclusive"`
	AutoDelete bool           `yaml:"auto_delete"`
	NoWait     bool           `yaml:"nowait"`
	Args       map[string]any `yaml:"args"`
	Ticket     uint16         `yaml:"ticket"`
}

// Binding holds the routing keys used for publishing and binding.
type Binding struct {
	RoutingKey string `yaml:"routing_key"`
	// QueueBindRoutingKey overrides RoutingKey for the queue binding only.
	QueueBindRoutingKey string `yaml:"queue_bind_routing_key"`
}

// Delay enables the delayed message exchange. TTL is in milliseconds.
type Delay struct {
	Enabled bool  `yaml:"enabled"`
	TTL     int64 `yaml:"ttl"`
}

// DeadLetter redirects rejected or expired messages of the queue.
type DeadLetter struct {
	Enabled    bool   `yaml:"enabled"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// QoS is applied to the channel before consuming.
type QoS struct {
	PrefetchSize  int  `yaml:"prefetch_size"`
	PrefetchCount int  `yaml:"prefetch_count"`
	Global        bool `yaml:"global"`
}

// Confirm configures publisher confirms.
type Confirm struct {
	Enabled bool `yaml:"enabled"`
	NoWait  bool `yaml:"nowait"`
	// WaitTimeout bounds the wait for pending confirms. Zero waits until the
	// publish context is done.
	WaitTimeout Duration `yaml:"wait_timeout"`

	OnAck  ConfirmHandler `yaml:"-"`
	OnNack ConfirmHandler `yaml:"-"`
}

// Consume configures the consumer side of a job.
type Consume struct {
	Tag       string         `yaml:"tag"`
	NoLocal   bool           `yaml:"no_local"`
	AutoAck   bool           `yaml:"auto_ack"`
	Exclusive bool           `yaml:"exclusive"`
	NoWait    bool           `yaml:"nowait"`
	Ticket    uint16         `yaml:"ticket"`
	Args      map[string]any `yaml:"args"`
	Ack       AckStrategy    `yaml:"ack"`

	Handler Handler `yaml:"-"`
}

// Message holds the properties stamped on every published message.
type Message struct {
	ContentType  string         `yaml:"content_type"`
	DeliveryMode DeliveryMode   `yaml:"delivery_mode"`
	Headers      map[string]any `yaml:"headers"`
}

// Descriptor is the full description of one queue job. The connection name
// is the registry key; the rest is grouped per concern.
type Descriptor struct {
	Connection string     `yaml:"connection"`
	Exchange   Exchange   `yaml:"exchange"`
	Queue      Queue      `yaml:"queue"`
	Binding    Binding    `yaml:"binding"`
	Delay      Delay      `yaml:"delay"`
	DeadLetter DeadLetter `yaml:"dead_letter"`
	QoS        QoS        `yaml:"qos"`
	Confirm    Confirm    `yaml:"confirm"`
	Consume    Consume    `yaml:"consume"`
	Message    Message    `yaml:"message"`
}

// ValidationError reports an invalid descriptor field.
type ValidationError struct {
	Connection string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("job %q: invalid %s: %s", e.Connection, e.Field, e.Reason)
}

// Validate checks the descriptor for values the broker would reject or the
// registry cannot key.
func (d *Descriptor) Validate() error {
	invalid := func(field, reason string) error {
		return &ValidationError{Connection: d.Connection, Field: field, Reason: reason}
	}

	if d.Connection == "" {
		return invalid("connection", "name is required")
	}
	if d.Delay.TTL < 0 {
		return invalid("delay.ttl", "must not be negative")
	}
	if d.QoS.PrefetchCount < 0 {
		return invalid("qos.prefetch_count", "must not be negative")
	}
	if d.QoS.PrefetchSize < 0 {
		return invalid("qos.prefetch_size", "must not be negative")
	}
	if d.Confirm.WaitTimeout < 0 {
		return invalid("confirm.wait_timeout", "must not be negative")
	}
	switch d.Message.DeliveryMode {
	case 0, Transient, Persistent:
	default:
		return invalid("message.delivery_mode", fmt.Sprintf("unknown mode %d", d.Message.DeliveryMode))
	}
	if d.Exchange.Name != "" && d.Exchange.Type == "" && d.Delay.Enabled {
		return invalid("exchange.type", "delayed exchanges need the underlying type")
	}
	return nil
}

// Clone returns a deep copy. Handlers are shared.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	c.Exchange.Args = copyArgs(d.Exchange.Args)
	c.Queue.Args = copyArgs(d.Queue.Args)
	c.Consume.Args = copyArgs(d.Consume.Args)
	c.Message.Headers = copyArgs(d.Message.Headers)
	return &c
}

// HasExchange reports whether the job routes through a named exchange. Both
// the name and the type must be set.
func (d *Descriptor) HasExchange() bool {
	return d.Exchange.Name != "" && d.Exchange.Type != ""
}

// PublishRoutingKey is the routing key for published messages, falling back
// to the queue name for the default exchange.
func (d *Descriptor) PublishRoutingKey() string {
	if d.Binding.RoutingKey != "" {
		return d.Binding.RoutingKey
	}
	return d.Queue.Name
}

// BindRoutingKey is the routing key used to bind the queue to the exchange.
func (d *Descriptor) BindRoutingKey() string {
	if d.Binding.QueueBindRoutingKey != "" {
		return d.Binding.QueueBindRoutingKey
	}
	return d.Binding.RoutingKey
}

// EffectiveExchange returns the exchange type and arguments to declare,
// applying the delayed message adaptation.
func (d *Descriptor) EffectiveExchange() (string, amqp.Table) {
	args := amqp.Table(copyArgs(d.Exchange.Args))
	if !d.Delay.Enabled {
		return d.Exchange.Type, args
	}
	if args == nil {
		args = amqp.Table{}
	}
	args[ArgDelayedType] = d.Exchange.Type
	return KindDelayed, args
}

// QueueArgs returns the queue arguments including dead-letter redirection
// when the dead-letter section is complete.
func (d *Descriptor) QueueArgs() amqp.Table {
	args := amqp.Table(copyArgs(d.Queue.Args))
	if !d.DeadLetter.Enabled || d.DeadLetter.Exchange == "" || d.DeadLetter.RoutingKey == "" {
		return args
	}
	if args == nil {
		args = amqp.Table{}
	}
	args[ArgDeadLetterExchange] = d.DeadLetter.Exchange
	args[ArgDeadLetterRoutingKey] = d.DeadLetter.RoutingKey
	return args
}

// DelayHeader returns the per-message delay in milliseconds and whether it
// applies.
func (d *Descriptor) DelayHeader() (int64, bool) {
	return d.Delay.TTL, d.Delay.Enabled && d.Delay.TTL > 0
}

// ContentType returns the configured content type or the default.
func (d *Descriptor) ContentType() string {
	if d.Message.ContentType == "" {
		return DefaultContentType
	}
	return d.Message.ContentType
}

// DeliveryMode returns the configured delivery mode, persistent by default.
func (d *Descriptor) DeliveryMode() uint8 {
	if d.Message.DeliveryMode == 0 {
		return amqp.Persistent
	}
	return uint8(d.Message.DeliveryMode)
}

func copyArgs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		// nested maps decoded from YAML must be tables on the wire
		if m, ok := v.(map[string]any); ok {
			v = amqp.Table(copyArgs(m))
		}
		out[k] = v
	}
	return out
}
