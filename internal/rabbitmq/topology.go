package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpjobs/job"
)

// Role selects which part of a job's topology a caller declares.
type Role int

const (
	// RoleProducer declares the exchange only. Producers publish to the
	// exchange and rely on a consumer having bound the queue.
	RoleProducer Role = iota + 1
	// RoleConsumer declares the exchange, the queue and the binding.
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	}
	return "unknown"
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  amqp.Table
	// Ticket is carried for completeness; AMQP 0-9-1 brokers ignore access
	// tickets and amqp091-go always sends zero.
	Ticket uint16
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  amqp.Table
	Ticket     uint16
}

// Binding defines a queue-to-exchange binding. An empty Queue binds the
// queue declared by the same plan.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Plan is the ordered set of declarations for one job and role: exchange,
// then queue, then binding. Nil steps are skipped.
type Plan struct {
	Role     Role
	Exchange *ExchangeDeclaration
	Queue    *QueueDeclaration
	Binding  *Binding
}

// DeclareResult reports what the broker confirmed.
type DeclareResult struct {
	// Queue is the server-confirmed queue name; it differs from the
	// requested name when the broker generated one.
	Queue string
}

// PlanTopology computes the declarations for d and role without touching
// the broker. With both an exchange name and type the exchange is always
// declared and, for consumers only, the queue is declared and bound.
// Without an exchange the queue is declared for either role.
func PlanTopology(d *job.Descriptor, role Role) (Plan, error) {
	switch role {
	case RoleProducer, RoleConsumer:
	default:
		return Plan{}, &InvalidRoleError{Role: role}
	}

	plan := Plan{Role: role}
	if !d.HasExchange() {
		plan.Queue = queueDeclaration(d)
		return plan, nil
	}

	plan.Exchange = exchangeDeclaration(d)
	if role == RoleConsumer {
		plan.Queue = queueDeclaration(d)
		plan.Binding = &Binding{
			Exchange:   d.Exchange.Name,
			RoutingKey: d.BindRoutingKey(),
		}
	}
	return plan, nil
}

// Declare executes plan on ch.
func Declare(ch Channel, plan Plan) (DeclareResult, error) {
	var result DeclareResult

	if ex := plan.Exchange; ex != nil {
		if err := declareExchange(ch, ex); err != nil {
			return result, &TopologyError{Component: "exchange", Name: ex.Name, Op: "declare", Err: err}
		}
	}

	if q := plan.Queue; q != nil {
		declared, err := declareQueue(ch, q)
		if err != nil {
			return result, &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err}
		}
		result.Queue = declared.Name
	}

	if b := plan.Binding; b != nil {
		queue := b.Queue
		if queue == "" {
			queue = result.Queue
		}
		if err := ch.QueueBind(queue, b.RoutingKey, b.Exchange, false, b.Arguments); err != nil {
			return result, &TopologyError{Component: "binding", Name: queue + "->" + b.Exchange, Op: "bind", Err: err}
		}
	}

	return result, nil
}

// DeclareFor plans and declares the topology of d for role.
func DeclareFor(ch Channel, d *job.Descriptor, role Role) (DeclareResult, error) {
	plan, err := PlanTopology(d, role)
	if err != nil {
		return DeclareResult{}, err
	}
	return Declare(ch, plan)
}

func exchangeDeclaration(d *job.Descriptor) *ExchangeDeclaration {
	kind, args := d.EffectiveExchange()
	return &ExchangeDeclaration{
		Name:       d.Exchange.Name,
		Type:       kind,
		Passive:    d.Exchange.Passive,
		Durable:    d.Exchange.Durable,
		AutoDelete: d.Exchange.AutoDelete,
		Internal:   d.Exchange.Internal,
		NoWait:     d.Exchange.NoWait,
		Arguments:  args,
		Ticket:     d.Exchange.Ticket,
	}
}

func queueDeclaration(d *job.Descriptor) *QueueDeclaration {
	return &QueueDeclaration{
		Name:       d.Queue.Name,
		Passive:    d.Queue.Passive,
		Durable:    d.Queue.Durable,
		Exclusive:  d.Queue.Exclusive,
		AutoDelete: d.Queue.AutoDelete,
		NoWait:     d.Queue.NoWait,
		Arguments:  d.QueueArgs(),
		Ticket:     d.Queue.Ticket,
	}
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Channel, ex *ExchangeDeclaration) error {
	declare := ch.ExchangeDeclare
	if ex.Passive {
		declare = ch.ExchangeDeclarePassive
	}
	return declare(
		ex.Name,
		ex.Type,
		ex.Durable,
		ex.AutoDelete,
		ex.Internal,
		ex.NoWait,
		ex.Arguments,
	)
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Channel, q *QueueDeclaration) (amqp.Queue, error) {
	declare := ch.QueueDeclare
	if q.Passive {
		declare = ch.QueueDeclarePassive
	}
	declared, err := declare(
		q.Name,
		q.Durable,
		q.AutoDelete,
		q.Exclusive,
		q.NoWait,
		q.Arguments,
	)
	if err != nil {
		return declared, err
	}
	// with no-wait the broker sends no reply and the name stays empty
	if declared.Name == "" {
		declared.Name = q.Name
	}
	return declared, nil
}
