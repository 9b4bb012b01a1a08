// Package amqpjobs manages named AMQP connections and runs queue jobs over
// them.
//
// A Manager maps connection names to a live connection, a channel and the
// job descriptor registered for that name:
//
//	m := amqpjobs.NewManager(cfg, amqpjobs.WithLogger(logger))
//	if err := m.Register(ctx, orders); err != nil { ... }
//
//	h, err := m.Connection("orders")
//	err = h.Publish(ctx, body) // producer
//	err = h.Consume()          // consumer, blocks until the channel closes
//	err = h.Close()
//
// Topology declaration depends on the caller: consumers declare the
// exchange, the queue and the binding, producers declare the exchange only.
// A producer publishing to a topic or fanout exchange before its consumer
// bound the queue loses the message, so start consumers first.
package amqpjobs
