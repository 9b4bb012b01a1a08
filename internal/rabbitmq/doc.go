// Package rabbitmq drives a single AMQP 0-9-1 connection and channel for one
// queue job.
//
// This package includes:
//   - Dial: opens a connection from a named connection configuration
//   - PlanTopology/Declare: role-aware exchange, queue and binding declaration
//   - ConfirmTracker: publisher confirms with ack/nack callbacks
//   - Publisher: builds and publishes the messages of a job
//   - Consumer: QoS, declaration and the blocking receive loop
//
// Channel and Connection abstract the amqp091-go types so everything above
// the socket can be exercised against fakes.
package rabbitmq
