package rabbitmq

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// Connection errors
	ErrConnectionClosed  = errors.New("rabbitmq: connection is closed")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelClosed     = errors.New("rabbitmq: channel is closed")
	ErrChannelRPCTimeout = errors.New("rabbitmq: channel rpc timeout")

	// Publisher errors
	ErrNacked = errors.New("rabbitmq: publish was nacked by the broker")

	// Consumer errors
	ErrNoHandler         = errors.New("rabbitmq: job has no message handler")
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled by the broker")
)

// TransportError wraps a failure reported by the broker library.
type TransportError struct {
	Op         string // Operation that failed
	Connection string // Registry name of the connection
	Err        error  // Underlying error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rabbitmq transport error: %s on %q: %v", e.Op, e.Connection, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed exchange, queue or binding declaration
type TopologyError struct {
	Component string // exchange, queue or binding
	Name      string // Component name
	Op        string // Operation that failed
	Err       error  // Underlying error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// InvalidRoleError is returned when the declarer is called with a role it
// does not know.
type InvalidRoleError struct {
	Role Role
}

func (e *InvalidRoleError) Error() string {
	return fmt.Sprintf("rabbitmq: invalid topology role %d", int(e.Role))
}

// ConfirmTimeoutError is returned when publisher confirms are still pending
// after the wait window.
type ConfirmTimeoutError struct {
	Connection string
	Pending    uint64
	Timeout    time.Duration
}

func (e *ConfirmTimeoutError) Error() string {
	return fmt.Sprintf("rabbitmq: %d confirms still pending on %q after %s", e.Pending, e.Connection, e.Timeout)
}
