package amqpjobs

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/glimte/amqpjobs/internal/rabbitmq"
)

// MissingConfigError is returned when no connection is configured under the
// job's connection name.
type MissingConfigError struct {
	Name string
}

func (e *MissingConfigError) Error() string {
	return fmt.Sprintf("amqpjobs: no connection configuration named %q", e.Name)
}

// DuplicateNameError is returned when a connection name is registered twice.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("amqpjobs: manager %q is already registered", e.Name)
}

// UnknownNameError is returned when selecting a name that is not registered.
type UnknownNameError struct {
	Name string
}

func (e *UnknownNameError) Error() string {
	return fmt.Sprintf("amqpjobs: manager %q not found", e.Name)
}

// Errors raised by the transport layer.
type (
	TransportError      = rabbitmq.TransportError
	TopologyError       = rabbitmq.TopologyError
	InvalidRoleError    = rabbitmq.InvalidRoleError
	ConfirmTimeoutError = rabbitmq.ConfirmTimeoutError
)

var (
	ErrNoHandler         = rabbitmq.ErrNoHandler
	ErrChannelClosed     = rabbitmq.ErrChannelClosed
	ErrConnectionClosed  = rabbitmq.ErrConnectionClosed
	ErrNacked            = rabbitmq.ErrNacked
	ErrConsumerCancelled = rabbitmq.ErrConsumerCancelled

	// ErrConsumerRunning is returned by Consume when the connection already
	// runs its consumer.
	ErrConsumerRunning = errors.New("amqpjobs: consumer already running")
)

// IsRetryable reports whether a caller may retry the failed operation.
// Configuration and registry errors are permanent; transport errors and
// confirm timeouts are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		missing   *MissingConfigError
		duplicate *DuplicateNameError
		unknown   *UnknownNameError
		role      *InvalidRoleError
	)
	switch {
	case errors.As(err, &missing), errors.As(err, &duplicate),
		errors.As(err, &unknown), errors.As(err, &role),
		errors.Is(err, ErrNoHandler), errors.Is(err, ErrConsumerRunning):
		return false
	}

	var (
		transport *TransportError
		timeout   *ConfirmTimeoutError
	)
	return errors.As(err, &transport) || errors.As(err, &timeout)
}
