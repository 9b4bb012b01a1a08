package rabbitmq

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpjobs/config"
)

// Dialer opens a connection for a named connection configuration.
type Dialer func(ctx context.Context, name string, cc *config.Connection) (Connection, error)

// Dial opens a broker connection using the connection's timeouts, keepalive,
// heartbeat, credentials and TLS settings. The connect timeout bounds the TCP
// dial; the read/write timeout bounds the TLS and AMQP handshake.
func Dial(ctx context.Context, name string, cc *config.Connection) (Connection, error) {
	cfg, err := cc.AMQPConfig()
	if err != nil {
		return nil, &TransportError{Op: "configure", Connection: name, Err: err}
	}
	cfg.Dial = netDialer(ctx, cc)

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(cc.URI().String(), cfg)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return &amqpConnection{Connection: conn, rpcTimeout: cc.ChannelRPCTimeout.Std()}, nil

	case err := <-errChan:
		return nil, &TransportError{
			Op:         "connect",
			Connection: name,
			Err:        errors.Wrapf(err, "dial %s", cc),
		}

	case <-ctx.Done():
		// the dial goroutine may still succeed; don't leak the socket
		go func() {
			select {
			case conn := <-connChan:
				_ = conn.Close()
			case <-errChan:
			}
		}()
		return nil, &TransportError{
			Op:         "connect",
			Connection: name,
			Err:        errors.Wrapf(ErrConnectionTimeout, "dial %s: %v", cc, ctx.Err()),
		}
	}
}

func netDialer(ctx context.Context, cc *config.Connection) func(network, addr string) (net.Conn, error) {
	connectTimeout := cc.ConnectTimeout.Std()
	handshakeTimeout := cc.ReadWriteTimeout.Std()

	return func(network, addr string) (net.Conn, error) {
		d := net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: cc.KeepAlivePeriod(),
		}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		// amqp091 clears the deadline once the connection is open
		if handshakeTimeout > 0 {
			if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}
}
