//go:build integration
// +build integration

package rabbitmq_test

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"

	"github.com/glimte/amqpjobs/config"
	"github.com/glimte/amqpjobs/internal/rabbitmq"
	"github.com/glimte/amqpjobs/job"
)

// startBroker runs a RabbitMQ container and returns its connection settings.
func startBroker(t *testing.T) *config.Connection {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	c, err := tcrabbitmq.Run(ctx, "rabbitmq:4-management-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Terminate(ctx) //nolint:errcheck
	})

	url, err := c.AmqpURL(ctx)
	require.NoError(t, err)
	uri, err := amqp.ParseURI(url)
	require.NoError(t, err)

	cc := &config.Connection{
		Host:     uri.Host,
		Port:     uri.Port,
		User:     uri.Username,
		Password: uri.Password,
		Vhost:    uri.Vhost,
	}
	cc.ApplyDefaults()
	return cc
}

func TestRabbitMQIntegration(t *testing.T) {
	cc := startBroker(t)
	ctx := context.Background()

	conn, err := rabbitmq.Dial(ctx, "it", cc)
	require.NoError(t, err)
	defer conn.Close()

	t.Run("producer declares exchange without binding", func(t *testing.T) {
		ch, err := conn.Channel()
		require.NoError(t, err)
		defer ch.Close()

		d := &job.Descriptor{
			Connection: "it",
			Exchange:   job.Exchange{Name: "it.unbound", Type: job.KindDirect, AutoDelete: true},
			Queue:      job.Queue{Name: "it.unbound.q"},
			Binding:    job.Binding{RoutingKey: "k"},
			Confirm:    job.Confirm{Enabled: true, WaitTimeout: job.Duration(5 * time.Second)},
		}
		p := rabbitmq.NewPublisher(ch, d, zerolog.Nop())
		require.NoError(t, p.Publish(ctx, []byte("lost"), nil))

		probe, err := conn.Channel()
		require.NoError(t, err)
		defer probe.Close()
		require.NoError(t, probe.ExchangeDeclarePassive("it.unbound", job.KindDirect, false, true, false, false, nil))
		_, err = probe.QueueDeclarePassive("it.unbound.q", false, false, false, false, nil)
		assert.Error(t, err)
	})

	t.Run("consumer receives what producer sends", func(t *testing.T) {
		received := make(chan amqp.Delivery, 1)
		d := &job.Descriptor{
			Connection: "it",
			Exchange:   job.Exchange{Name: "it.orders", Type: job.KindTopic, AutoDelete: true},
			Queue:      job.Queue{Name: "it.orders.q", AutoDelete: true},
			Binding:    job.Binding{RoutingKey: "order.created", QueueBindRoutingKey: "order.*"},
			QoS:        job.QoS{PrefetchCount: 1},
			Confirm:    job.Confirm{Enabled: true, WaitTimeout: job.Duration(5 * time.Second)},
			Consume: job.Consume{
				Ack: job.AckOnSuccess,
				Handler: func(d amqp.Delivery) error {
					received <- d
					return nil
				},
			},
		}

		consumerCh, err := conn.Channel()
		require.NoError(t, err)
		c := rabbitmq.NewConsumer(consumerCh, d, zerolog.Nop())
		done := make(chan error, 1)
		go func() { done <- c.Run() }()
		require.Eventually(t, func() bool { return c.State() == rabbitmq.StateConsuming }, 10*time.Second, 10*time.Millisecond)

		producerCh, err := conn.Channel()
		require.NoError(t, err)
		defer producerCh.Close()
		require.NoError(t, rabbitmq.NewPublisher(producerCh, d, zerolog.Nop()).Publish(ctx, []byte("hello"), amqp.Table{"tenant": "a"}))

		select {
		case msg := <-received:
			assert.Equal(t, []byte("hello"), msg.Body)
			assert.Equal(t, "a", msg.Headers["tenant"])
			assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
		case <-time.After(10 * time.Second):
			t.Fatal("message not received")
		}

		require.NoError(t, consumerCh.Close())
		assert.NoError(t, <-done)
		assert.Equal(t, rabbitmq.StateClosed, c.State())
	})

	t.Run("dead letter arguments are applied", func(t *testing.T) {
		ch, err := conn.Channel()
		require.NoError(t, err)
		defer ch.Close()

		d := &job.Descriptor{
			Connection: "it",
			Queue:      job.Queue{Name: "it.dlx.q", AutoDelete: true},
			DeadLetter: job.DeadLetter{Enabled: true, Exchange: "it.dlx", RoutingKey: "dead"},
		}
		_, err = rabbitmq.DeclareFor(ch, d, rabbitmq.RoleConsumer)
		require.NoError(t, err)

		// redeclaring without the arguments is a precondition failure
		_, err = ch.QueueDeclare("it.dlx.q", false, true, false, false, nil)
		assert.Error(t, err)
	})
}
