package amqpjobs

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqpjobs/config"
	"github.com/glimte/amqpjobs/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/amqpjobs/job"
)

func bootstrapConfig(enable bool, names ...string) *config.Config {
	cfg := testConfig(names...)
	cfg.Enable = enable
	for _, name := range names {
		cfg.Connections[name].Job = &job.Descriptor{Queue: job.Queue{Name: name + ".q"}}
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled registers nothing", func(t *testing.T) {
		cfg := bootstrapConfig(false, "a", "b")
		dialer := rabbitmqtest.NewDialer()
		m := NewManager(cfg, WithDialer(dialer.Dial))

		require.NoError(t, Bootstrap(ctx, m, cfg, nil))

		assert.Empty(t, m.ListManagers())
		assert.Equal(t, 0, dialer.Dials("a"))
	})

	t.Run("enabled registers every job", func(t *testing.T) {
		cfg := bootstrapConfig(true, "a", "b")
		cfg.Connections["idle"] = &config.Connection{Host: "localhost"}
		dialer := rabbitmqtest.NewDialer()
		m := NewManager(cfg, WithDialer(dialer.Dial))

		var attached []string
		err := Bootstrap(ctx, m, cfg, func(d *job.Descriptor) {
			attached = append(attached, d.Connection)
			d.Consume.Handler = func(amqp.Delivery) error { return nil }
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"a", "b"}, attached)
		assert.Equal(t, []string{"a", "b"}, m.Names())
		assert.Equal(t, "b.q", m.ListManagers()["b"].Job.Queue.Name)
		assert.Equal(t, 0, dialer.Dials("idle"))

		// attach works on a copy
		assert.Nil(t, cfg.Connections["a"].Job.Consume.Handler)
	})

	t.Run("stops at the first failure", func(t *testing.T) {
		cfg := bootstrapConfig(true, "a", "b", "c")
		refused := errors.New("refused")
		m := NewManager(cfg, WithDialer(func(_ context.Context, name string, _ *config.Connection) (Connection, error) {
			if name == "b" {
				return nil, &TransportError{Op: "connect", Connection: name, Err: refused}
			}
			return rabbitmqtest.NewConnection(), nil
		}))

		err := Bootstrap(ctx, m, cfg, nil)

		assert.ErrorIs(t, err, refused)
		assert.Equal(t, []string{"a"}, m.Names())
	})

	t.Run("nil config", func(t *testing.T) {
		m, _ := newTestManager()
		assert.NoError(t, Bootstrap(ctx, m, nil, nil))
	})
}
