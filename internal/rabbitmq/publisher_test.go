package rabbitmq_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqpjobs/internal/rabbitmq"
	"github.com/glimte/amqpjobs/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/amqpjobs/job"
)

func TestBuildPublishing(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("defaults", func(t *testing.T) {
		msg := rabbitmq.BuildPublishing(topicJob(), []byte("hi"), nil, now)

		assert.Equal(t, job.DefaultContentType, msg.ContentType)
		assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
		assert.NotEmpty(t, msg.MessageId)
		assert.Equal(t, now, msg.Timestamp)
		assert.Equal(t, []byte("hi"), msg.Body)
		assert.Nil(t, msg.Headers)
	})

	t.Run("delay header carries the ttl", func(t *testing.T) {
		d := topicJob()
		d.Delay = job.Delay{Enabled: true, TTL: 5000}

		msg := rabbitmq.BuildPublishing(d, nil, nil, now)

		assert.Equal(t, int64(5000), msg.Headers[job.HeaderDelay])
	})

	t.Run("no delay header without ttl", func(t *testing.T) {
		d := topicJob()
		d.Delay = job.Delay{Enabled: true}

		msg := rabbitmq.BuildPublishing(d, nil, nil, now)

		assert.NotContains(t, msg.Headers, job.HeaderDelay)
	})

	t.Run("call headers override job headers", func(t *testing.T) {
		d := topicJob()
		d.Message = job.Message{
			ContentType:  "application/json",
			DeliveryMode: job.Transient,
			Headers:      map[string]any{"source": "job", "tenant": "a"},
		}

		msg := rabbitmq.BuildPublishing(d, nil, amqp.Table{"tenant": "b"}, now)

		assert.Equal(t, "application/json", msg.ContentType)
		assert.Equal(t, amqp.Transient, msg.DeliveryMode)
		assert.Equal(t, amqp.Table{"source": "job", "tenant": "b"}, msg.Headers)
	})
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes to exchange with routing key", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		p := rabbitmq.NewPublisher(ch, topicJob(), zerolog.Nop())

		require.NoError(t, p.Publish(ctx, []byte("one"), nil))
		require.NoError(t, p.Publish(ctx, []byte("two"), nil))

		published := ch.Published()
		require.Len(t, published, 2)
		assert.Equal(t, "orders.x", published[0].Exchange)
		assert.Equal(t, "order.created", published[0].Key)
		assert.Equal(t, []byte("two"), published[1].Msg.Body)

		// declared once, never bound, no confirm mode
		assert.Len(t, ch.Exchanges(), 1)
		assert.Empty(t, ch.Binds())
		assert.False(t, ch.Called("Confirm"))
		assert.False(t, ch.Called("NotifyPublish"))
	})

	t.Run("queue only job publishes through default exchange", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		d := &job.Descriptor{Connection: "mail", Queue: job.Queue{Name: "mail"}}
		p := rabbitmq.NewPublisher(ch, d, zerolog.Nop())

		require.NoError(t, p.Publish(ctx, []byte("x"), nil))

		published := ch.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "", published[0].Exchange)
		assert.Equal(t, "mail", published[0].Key)
	})

	t.Run("delayed job sends x-delay", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		d := topicJob()
		d.Delay = job.Delay{Enabled: true, TTL: 5000}
		p := rabbitmq.NewPublisher(ch, d, zerolog.Nop())

		require.NoError(t, p.Publish(ctx, []byte("later"), nil))

		assert.Equal(t, int64(5000), ch.Published()[0].Msg.Headers[job.HeaderDelay])
		assert.Equal(t, job.KindDelayed, ch.Exchanges()[0].Kind)
	})

	t.Run("confirm handlers run before publish returns", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		var acks atomic.Int32
		d := topicJob()
		d.Confirm = job.Confirm{
			Enabled:     true,
			WaitTimeout: job.Duration(time.Second),
			OnAck:       func(amqp.Confirmation) { acks.Add(1) },
		}
		p := rabbitmq.NewPublisher(ch, d, zerolog.Nop())

		require.NoError(t, p.Publish(ctx, []byte("a"), nil))
		assert.Equal(t, int32(1), acks.Load())

		require.NoError(t, p.Publish(ctx, []byte("b"), nil))
		assert.Equal(t, int32(2), acks.Load())

		calls := ch.Calls()
		assert.Equal(t, "Confirm", calls[0])
		assert.Equal(t, "NotifyPublish", calls[1])
	})

	t.Run("nack fails the publish", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		ch.Confirms = rabbitmqtest.ConfirmNack
		var nacks atomic.Int32
		d := topicJob()
		d.Confirm = job.Confirm{
			Enabled:     true,
			WaitTimeout: job.Duration(time.Second),
			OnNack:      func(amqp.Confirmation) { nacks.Add(1) },
		}
		p := rabbitmq.NewPublisher(ch, d, zerolog.Nop())

		err := p.Publish(ctx, []byte("a"), nil)

		assert.ErrorIs(t, err, rabbitmq.ErrNacked)
		assert.Equal(t, int32(1), nacks.Load())
	})

	t.Run("unconfirmed publish times out", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		ch.Confirms = rabbitmqtest.ConfirmHold
		d := topicJob()
		d.Confirm = job.Confirm{Enabled: true, WaitTimeout: job.Duration(20 * time.Millisecond)}
		p := rabbitmq.NewPublisher(ch, d, zerolog.Nop())

		err := p.Publish(ctx, []byte("a"), nil)

		var timeoutErr *rabbitmq.ConfirmTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, uint64(1), timeoutErr.Pending)
		assert.Equal(t, "orders", timeoutErr.Connection)
		assert.Equal(t, 20*time.Millisecond, timeoutErr.Timeout)
	})

	t.Run("closed channel fails before publishing", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		require.NoError(t, ch.Close())
		p := rabbitmq.NewPublisher(ch, topicJob(), zerolog.Nop())

		err := p.Publish(ctx, []byte("a"), nil)

		var transportErr *rabbitmq.TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.ErrorIs(t, err, rabbitmq.ErrChannelClosed)
		assert.Empty(t, ch.Published())
	})

	t.Run("publish failure is a transport error", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		cause := errors.New("connection reset")
		ch.Errors["Publish"] = cause
		p := rabbitmq.NewPublisher(ch, topicJob(), zerolog.Nop())

		err := p.Publish(ctx, []byte("a"), nil)

		var transportErr *rabbitmq.TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Equal(t, "publish", transportErr.Op)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("declaration failure stops the publish", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		ch.Errors["ExchangeDeclare"] = errors.New("precondition failed")
		p := rabbitmq.NewPublisher(ch, topicJob(), zerolog.Nop())

		err := p.Publish(ctx, []byte("a"), nil)

		var topoErr *rabbitmq.TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Empty(t, ch.Published())
	})
}

func TestConfirmTracker(t *testing.T) {
	ctx := context.Background()

	t.Run("wait returns immediately without pending publishes", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		tracker, err := rabbitmq.StartConfirms(ch, "orders", job.Confirm{Enabled: true}, zerolog.Nop())
		require.NoError(t, err)

		assert.NoError(t, tracker.Wait(ctx, time.Millisecond))
	})

	t.Run("manual answers resolve pending publishes", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		tracker, err := rabbitmq.StartConfirms(ch, "orders", job.Confirm{Enabled: true}, zerolog.Nop())
		require.NoError(t, err)

		tracker.Track()
		tracker.Track()
		assert.Equal(t, uint64(2), tracker.Pending())

		ch.Answer(true)
		ch.Answer(false)

		require.NoError(t, tracker.Wait(ctx, time.Second))
		assert.Equal(t, uint64(0), tracker.Pending())
		assert.Equal(t, uint64(1), tracker.Nacked())
	})

	t.Run("panicking handler does not stop dispatch", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		tracker, err := rabbitmq.StartConfirms(ch, "orders", job.Confirm{
			Enabled: true,
			OnAck:   func(amqp.Confirmation) { panic("boom") },
		}, zerolog.Nop())
		require.NoError(t, err)

		tracker.Track()
		ch.Answer(true)
		tracker.Track()
		ch.Answer(true)

		assert.NoError(t, tracker.Wait(ctx, time.Second))
	})

	t.Run("channel close ends the wait", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		tracker, err := rabbitmq.StartConfirms(ch, "orders", job.Confirm{Enabled: true}, zerolog.Nop())
		require.NoError(t, err)

		tracker.Track()
		require.NoError(t, ch.Close())

		err = tracker.Wait(ctx, time.Second)
		assert.ErrorIs(t, err, rabbitmq.ErrChannelClosed)

		select {
		case <-tracker.Done():
		case <-time.After(time.Second):
			t.Fatal("dispatcher did not stop")
		}
	})

	t.Run("context ends an unbounded wait", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		tracker, err := rabbitmq.StartConfirms(ch, "orders", job.Confirm{Enabled: true}, zerolog.Nop())
		require.NoError(t, err)
		tracker.Track()

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, tracker.Wait(waitCtx, 0), context.DeadlineExceeded)
	})

	t.Run("confirm select failure", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		ch.Errors["Confirm"] = errors.New("not supported")

		_, err := rabbitmq.StartConfirms(ch, "orders", job.Confirm{Enabled: true}, zerolog.Nop())

		var transportErr *rabbitmq.TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Equal(t, "confirm select", transportErr.Op)
		assert.False(t, ch.Called("NotifyPublish"))
	})
}
