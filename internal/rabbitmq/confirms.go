package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/glimte/amqpjobs/job"
)

// confirmBuffer sizes the NotifyPublish channel. The dispatcher drains it
// continuously; the buffer only absorbs bursts of acks.
const confirmBuffer = 256

// ConfirmTracker puts a channel into confirm mode and counts outstanding
// publishes. Ack and nack handlers run on the tracker's dispatch goroutine;
// a confirmation is counted as resolved only after its handler returned, so
// a successful Wait happens after every handler of the publishes it waited
// for.
type ConfirmTracker struct {
	connection string
	onAck      job.ConfirmHandler
	onNack     job.ConfirmHandler
	logger     zerolog.Logger

	mu        sync.Mutex
	published uint64
	resolved  uint64
	nacked    uint64
	closed    bool
	changed   chan struct{}
	done      chan struct{}
}

// StartConfirms switches ch to confirm mode and starts dispatching
// confirmations. Handlers are installed before this returns, so they see
// every publish made afterwards.
func StartConfirms(ch Channel, connection string, c job.Confirm, logger zerolog.Logger) (*ConfirmTracker, error) {
	if err := ch.Confirm(c.NoWait); err != nil {
		return nil, &TransportError{Op: "confirm select", Connection: connection, Err: err}
	}

	t := &ConfirmTracker{
		connection: connection,
		onAck:      c.OnAck,
		onNack:     c.OnNack,
		logger:     logger,
		changed:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	go t.dispatch(confirms)

	return t, nil
}

func (t *ConfirmTracker) dispatch(confirms <-chan amqp.Confirmation) {
	defer close(t.done)

	for confirm := range confirms {
		t.handle(confirm)

		t.mu.Lock()
		t.resolved++
		if !confirm.Ack {
			t.nacked++
		}
		t.notifyLocked()
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.closed = true
	t.notifyLocked()
	t.mu.Unlock()
}

func (t *ConfirmTracker) handle(confirm amqp.Confirmation) {
	handler := t.onAck
	if !confirm.Ack {
		handler = t.onNack
		t.logger.Warn().
			Str("connection", t.connection).
			Uint64("deliveryTag", confirm.DeliveryTag).
			Msg("publish nacked")
	}
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().
				Str("connection", t.connection).
				Uint64("deliveryTag", confirm.DeliveryTag).
				Interface("panic", r).
				Msg("confirm handler panicked")
		}
	}()
	handler(confirm)
}

// notifyLocked wakes every waiter. Callers hold t.mu.
func (t *ConfirmTracker) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Track records a publish about to be sent. It must be called before the
// publish so that a fast confirmation is never counted ahead of it.
func (t *ConfirmTracker) Track() {
	t.mu.Lock()
	t.published++
	t.mu.Unlock()
}

// Untrack reverts Track for a publish that failed to be sent.
func (t *ConfirmTracker) Untrack() {
	t.mu.Lock()
	t.published--
	t.notifyLocked()
	t.mu.Unlock()
}

// Pending returns the number of publishes without a confirmation.
func (t *ConfirmTracker) Pending() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published - t.resolved
}

// Nacked returns the number of nacks received so far.
func (t *ConfirmTracker) Nacked() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nacked
}

// Wait blocks until every tracked publish is confirmed, the channel closes,
// timeout elapses or ctx is done. A zero timeout waits on ctx alone.
func (t *ConfirmTracker) Wait(ctx context.Context, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		t.mu.Lock()
		pending := t.published - t.resolved
		closed := t.closed
		changed := t.changed
		t.mu.Unlock()

		if pending == 0 {
			return nil
		}
		if closed {
			return &TransportError{Op: "wait for confirms", Connection: t.connection, Err: ErrChannelClosed}
		}

		select {
		case <-changed:
		case <-expired:
			return &ConfirmTimeoutError{Connection: t.connection, Pending: t.Pending(), Timeout: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed once the channel stopped delivering confirmations.
func (t *ConfirmTracker) Done() <-chan struct{} {
	return t.done
}
