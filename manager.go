package amqpjobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	"github.com/rs/zerolog"

	"github.com/glimte/amqpjobs/config"
	"github.com/glimte/amqpjobs/internal/rabbitmq"
	"github.com/glimte/amqpjobs/job"
)

// ConsumerState is the lifecycle state of a connection's consumer.
type ConsumerState = rabbitmq.ConsumerState

const (
	StateIdle             = rabbitmq.StateIdle
	StateQoSApplied       = rabbitmq.StateQoSApplied
	StateTopologyDeclared = rabbitmq.StateTopologyDeclared
	StateConsuming        = rabbitmq.StateConsuming
	StateClosed           = rabbitmq.StateClosed
	StateError            = rabbitmq.StateError
)

// Dialer opens a broker connection for a named connection configuration.
type Dialer = rabbitmq.Dialer

// Connection and Channel are the broker handles a Dialer hands out.
type (
	Connection = rabbitmq.Connection
	Channel    = rabbitmq.Channel
)

// Manager is the registry of named connections. Each registered job owns
// one connection and one channel, keyed by the job's connection name.
type Manager struct {
	cfg       *config.Config
	dial      Dialer
	logger    zerolog.Logger
	attempts  uint
	retryWait time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	pending map[string]struct{}
}

// Option configures the Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithDialer replaces the broker dialer
func WithDialer(dial Dialer) Option {
	return func(m *Manager) {
		m.dial = dial
	}
}

// WithRegisterAttempts makes Register dial up to attempts times, pausing
// wait between failed dials.
func WithRegisterAttempts(attempts uint, wait time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.attempts = attempts
		}
		m.retryWait = wait
	}
}

// NewManager creates a registry over the named connections of cfg.
func NewManager(cfg *config.Config, options ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		dial:     rabbitmq.Dial,
		logger:   zerolog.Nop(),
		attempts: 1,
		entries:  make(map[string]*entry),
		pending:  make(map[string]struct{}),
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// Entry is a read-only snapshot of a registered connection.
type Entry struct {
	Name           string
	Job            *job.Descriptor
	ConnectionOpen bool
	ChannelOpen    bool
	State          ConsumerState
	ConsumerTag    string
	RegisteredAt   time.Time
}

// Register opens a connection and a channel for d and stores them under
// d.Connection. It fails with DuplicateNameError when the name is taken and
// MissingConfigError when no connection is configured for it. The registry
// keeps its own copy of d.
func (m *Manager) Register(ctx context.Context, d *job.Descriptor) error {
	if d == nil {
		return &job.ValidationError{Field: "descriptor", Reason: "must not be nil"}
	}
	if err := d.Validate(); err != nil {
		return err
	}
	desc := d.Clone()
	name := desc.Connection

	cc, err := m.reserve(name)
	if err != nil {
		return err
	}
	defer m.release(name)

	var conn Connection
	connect := func(attempt uint) (err error) {
		if err = ctx.Err(); err != nil {
			return err
		}
		conn, err = m.dial(ctx, name, cc)
		if err != nil {
			m.logger.Warn().Err(err).Str("connection", name).Uint("attempt", attempt).Msg("connect attempt failed")
		}
		return err
	}
	if err := retry.Retry(connect, strategy.Limit(m.attempts), strategy.Wait(m.retryWait)); err != nil {
		m.logger.Error().Err(err).Str("connection", name).Str("url", cc.String()).Msg("failed to connect")
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return &TransportError{Op: "open channel", Connection: name, Err: err}
	}

	e := &entry{
		name:         name,
		desc:         desc,
		conn:         conn,
		ch:           ch,
		registeredAt: time.Now(),
		logger:       m.logger,
	}

	m.mu.Lock()
	m.entries[name] = e
	m.mu.Unlock()

	m.logger.Info().
		Str("connection", name).
		Str("url", cc.String()).
		Str("exchange", desc.Exchange.Name).
		Str("queue", desc.Queue.Name).
		Msg("manager registered")

	return nil
}

// reserve claims name for a registration in progress and returns a
// defaulted copy of its connection configuration.
func (m *Manager) reserve(name string) (*config.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[name]; ok {
		return nil, &DuplicateNameError{Name: name}
	}
	if _, ok := m.pending[name]; ok {
		return nil, &DuplicateNameError{Name: name}
	}

	cc, ok := m.cfg.Lookup(name)
	if !ok {
		return nil, &MissingConfigError{Name: name}
	}
	c := *cc
	c.ApplyDefaults()

	m.pending[name] = struct{}{}
	return &c, nil
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	delete(m.pending, name)
	m.mu.Unlock()
}

// Connection selects the registered connection name.
func (m *Manager) Connection(name string) (*Handle, error) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()

	if !ok {
		return nil, &UnknownNameError{Name: name}
	}
	return &Handle{m: m, e: e}, nil
}

// Publish is shorthand for Connection(name) followed by Publish.
func (m *Manager) Publish(ctx context.Context, name string, body []byte) error {
	h, err := m.Connection(name)
	if err != nil {
		return err
	}
	return h.Publish(ctx, body)
}

// Consume is shorthand for Connection(name) followed by Consume.
func (m *Manager) Consume(name string) error {
	h, err := m.Connection(name)
	if err != nil {
		return err
	}
	return h.Consume()
}

// CloseConnection is shorthand for Connection(name) followed by Close.
func (m *Manager) CloseConnection(name string) error {
	h, err := m.Connection(name)
	if err != nil {
		return err
	}
	return h.Close()
}

// ListManagers returns a snapshot of every registered connection.
func (m *Manager) ListManagers() map[string]Entry {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make(map[string]Entry, len(entries))
	for _, e := range entries {
		out[e.name] = e.snapshot()
	}
	return out
}

// Names returns the registered connection names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every registered connection and empties the registry. It
// returns the first close error.
func (m *Manager) Close() error {
	var firstErr error
	for _, name := range m.Names() {
		h, err := m.Connection(name)
		if err != nil {
			continue
		}
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// remove drops e from the registry if it is still the entry for its name.
func (m *Manager) remove(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries[e.name] == e {
		delete(m.entries, e.name)
	}
}
