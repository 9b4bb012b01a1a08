package amqpjobs

import (
	"context"

	"github.com/glimte/amqpjobs/config"
	"github.com/glimte/amqpjobs/job"
)

// AttachFunc installs the code-only parts of a configured job, such as the
// message handler and the confirm callbacks, before it is registered.
type AttachFunc func(d *job.Descriptor)

// Bootstrap registers the job of every configured connection, in name order,
// when cfg.Enable is set. Connections without a job section are skipped. It
// stops at the first failure; jobs registered before it stay registered.
func Bootstrap(ctx context.Context, m *Manager, cfg *config.Config, attach AttachFunc) error {
	if cfg == nil || !cfg.Enable {
		m.logger.Debug().Msg("amqp bootstrap disabled")
		return nil
	}

	for _, name := range cfg.Names() {
		cc, _ := cfg.Lookup(name)
		if cc.Job == nil {
			continue
		}

		d := cc.Job.Clone()
		if d.Connection == "" {
			d.Connection = name
		}
		if attach != nil {
			attach(d)
		}

		if err := m.Register(ctx, d); err != nil {
			m.logger.Error().Err(err).Str("connection", name).Msg("amqp bootstrap failed")
			return err
		}
	}
	return nil
}
