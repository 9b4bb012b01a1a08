package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/glimte/amqpjobs"
	"github.com/glimte/amqpjobs/job"
)

func newConsumeCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume <name>...",
		Short: "Consume the jobs of one or more connections",
		Long: `Consume the jobs of one or more connections and print every message
body to stdout. Each connection runs its own consumer; interrupt to close
them all.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doConsume(cmd, opts, args)
		},
	}
	cmd.Flags().Bool("prefix", false, "Prefix each message with its connection name")
	return cmd
}

func doConsume(cmd *cobra.Command, opts *options, names []string) error {
	prefix, _ := cmd.Flags().GetBool("prefix")

	a, err := newApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	out := &syncWriter{w: cmd.OutOrStdout()}
	for _, name := range names {
		d, err := a.jobFor(name)
		if err != nil {
			return err
		}
		d.Consume.Handler = printHandler(out, d, prefix)
		if err := a.manager.Register(ctx, d); err != nil {
			return err
		}
	}

	// closing the registry is the only way to stop the consumers
	go func() {
		<-ctx.Done()
		a.logger.Info().Msg("shutting down consumers")
		_ = a.manager.Close()
	}()

	return runConsumers(a.manager, names)
}

// runConsumers runs one consumer per name and returns the first error once
// all of them stopped.
func runConsumers(m *amqpjobs.Manager, names []string) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			err := m.Consume(name)
			var unknown *amqpjobs.UnknownNameError
			if errors.As(err, &unknown) {
				// closed before its consumer started
				return
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				// one failed consumer stops the rest
				_ = m.Close()
			}
		}(name)
	}
	wg.Wait()
	return firstErr
}

// printHandler writes message bodies to out. With the manual ack strategy
// it acknowledges the message itself.
func printHandler(out io.Writer, d *job.Descriptor, prefix bool) job.Handler {
	name := d.Connection
	manual := d.Consume.Ack == job.AckManual && !d.Consume.AutoAck

	return func(delivery amqp.Delivery) error {
		var err error
		if prefix {
			_, err = fmt.Fprintf(out, "%s: %s\n", name, delivery.Body)
		} else {
			_, err = fmt.Fprintf(out, "%s\n", delivery.Body)
		}
		if manual {
			if err != nil {
				return delivery.Nack(false, true)
			}
			return delivery.Ack(false)
		}
		return err
	}
}

// syncWriter serialises writes from concurrent consumers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
