package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/glimte/amqpjobs"
	"github.com/glimte/amqpjobs/config"
	"github.com/glimte/amqpjobs/internal/logging"
	"github.com/glimte/amqpjobs/job"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// options are the global flags shared by every command.
type options struct {
	configPath       string
	logLevel         string
	logFormat        string
	registerAttempts uint
	registerWait     time.Duration
}

// app is what a command needs to talk to the broker.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	manager  *amqpjobs.Manager
	flushLog func() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "amqpjobs",
		Short: "Run the queue jobs of named AMQP connections",
		Long: `amqpjobs registers the jobs configured for named AMQP connections and
produces to or consumes from them.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "amqpjobs.yaml", "Path to the connection configuration")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", string(logging.FormatConsole), "Log format (console, json)")
	flags.UintVar(&opts.registerAttempts, "register-attempts", 3, "Connection attempts per job before giving up")
	flags.DurationVar(&opts.registerWait, "register-wait", time.Second, "Pause between connection attempts")

	rootCmd.AddCommand(
		newListCommand(opts),
		newProduceCommand(opts),
		newConsumeCommand(opts),
		newHealthCommand(opts),
	)
	return rootCmd
}

// newApp loads the configuration and builds the logger and the registry.
func newApp(cmd *cobra.Command, opts *options) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	logger, flush := logging.New(logging.Options{
		Level:    opts.logLevel,
		Format:   logging.Format(opts.logFormat),
		Out:      cmd.ErrOrStderr(),
		Buffered: true,
	})

	m := amqpjobs.NewManager(cfg,
		amqpjobs.WithLogger(logger),
		amqpjobs.WithRegisterAttempts(opts.registerAttempts, opts.registerWait),
	)

	return &app{cfg: cfg, logger: logger, manager: m, flushLog: flush}, nil
}

// close closes the registry and then flushes the log.
func (a *app) close() {
	if err := a.manager.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close connections")
	}
	_ = a.flushLog()
}

// jobFor returns a copy of the job configured for name.
func (a *app) jobFor(name string) (*job.Descriptor, error) {
	cc, ok := a.cfg.Lookup(name)
	if !ok {
		return nil, &amqpjobs.MissingConfigError{Name: name}
	}
	if cc.Job == nil {
		return nil, fmt.Errorf("connection %q has no job", name)
	}
	d := cc.Job.Clone()
	if d.Connection == "" {
		d.Connection = name
	}
	return d, nil
}
