package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/amqpjobs/health"
)

func newHealthCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health [name...]",
		Short: "Check connections and queues of the configured jobs",
		Long: `Register the jobs of the given connections, or of every connection with a
job, and report whether their connections, channels and queues are healthy.
Exits non-zero when any check is unhealthy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doHealth(cmd, opts, args)
		},
	}
	cmd.Flags().Duration("timeout", 10*time.Second, "Time allowed for all checks")
	cmd.Flags().Int("message-threshold", health.DefaultMessageThreshold, "Queue depth reported as degraded")
	return cmd
}

func doHealth(cmd *cobra.Command, opts *options, names []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	threshold, _ := cmd.Flags().GetInt("message-threshold")

	a, err := newApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.close()

	if len(names) == 0 {
		for _, name := range a.cfg.Names() {
			if cc, _ := a.cfg.Lookup(name); cc.Job != nil {
				names = append(names, name)
			}
		}
	}

	registry := health.NewRegistry()
	registry.Register(health.NewManagerChecker(a.manager))

	ctx := cmd.Context()
	for _, name := range names {
		d, err := a.jobFor(name)
		if err != nil {
			return err
		}
		if err := a.manager.Register(ctx, d); err != nil {
			a.logger.Error().Err(err).Str("connection", name).Msg("registration failed")
			failed := err
			registry.Register(health.NewCheckerFunc("connect_"+name, func(ctx context.Context) health.CheckResult {
				return health.CheckResult{
					Name:      "connect_" + name,
					Status:    health.StatusUnhealthy,
					Message:   "Failed to register",
					Error:     failed.Error(),
					Timestamp: time.Now(),
				}
			}))
			continue
		}
		if d.Queue.Name != "" {
			registry.Register(health.NewQueueChecker(a.manager, name, health.WithMessageThreshold(threshold)))
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result := registry.Check(checkCtx)

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return err
	}

	if result.Status == health.StatusUnhealthy {
		return fmt.Errorf("health check failed: %s", result.Status)
	}
	return nil
}
