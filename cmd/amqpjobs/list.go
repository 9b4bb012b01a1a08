package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/glimte/amqpjobs/config"
)

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the configured connections and their jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			printConnections(cmd, cfg)
			return nil
		},
	}
}

func printConnections(cmd *cobra.Command, cfg *config.Config) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "NAME\tBROKER\tEXCHANGE\tTYPE\tQUEUE\tROUTING KEY\n")

	for _, name := range cfg.Names() {
		cc, _ := cfg.Lookup(name)
		exchange, kind, queue, key := "-", "-", "-", "-"
		if d := cc.Job; d != nil {
			exchange = orDash(d.Exchange.Name)
			if t, _ := d.EffectiveExchange(); t != "" {
				kind = t
			}
			queue = orDash(d.Queue.Name)
			key = orDash(d.PublishRoutingKey())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", name, cc, exchange, kind, queue, key)
	}
	w.Flush()

	if !cfg.Enable {
		fmt.Fprintln(cmd.OutOrStdout(), "\njob bootstrap is disabled (enable: false)")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
