package main

import (
	"fmt"
	"io"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
)

func newProduceCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "produce <name> [message]",
		Short: "Publish a message with the job of a connection",
		Long: `Publish a message with the job of a connection. The message is read
from stdin when it is not given as an argument.

The producer declares the exchange but does not bind the queue: start the
consumer of a topic or fanout job first or the message is dropped.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doProduce(cmd, opts, args)
		},
	}

	cmd.Flags().StringSliceP("header", "H", []string{}, "Message headers in key=value format")
	cmd.Flags().IntP("count", "n", 1, "Number of times to publish the message")

	return cmd
}

func doProduce(cmd *cobra.Command, opts *options, args []string) error {
	count, _ := cmd.Flags().GetInt("count")
	headerSlice, _ := cmd.Flags().GetStringSlice("header")

	headers, err := parseHeaders(headerSlice)
	if err != nil {
		return err
	}

	var body []byte
	if len(args) > 1 {
		body = []byte(args[1])
	} else {
		body, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
	}

	a, err := newApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.close()

	d, err := a.jobFor(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := a.manager.Register(ctx, d); err != nil {
		return err
	}

	h, err := a.manager.Connection(d.Connection)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if err := h.PublishWithHeaders(ctx, body, headers); err != nil {
			return err
		}
	}

	a.logger.Info().Str("connection", d.Connection).Int("count", count).Msg("messages published")
	return nil
}

func parseHeaders(pairs []string) (amqp.Table, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	headers := amqp.Table{}
	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("invalid header: %s", pair)
		}
		headers[kv[0]] = kv[1]
	}
	return headers, nil
}
