// Command verifyctl inspects and replays dead-lettered verification emails.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/config"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/infrastructure/messaging/rabbitmq"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/logger"
)

// clientFactory is swapped in tests.
type clientFactory func(cfg *config.Config) dlqClient

func newRabbitClient(cfg *config.Config) dlqClient {
	return rabbitmq.NewClient(rabbitmq.Config{
		URL:            cfg.RabbitURL,
		Queue:          cfg.Queue,
		RetryDelay:     cfg.RetryDelay,
		PublishTimeout: cfg.PublishTimeout,
	}, zlog.Logger)
}

func newRootCmd(load func() (*config.Config, error), newClient clientFactory) *cobra.Command {
	var client dlqClient

	root := &cobra.Command{
		Use:           "verifyctl",
		Short:         "Operator tooling for the verification email pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect or replay the dead-letter queue",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			client = newClient(cfg)
			if err := client.Connect(cmd.Context()); err != nil {
				return fmt.Errorf("connect broker: %w", err)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if client != nil {
				return client.Close()
			}
			return nil
		},
	}

	var peekLimit int
	peek := &cobra.Command{
		Use:   "peek",
		Short: "Print dead-lettered messages without removing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := peekDLQ(cmd.Context(), client, peekLimit, cmd.OutOrStdout())
			fmt.Fprintf(cmd.OutOrStdout(), "%d message(s)\n", n)
			return err
		},
	}
	peek.Flags().IntVar(&peekLimit, "limit", 10, "maximum messages to show")

	var replayLimit int
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Move dead-lettered messages back to the main queue with a fresh attempt budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := replayDLQ(cmd.Context(), client, replayLimit)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d message(s)\n", n)
			return err
		},
	}
	replay.Flags().IntVar(&replayLimit, "limit", 100, "maximum messages to replay")

	dlq.AddCommand(peek, replay)
	root.AddCommand(dlq)
	return root
}

func main() {
	logger.Init("verifyctl")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(config.LoadTool, newRabbitClient).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
