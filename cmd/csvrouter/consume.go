package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvrouter/internal/ledger"
	"github.com/JonMunkholm/csvrouter/internal/logging"
	"github.com/JonMunkholm/csvrouter/internal/trigger"
)

func newConsumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Start runs from S3 event notifications on an AMQP queue.",
		Long: `Consume S3 event notifications from AMQP_QUEUE on AMQP_URL and start a run
for each created object. A message is acknowledged once its runs have started;
messages that arrive while every run slot is busy are requeued.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			go ledger.StartPruneScheduler(ctx, a.history, ledger.PruneConfig{
				Retention:     a.cfg.Database.HistoryRetention,
				CheckInterval: a.cfg.Database.PruneInterval,
			})

			conn, ch, err := trigger.Dial(a.cfg.Queue.URL)
			if err != nil {
				return err
			}
			defer conn.Close()

			log := logging.WithFields(ctx, "queue", a.cfg.Queue.Name)
			consumer := trigger.NewConsumer(ch, a.cfg.Queue.Name, a.cfg.Queue.Prefetch, a.service, log)
			runErr := consumer.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			a.drain(shutdownCtx)

			if ctx.Err() != nil {
				return nil
			}
			return runErr
		},
	}
}
