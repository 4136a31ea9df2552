package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvrouter/internal/ledger"
	"github.com/JonMunkholm/csvrouter/internal/web"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API.",
		Long: `Serve the HTTP API on SERVER_HOST:SERVER_PORT.

Runs started over HTTP are recorded in the ledger (PostgreSQL when
DATABASE_URL is set, otherwise in memory). On SIGINT or SIGTERM the server
stops accepting requests and waits up to SERVER_SHUTDOWN_TIMEOUT for active runs.`,
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

			server := web.NewServer(web.Options{
				Service: a.service,
				History: a.history,
				Metrics: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
				Config:  a.cfg,
			})

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start(a.cfg.Server.Addr())
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			slog.Info("shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("server shutdown error", "error", err)
			}
			a.drain(shutdownCtx)
			slog.Info("server stopped")
			return nil
		},
	}
}
