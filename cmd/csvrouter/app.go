package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvrouter/internal/config"
	"github.com/JonMunkholm/csvrouter/internal/core"
	"github.com/JonMunkholm/csvrouter/internal/ledger"
	"github.com/JonMunkholm/csvrouter/internal/logging"
	"github.com/JonMunkholm/csvrouter/internal/metrics"
	"github.com/JonMunkholm/csvrouter/internal/route"
	"github.com/JonMunkholm/csvrouter/internal/storage"
	"github.com/JonMunkholm/csvrouter/internal/storage/localfs"
	"github.com/JonMunkholm/csvrouter/internal/storage/s3store"
)

// app is everything a command needs, built once from configuration.
type app struct {
	cfg      *config.Config
	store    storage.Store
	history  ledger.Store
	pool     *pgxpool.Pool
	registry *prometheus.Registry
	service  *core.Service
}

// loadConfig reads the env file named by --env-file, then the environment,
// and configures logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	// Overload overwrites existing env vars
	if err := godotenv.Overload(envFile); err != nil {
		slog.Debug("no env file loaded, using environment variables", "file", envFile)
	} else {
		slog.Debug("loaded env file", "file", envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	slog.Debug("configuration loaded", "config", cfg.String())

	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if a.store, err = buildStore(cfg.Storage); err != nil {
		return nil, err
	}
	if a.history, err = a.buildLedger(ctx); err != nil {
		return nil, err
	}

	collector := metrics.New(a.registry)
	a.service, err = core.NewService(core.Options{
		Store:         a.store,
		Policy:        buildPolicy(cfg.Router),
		Prefix:        cfg.Storage.DestPrefix,
		Delimiter:     cfg.Router.DelimiterRune(),
		LazyQuotes:    cfg.Router.LazyQuotes,
		MaxConcurrent: cfg.Run.MaxConcurrent,
		MaxWait:       cfg.Run.MaxWaitTime,
		Timeout:       cfg.Run.Timeout,
		Retention:     cfg.Run.Retention,
		Recorder:      core.MultiRecorder(a.history, collector),
		Observer:      collector,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	slog.Info("csvrouter ready",
		"backend", cfg.Storage.Backend,
		"policy", a.service.PolicyName(),
		"max_concurrent", cfg.Run.MaxConcurrent,
		"ledger", a.ledgerKind(),
	)
	return a, nil
}

func (a *app) buildLedger(ctx context.Context) (ledger.Store, error) {
	if a.cfg.Database.URL == "" {
		return ledger.NewMemory(), nil
	}
	pool, err := ledger.Connect(ctx, a.cfg.Database)
	if err != nil {
		return nil, err
	}
	pg := ledger.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	a.pool = pool
	return pg, nil
}

func (a *app) ledgerKind() string {
	if a.pool != nil {
		return "postgres"
	}
	return "memory"
}

// Close releases the database pool, if any.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func buildStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		return localfs.New(localfs.Options{
			SourceDir: cfg.SourceDir,
			OutputDir: cfg.OutputDir,
		}), nil
	case config.BackendS3:
		return s3store.New(s3store.Options{
			SourceBucket:   cfg.SourceBucket,
			DestBucket:     cfg.DestBucket,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			ForcePathStyle: cfg.ForcePathStyle,
			MaxRetries:     cfg.MaxRetries,
			PartSize:       cfg.UploadPartSize,
			Concurrency:    cfg.UploadConcurrency,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func buildPolicy(cfg config.RouterConfig) route.Policy {
	if cfg.Policy == config.PolicyFields {
		return route.FieldPolicy(cfg.PartitionFields, cfg.GroupFields, cfg.FileExtension)
	}
	return route.SchoolPolicy()
}

// drain waits for in-flight runs, cancelling them if they outlast ctx.
func (a *app) drain(ctx context.Context) {
	status := a.service.LimiterStatus()
	if status.Active == 0 {
		return
	}
	slog.Info("waiting for runs to complete", "active", status.Active)
	if err := a.service.WaitForRuns(ctx); err != nil {
		slog.Warn("runs did not complete in time, cancelling", "error", err)
		a.service.CancelAll()
		// Cancelled runs settle quickly; their results are still recorded.
		_ = a.service.WaitForRuns(context.Background())
		return
	}
	slog.Info("all runs completed")
}

// errRunFailed is returned by commands whose run did not succeed, after
// the result was printed.
var errRunFailed = errors.New("run failed")
