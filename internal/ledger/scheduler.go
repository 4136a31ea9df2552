package ledger

// scheduler.go runs periodic history pruning. It is long-running and
// context-aware for graceful shutdown; a failed prune is logged and retried
// on the next tick.

import (
	"context"
	"log/slog"
	"time"
)

// PruneConfig holds configuration for the prune scheduler.
type PruneConfig struct {
	Retention     time.Duration // Age after which runs are deleted; 0 disables pruning
	CheckInterval time.Duration // How often to run (default: 24h)
}

// StartPruneScheduler deletes runs older than cfg.Retention immediately and
// then every cfg.CheckInterval until ctx is cancelled. It blocks; run it in
// its own goroutine.
func StartPruneScheduler(ctx context.Context, p Pruner, cfg PruneConfig) {
	if cfg.Retention <= 0 {
		slog.Info("ledger pruning disabled")
		return
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 24 * time.Hour
	}

	slog.Info("prune scheduler started",
		"retention", cfg.Retention,
		"interval", cfg.CheckInterval,
	)

	runPruneJob(ctx, p, cfg.Retention, time.Now)

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("prune scheduler stopped")
			return
		case <-ticker.C:
			runPruneJob(ctx, p, cfg.Retention, time.Now)
		}
	}
}

// runPruneJob performs one prune cycle and returns the number of runs
// deleted.
func runPruneJob(ctx context.Context, p Pruner, retention time.Duration, now func() time.Time) int64 {
	start := time.Now()
	cutoff := now().Add(-retention)

	n, err := p.Prune(ctx, cutoff)
	if err != nil {
		slog.Error("ledger prune failed", "error", err)
		return 0
	}
	slog.Info("pruned run history",
		"runs_deleted", n,
		"cutoff", cutoff,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return n
}
