package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/csvrouter/internal/config"
	"github.com/JonMunkholm/csvrouter/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS csv_router_runs (
	run_id           TEXT PRIMARY KEY,
	source           TEXT NOT NULL,
	policy           TEXT NOT NULL,
	origin           TEXT NOT NULL DEFAULT '',
	phase            TEXT NOT NULL,
	row_count        INTEGER NOT NULL DEFAULT 0,
	skipped          INTEGER NOT NULL DEFAULT 0,
	bytes_read       BIGINT NOT NULL DEFAULT 0,
	group_count      INTEGER NOT NULL DEFAULT 0,
	committed        INTEGER NOT NULL DEFAULT 0,
	cleanup_failures INTEGER NOT NULL DEFAULT 0,
	error_code       TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS csv_router_runs_started_at_idx ON csv_router_runs (started_at DESC);
CREATE TABLE IF NOT EXISTS csv_router_outputs (
	run_id        TEXT NOT NULL REFERENCES csv_router_runs (run_id) ON DELETE CASCADE,
	path          TEXT NOT NULL,
	partition_key TEXT NOT NULL,
	row_count     INTEGER NOT NULL,
	state         TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS csv_router_outputs_run_id_idx ON csv_router_outputs (run_id);
`

const runColumns = `run_id, source, policy, origin, phase, row_count, skipped, bytes_read, group_count,
	committed, cleanup_failures, error_code, error, started_at, finished_at`

var outputColumns = []string{"run_id", "path", "partition_key", "row_count", "state", "error"}

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// Connect opens a pool with the configured limits and verifies it with a
// ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewPostgres returns a ledger using pool. Call Migrate once before use.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

func (p *Postgres) RecordStart(ctx context.Context, info core.RunInfo) error {
	run := startedRun(info)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO csv_router_runs (run_id, source, policy, origin, phase, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO NOTHING`,
		run.RunID, run.Source, run.Policy, run.Origin, run.Phase, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordFinish upserts the run row and replaces its outputs in one
// transaction. Outputs are loaded with COPY.
func (p *Postgres) RecordFinish(ctx context.Context, result *core.RunResult) error {
	if result == nil {
		return errors.New("ledger: nil result")
	}
	run := finishedRun(result)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if already committed

	_, err = tx.Exec(ctx, `
		INSERT INTO csv_router_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (run_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			row_count = EXCLUDED.row_count,
			skipped = EXCLUDED.skipped,
			bytes_read = EXCLUDED.bytes_read,
			group_count = EXCLUDED.group_count,
			committed = EXCLUDED.committed,
			cleanup_failures = EXCLUDED.cleanup_failures,
			error_code = EXCLUDED.error_code,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at`,
		run.RunID, run.Source, run.Policy, run.Origin, run.Phase, run.Rows, run.Skipped,
		run.BytesRead, run.Groups, run.Committed, run.CleanupFailures,
		run.ErrorCode, run.Error, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM csv_router_outputs WHERE run_id = $1`, run.RunID); err != nil {
		return fmt.Errorf("clear outputs: %w", err)
	}

	if len(run.Outputs) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"csv_router_outputs"},
			outputColumns,
			pgx.CopyFromSlice(len(run.Outputs), func(i int) ([]any, error) {
				o := run.Outputs[i]
				return []any{run.RunID, o.Path, o.Partition, o.Rows, o.State, o.Error}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy outputs: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+runColumns+` FROM csv_router_runs ORDER BY started_at DESC LIMIT $1`,
		listLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func (p *Postgres) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM csv_router_runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT path, partition_key, row_count, state, error
		FROM csv_router_outputs WHERE run_id = $1 ORDER BY path`, runID)
	if err != nil {
		return nil, fmt.Errorf("get outputs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o Output
		if err := rows.Scan(&o.Path, &o.Partition, &o.Rows, &o.State, &o.Error); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		run.Outputs = append(run.Outputs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get outputs: %w", err)
	}
	return &run, nil
}

// Prune deletes runs started before the cutoff. Outputs go with them.
func (p *Postgres) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM csv_router_runs WHERE started_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRun(row pgx.Row) (Run, error) {
	var r Run
	err := row.Scan(
		&r.RunID, &r.Source, &r.Policy, &r.Origin, &r.Phase, &r.Rows, &r.Skipped,
		&r.BytesRead, &r.Groups, &r.Committed, &r.CleanupFailures,
		&r.ErrorCode, &r.Error, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}
