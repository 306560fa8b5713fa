package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
)

// RunStore implements indexer.RunStore on Postgres. One row accumulates the
// counters for each (source, epoch) crawl run.
type RunStore struct {
	pool  pgxPool
	table string
}

// NewRunStoreWithPool constructs a RunStore sharing an existing pool. Run
// rows are small and infrequent, so they ride the record store's pool rather
// than opening a second one.
func NewRunStoreWithPool(pool pgxPool, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// Apply upserts one counter delta into the run row.
func (s *RunStore) Apply(ctx context.Context, delta indexer.RunDelta) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	if delta.Source == "" {
		return fmt.Errorf("delta source is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	source, epoch, tasks_dispatched, records_stored, retries, failures,
	bytes_fetched, started_at, last_activity_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$8
)
ON CONFLICT (source, epoch) DO UPDATE SET
	tasks_dispatched = %[1]s.tasks_dispatched + EXCLUDED.tasks_dispatched,
	records_stored = %[1]s.records_stored + EXCLUDED.records_stored,
	retries = %[1]s.retries + EXCLUDED.retries,
	failures = %[1]s.failures + EXCLUDED.failures,
	bytes_fetched = %[1]s.bytes_fetched + EXCLUDED.bytes_fetched,
	last_activity_at = GREATEST(%[1]s.last_activity_at, EXCLUDED.last_activity_at)`, s.table)

	args := []any{
		delta.Source,
		delta.Epoch,
		delta.Dispatched,
		delta.Records,
		delta.Retries,
		delta.Failures,
		delta.Bytes,
		delta.At,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("apply run delta: %w", err)
	}
	return nil
}

const runColumns = `source, epoch, tasks_dispatched, records_stored, retries,
	failures, bytes_fetched, started_at, last_activity_at`

// Get returns one run by (source, epoch), or indexer.ErrNotFound.
func (s *RunStore) Get(ctx context.Context, source string, epoch int64) (indexer.Run, error) {
	if s == nil || s.pool == nil {
		return indexer.Run{}, fmt.Errorf("run store is not configured")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE source = $1 AND epoch = $2`, runColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, source, epoch))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexer.Run{}, indexer.ErrNotFound
		}
		return indexer.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// List returns runs newest first, optionally filtered to one source.
func (s *RunStore) List(ctx context.Context, source string, limit, offset int) ([]indexer.Run, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE ($1 = '' OR source = $1)
ORDER BY epoch DESC, source
LIMIT $2 OFFSET $3`, runColumns, s.table)
	rows, err := s.pool.Query(ctx, query, source, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []indexer.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (indexer.Run, error) {
	var run indexer.Run
	err := row.Scan(
		&run.Source,
		&run.Epoch,
		&run.TasksDispatched,
		&run.RecordsStored,
		&run.Retries,
		&run.Failures,
		&run.BytesFetched,
		&run.StartedAt,
		&run.LastActivityAt,
	)
	return run, err
}
