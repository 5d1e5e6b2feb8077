package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Dankin/vmware-kb/internal/store"
)

const runColumns = `id, range_start, range_end, started_at, finished_at, status,
	succeeded, skipped, failed, last_update, error_message`

// RunStore implements store.RunRepository over the crawl_runs table.
type RunStore struct {
	pool Pool
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs a RunStore sharing pool with the article store.
func NewRunStore(pool Pool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// StartRun inserts a running crawl; an existing id is left untouched.
func (s *RunStore) StartRun(ctx context.Context, id uuid.UUID, rangeStart, rangeEnd int, at time.Time) error {
	const query = `
INSERT INTO crawl_runs (id, range_start, range_end, started_at, status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, id, rangeStart, rangeEnd, at, string(store.RunRunning)); err != nil {
		return fmt.Errorf("start run %s: %w", id, err)
	}
	return nil
}

// CompleteRun records the final status of a run.
func (s *RunStore) CompleteRun(ctx context.Context, id uuid.UUID, at time.Time, status store.RunStatus, errMsg *string) error {
	const query = `
UPDATE crawl_runs
SET finished_at = $1, status = $2, error_message = $3
WHERE id = $4`
	tag, err := s.pool.Exec(ctx, query, at, string(status), errMsg, id)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// AddCounts increments the run counters by delta.
func (s *RunStore) AddCounts(ctx context.Context, id uuid.UUID, delta store.Counts, at time.Time) error {
	const query = `
UPDATE crawl_runs
SET succeeded = succeeded + $1,
	skipped = skipped + $2,
	failed = failed + $3,
	last_update = GREATEST(COALESCE(last_update, $4), $4)
WHERE id = $5`
	tag, err := s.pool.Exec(ctx, query, delta.Succeeded, delta.Skipped, delta.Failed, at, id)
	if err != nil {
		return fmt.Errorf("add counts to run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("add counts to run %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// GetRun loads a single run.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (store.Run, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+runColumns+" FROM crawl_runs WHERE id = $1", id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	query := "SELECT " + runColumns + ` FROM crawl_runs
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.RangeStart,
		&run.RangeEnd,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Succeeded,
		&run.Skipped,
		&run.Failed,
		&run.LastUpdate,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.Run{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
