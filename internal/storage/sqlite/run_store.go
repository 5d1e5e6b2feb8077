package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Dankin/vmware-kb/internal/store"
)

// RunStore implements store.RunRepository on the crawl_runs table.
type RunStore struct {
	store *Store
}

var _ store.RunRepository = (*RunStore)(nil)

// Runs returns the crawl run repository sharing this database.
func (s *Store) Runs() *RunStore {
	return &RunStore{store: s}
}

// StartRun inserts a running crawl; an existing id is left untouched.
func (r *RunStore) StartRun(ctx context.Context, id uuid.UUID, rangeStart, rangeEnd int, at time.Time) error {
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO crawl_runs (id, range_start, range_end, started_at, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id.String(), rangeStart, rangeEnd, formatTime(at), string(store.RunRunning))
	if err != nil {
		return fmt.Errorf("starting run %s: %w", id, err)
	}
	return nil
}

// CompleteRun records the final status of a run.
func (r *RunStore) CompleteRun(ctx context.Context, id uuid.UUID, at time.Time, status store.RunStatus, errMsg *string) error {
	var msg sql.NullString
	if errMsg != nil {
		msg = sql.NullString{String: *errMsg, Valid: true}
	}
	res, err := r.store.db.ExecContext(ctx, `
		UPDATE crawl_runs SET finished_at = ?, status = ?, error_message = ? WHERE id = ?
	`, formatTime(at), string(status), msg, id.String())
	if err != nil {
		return fmt.Errorf("completing run %s: %w", id, err)
	}
	return requireRow(res, id)
}

// AddCounts increments the run counters by delta.
func (r *RunStore) AddCounts(ctx context.Context, id uuid.UUID, delta store.Counts, at time.Time) error {
	stamp := formatTime(at)
	res, err := r.store.db.ExecContext(ctx, `
		UPDATE crawl_runs
		SET succeeded = succeeded + ?,
			skipped = skipped + ?,
			failed = failed + ?,
			last_update = MAX(COALESCE(last_update, ?), ?)
		WHERE id = ?
	`, delta.Succeeded, delta.Skipped, delta.Failed, stamp, stamp, id.String())
	if err != nil {
		return fmt.Errorf("adding counts to run %s: %w", id, err)
	}
	return requireRow(res, id)
}

// GetRun loads a single run.
func (r *RunStore) GetRun(ctx context.Context, id uuid.UUID) (store.Run, error) {
	row := r.store.db.QueryRowContext(ctx, `
		SELECT id, range_start, range_end, started_at, finished_at, status,
			succeeded, skipped, failed, last_update, error_message
		FROM crawl_runs WHERE id = ?
	`, id.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("loading run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (r *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	var filter sql.NullString
	if status != nil {
		filter = sql.NullString{String: string(*status), Valid: true}
	}
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT id, range_start, range_end, started_at, finished_at, status,
			succeeded, skipped, failed, last_update, error_message
		FROM crawl_runs
		WHERE (?1 IS NULL OR status = ?1)
		ORDER BY started_at DESC
		LIMIT ?2 OFFSET ?3
	`, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (store.Run, error) {
	var (
		run                  store.Run
		id, started, status  string
		finished, lastUpdate sql.NullString
		errMsg               sql.NullString
	)
	if err := row.Scan(&id, &run.RangeStart, &run.RangeEnd, &started, &finished, &status,
		&run.Succeeded, &run.Skipped, &run.Failed, &lastUpdate, &errMsg); err != nil {
		return store.Run{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return store.Run{}, fmt.Errorf("parsing run id %q: %w", id, err)
	}
	run.ID = parsed
	run.Status = store.RunStatus(status)
	if run.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return store.Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	run.FinishedAt = parseNullableTime(finished)
	run.LastUpdate = parseNullableTime(lastUpdate)
	if errMsg.Valid {
		run.ErrorMessage = &errMsg.String
	}
	return run, nil
}

func requireRow(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("updating run %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// timeLayout is fixed width so that lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
