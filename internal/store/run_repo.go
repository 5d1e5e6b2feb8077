package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("crawl run not found")

// RunStatus mirrors the crawl_runs.status column.
type RunStatus string

// Run statuses.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunError:
		return true
	}
	return false
}

// Run is one crawl over an inclusive id range.
type Run struct {
	ID         uuid.UUID
	RangeStart int
	RangeEnd   int
	StartedAt  time.Time
	// FinishedAt is nil while the run is in progress.
	FinishedAt *time.Time
	Status     RunStatus
	Counts
	// LastUpdate is the timestamp of the most recent counter delta.
	LastUpdate   *time.Time
	ErrorMessage *string
}

// Total is the number of ids resolved so far.
func (r Run) Total() int64 {
	return r.Succeeded + r.Skipped + r.Failed
}

// Counts holds per-status article totals or deltas.
type Counts struct {
	Succeeded int64
	Skipped   int64
	Failed    int64
}

// IsZero reports whether every counter is zero.
func (c Counts) IsZero() bool {
	return c == Counts{}
}

// RunRepository persists crawl runs and their article counters.
type RunRepository interface {
	// StartRun records a running crawl. Starting an existing run is a no-op.
	StartRun(ctx context.Context, id uuid.UUID, rangeStart, rangeEnd int, at time.Time) error
	// CompleteRun marks the run finished with status and an optional error.
	CompleteRun(ctx context.Context, id uuid.UUID, at time.Time, status RunStatus, errMsg *string) error
	// AddCounts adds delta to the run counters.
	AddCounts(ctx context.Context, id uuid.UUID, delta Counts, at time.Time) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	// ListRuns returns runs newest first, filtered by an optional status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
