package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dankin/vmware-kb/internal/store"
)

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	runs := setupTestStore(t).Runs()
	ctx := context.Background()
	id := uuid.New()
	started := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, runs.StartRun(ctx, id, 100, 199, started))
	require.NoError(t, runs.StartRun(ctx, id, 1, 2, started.Add(time.Hour)))

	require.NoError(t, runs.AddCounts(ctx, id, store.Counts{Succeeded: 5, Skipped: 1}, started.Add(2*time.Minute)))
	require.NoError(t, runs.AddCounts(ctx, id, store.Counts{Failed: 2}, started.Add(time.Minute)))

	run, err := runs.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, run.RangeStart)
	assert.Equal(t, 199, run.RangeEnd)
	assert.True(t, started.Equal(run.StartedAt))
	assert.Equal(t, store.RunRunning, run.Status)
	assert.Equal(t, store.Counts{Succeeded: 5, Skipped: 1, Failed: 2}, run.Counts)
	require.NotNil(t, run.LastUpdate)
	assert.True(t, started.Add(2*time.Minute).Equal(*run.LastUpdate))
	assert.Nil(t, run.FinishedAt)

	msg := "context canceled"
	require.NoError(t, runs.CompleteRun(ctx, id, started.Add(time.Hour), store.RunError, &msg))
	run, err = runs.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RunError, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, msg, *run.ErrorMessage)
	require.NotNil(t, run.FinishedAt)
}

func TestRunStoreUnknownRun(t *testing.T) {
	t.Parallel()

	runs := setupTestStore(t).Runs()
	ctx := context.Background()
	id := uuid.New()

	_, err := runs.GetRun(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, runs.AddCounts(ctx, id, store.Counts{Failed: 1}, time.Now()), store.ErrNotFound)
	require.ErrorIs(t, runs.CompleteRun(ctx, id, time.Now(), store.RunSuccess, nil), store.ErrNotFound)
}

func TestListRunsNewestFirstWithFilter(t *testing.T) {
	t.Parallel()

	runs := setupTestStore(t).Runs()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, id := range ids {
		require.NoError(t, runs.StartRun(ctx, id, i*10, i*10+9, base.Add(time.Duration(i)*time.Hour)))
	}
	require.NoError(t, runs.CompleteRun(ctx, ids[1], base.Add(5*time.Hour), store.RunSuccess, nil))

	all, err := runs.ListRuns(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []uuid.UUID{ids[2], ids[1], ids[0]}, []uuid.UUID{all[0].ID, all[1].ID, all[2].ID})

	running := store.RunRunning
	open, err := runs.ListRuns(ctx, &running, 10, 0)
	require.NoError(t, err)
	require.Len(t, open, 2)

	page, err := runs.ListRuns(ctx, nil, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)
}
