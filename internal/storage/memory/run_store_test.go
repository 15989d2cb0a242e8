package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/runprogress/internal/store"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	runs := NewRunStore()
	runID := uuid.New()
	start := time.Unix(1700000000, 0).UTC()

	require.NoError(t, runs.UpsertRunStart(ctx, runID, 100, start))
	require.NoError(t, runs.UpsertRunStart(ctx, runID, 100, start.Add(time.Hour)), "replayed start is ignored")
	require.NoError(t, runs.RecordProgress(ctx, runID, 30, 3, start.Add(time.Second)))
	require.NoError(t, runs.RecordProgress(ctx, runID, 20, 2, start.Add(2*time.Second)), "progress never moves backwards")

	run, err := runs.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, run.Status)
	require.Equal(t, int64(30), run.Current)
	require.Equal(t, 3, run.Units)
	require.True(t, start.Equal(run.StartedAt))

	reason := "canceled"
	require.NoError(t, runs.CompleteRun(ctx, runID, start.Add(3*time.Second), store.RunCanceled, 30, &reason))
	require.NoError(t, runs.RecordProgress(ctx, runID, 40, 4, start.Add(4*time.Second)))

	run, err = runs.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, store.RunCanceled, run.Status)
	require.Equal(t, int64(30), run.Current, "settled runs ignore late progress")
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, "canceled", *run.ErrorMessage)
}

func TestRunStoreNotFound(t *testing.T) {
	t.Parallel()

	runs := NewRunStore()
	_, err := runs.GetRun(context.Background(), uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)

	err = runs.CompleteRun(context.Background(), uuid.New(), time.Now(), store.RunSuccess, 100, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunStoreListRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	runs := NewRunStore()
	base := time.Unix(1700000000, 0).UTC()
	ids := make([]uuid.UUID, 4)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, runs.UpsertRunStart(ctx, ids[i], 100, base.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, runs.CompleteRun(ctx, ids[0], base.Add(time.Hour), store.RunSuccess, 100, nil))
	require.NoError(t, runs.CompleteRun(ctx, ids[2], base.Add(time.Hour), store.RunSuccess, 100, nil))

	all, err := runs.ListRuns(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, ids[3], all[0].ID, "newest first")

	success := store.RunSuccess
	done, err := runs.ListRuns(ctx, &success, 10, 0)
	require.NoError(t, err)
	require.Len(t, done, 2)
	require.Equal(t, ids[2], done[0].ID)

	page, err := runs.ListRuns(ctx, nil, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, ids[2], page[0].ID)

	empty, err := runs.ListRuns(ctx, nil, 10, 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}
