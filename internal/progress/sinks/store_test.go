package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/runprogress/internal/progress"
	"github.com/JakeFAU/runprogress/internal/store"
	"github.com/JakeFAU/runprogress/internal/storage/memory"
)

// TestStoreSinkPersistsEvents ensures advances are collapsed before persisting.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now, Target: 100},
		{RunID: runID, Stage: progress.StageRunAdvance, TS: now.Add(time.Second), Current: 10, Target: 100, Unit: 1},
		{RunID: runID, Stage: progress.StageRunAdvance, TS: now.Add(2 * time.Second), Current: 20, Target: 100, Unit: 2},
		{RunID: runID, Stage: progress.StageRunCanceled, TS: now.Add(3 * time.Second), Current: 20, Target: 100, Note: "canceled"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.starts, 1)
	require.Len(t, repo.progress, 1)
	require.Equal(t, int64(20), repo.progress[0].current)
	require.Equal(t, 2, repo.progress[0].units)
	require.True(t, now.Add(2*time.Second).Equal(repo.progress[0].at))

	require.Len(t, repo.completes, 1)
	require.Equal(t, store.RunCanceled, repo.completes[0].status)
	require.Equal(t, "canceled", *repo.completes[0].note)
	require.Equal(t, []string{"start", "progress", "complete"}, repo.calls)
}

// TestStoreSinkFlushesTrailingProgress writes advances for runs still in flight.
func TestStoreSinkFlushesTrailingProgress(t *testing.T) {
	t.Parallel()

	repo := memory.NewRunStore()
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now().UTC()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now, Target: 100},
		{RunID: runID, Stage: progress.StageRunAdvance, TS: now, Current: 10, Target: 100, Unit: 1},
	}))
	run, err := repo.GetRun(context.Background(), runUUID)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, run.Status)
	require.Equal(t, int64(10), run.Current)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunDone, TS: now, Current: 100, Target: 100},
	}))
	run, err = repo.GetRun(context.Background(), runUUID)
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, run.Status)
	require.Equal(t, int64(100), run.Current)
	require.Nil(t, run.ErrorMessage)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{startErr: errors.New("db down")}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{{
		RunID: progress.UUIDToBytes(uuid.New()),
		Stage: progress.StageRunStart,
		TS:    time.Now(),
	}})
	require.ErrorContains(t, err, "upsert run start")
	require.ErrorIs(t, err, repo.startErr)
}

func TestStoreSinkNilRepo(t *testing.T) {
	t.Parallel()

	var sink *StoreSink
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{Stage: progress.StageRunStart}}))
	require.NoError(t, NewStoreSink(nil, nil).Consume(context.Background(), nil))
}

type progressCall struct {
	current int64
	units   int
	at      time.Time
}

type completeCall struct {
	status store.RunStatus
	note   *string
}

type fakeRunRepo struct {
	mu        sync.Mutex
	calls     []string
	starts    []uuid.UUID
	progress  []progressCall
	completes []completeCall
	startErr  error
}

func (f *fakeRunRepo) UpsertRunStart(_ context.Context, runID uuid.UUID, _ int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.calls = append(f.calls, "start")
	f.starts = append(f.starts, runID)
	return nil
}

func (f *fakeRunRepo) RecordProgress(_ context.Context, _ uuid.UUID, current int64, units int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "progress")
	f.progress = append(f.progress, progressCall{current: current, units: units, at: at})
	return nil
}

func (f *fakeRunRepo) CompleteRun(
	_ context.Context,
	_ uuid.UUID,
	_ time.Time,
	status store.RunStatus,
	_ int64,
	note *string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "complete")
	f.completes = append(f.completes, completeCall{status: status, note: note})
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, store.ErrNotFound
}

func (f *fakeRunRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, nil
}
