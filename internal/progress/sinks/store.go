package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/runprogress/internal/progress"
	"github.com/JakeFAU/runprogress/internal/store"
)

// StoreSink persists run history via a store.RunRepository. Advances within a
// batch are collapsed into one progress write per run.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies the batch in order. It respects ctx deadlines and returns
// repository errors wrapped with the failing operation.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]*progressDelta)

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.Target, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageRunAdvance:
			recordDelta(pending, runID, evt)
		case progress.StageRunDone, progress.StageRunFailed, progress.StageRunCanceled:
			if err := s.flushRun(ctx, pending, runID); err != nil {
				return err
			}
			var note *string
			if evt.Note != "" {
				note = &evt.Note
			}
			if err := s.repo.CompleteRun(ctx, runID, evt.TS, statusFor(evt.Stage), evt.Current, note); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
		}
	}

	for runID := range pending {
		if err := s.flushRun(ctx, pending, runID); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flushRun(ctx context.Context, pending map[uuid.UUID]*progressDelta, runID uuid.UUID) error {
	delta, ok := pending[runID]
	if !ok {
		return nil
	}
	delete(pending, runID)
	if err := s.repo.RecordProgress(ctx, runID, delta.current, delta.units, delta.at); err != nil {
		return fmt.Errorf("record run progress: %w", err)
	}
	return nil
}

func recordDelta(pending map[uuid.UUID]*progressDelta, runID uuid.UUID, evt progress.Event) {
	delta := pending[runID]
	if delta == nil {
		delta = &progressDelta{}
		pending[runID] = delta
	}
	delta.current = max(delta.current, evt.Current)
	delta.units = max(delta.units, evt.Unit)
	if evt.TS.After(delta.at) {
		delta.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type progressDelta struct {
	current int64
	units   int
	at      time.Time
}
