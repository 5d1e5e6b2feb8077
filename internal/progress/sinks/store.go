package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Dankin/vmware-kb/internal/kb"
	"github.com/Dankin/vmware-kb/internal/progress"
	"github.com/Dankin/vmware-kb/internal/store"
)

// StoreSink writes run lifecycle events to a store.RunRepository. Article
// events in a batch are collapsed into one counter delta per run.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type countDelta struct {
	store.Counts
	at time.Time
}

// Consume applies batch to the repository. Run starts are written before any
// counter delta and completions after, so a single batch may carry a whole run.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*countDelta)
	var finished []progress.Event

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, runID, evt.RangeStart, evt.RangeEnd, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageRunDone, progress.StageRunError:
			finished = append(finished, evt)
		case progress.StageArticleDone:
			d := deltas[runID]
			if d == nil {
				d = &countDelta{}
				deltas[runID] = d
			}
			switch evt.Status {
			case kb.StatusSuccess:
				d.Succeeded++
			case kb.StatusSkipped:
				d.Skipped++
			case kb.StatusFailed:
				d.Failed++
			}
			if evt.TS.After(d.at) {
				d.at = evt.TS
			}
		}
	}

	for runID, d := range deltas {
		if d.IsZero() {
			continue
		}
		if err := s.repo.AddCounts(ctx, runID, d.Counts, d.at); err != nil {
			return fmt.Errorf("add run counts: %w", err)
		}
	}

	for _, evt := range finished {
		status := store.RunSuccess
		var note *string
		if evt.Stage == progress.StageRunError {
			status = store.RunError
			if evt.Note != "" {
				msg := evt.Note
				note = &msg
			}
		}
		if err := s.repo.CompleteRun(ctx, evt.RunUUID(), evt.TS, status, note); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
