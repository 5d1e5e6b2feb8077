// Package progress defines the event structures emitted while a crawl runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Dankin/vmware-kb/internal/kb"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunHeartbeat Stage = "RUN_HEARTBEAT"
	StageRunDone      Stage = "RUN_DONE"
	StageRunError     Stage = "RUN_ERROR"
	StageArticleDone  Stage = "ARTICLE_DONE"
)

// Event captures one step of crawl progress.
type Event struct {
	// RunID identifies the crawl run in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// RangeStart and RangeEnd describe the id range of a starting run.
	RangeStart int
	RangeEnd   int
	// KB is the article id of an ARTICLE_DONE event.
	KB     int
	Status kb.Status
	// Attempts counts page fetch attempts for the article.
	Attempts int
	// Dur is the article processing time, or the run time for RUN_DONE/RUN_ERROR.
	Dur time.Duration
	// Note carries low-volume context such as error text or a title.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunHeartbeat, StageRunDone, StageRunError:
	case StageRunStart:
		if e.RangeStart > e.RangeEnd {
			return fmt.Errorf("run range %d-%d is inverted", e.RangeStart, e.RangeEnd)
		}
	case StageArticleDone:
		if e.KB <= 0 {
			return errors.New("article event requires kb number")
		}
		switch e.Status {
		case kb.StatusSuccess, kb.StatusSkipped, kb.StatusFailed:
		default:
			return fmt.Errorf("unknown article status %q", e.Status)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ArticleDone builds the event reporting a finished article.
func ArticleDone(runID uuid.UUID, res kb.Result, at time.Time) Event {
	evt := Event{
		RunID:    UUIDToBytes(runID),
		TS:       at.UTC(),
		Stage:    StageArticleDone,
		KB:       res.ID,
		Status:   res.Status,
		Attempts: res.Attempts,
		Dur:      res.Duration,
	}
	if res.Err != nil {
		evt.Note = res.Err.Error()
	}
	return evt
}
