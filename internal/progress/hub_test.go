package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Dankin/vmware-kb/internal/kb"
)

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(articleEvent(1))
	hub.Emit(articleEvent(2))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesAfterWait(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 20 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(articleEvent(7))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubEmitDoesNotBlockWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(articleEvent(1))
	hub.Emit(articleEvent(2))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	// The first drop is reported and reset; the second is still pending.
	assert.Equal(t, int64(1), hub.Dropped())
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Stage: StageArticleDone})
	require.NoError(t, hub.Close(context.Background()))
	assert.Empty(t, sink.Batches())
	assert.True(t, sink.Closed())
}

func TestHubCloseDrainsBufferedEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(articleEvent(3))
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, sink.Batches(), 1)
	assert.Len(t, sink.Batches()[0], 1)
	assert.True(t, sink.Closed())

	hub.Emit(articleEvent(4))
	assert.Len(t, sink.Batches(), 1)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	runID := UUIDToBytes(uuid.New())
	now := time.Now()
	cases := []struct {
		name string
		evt  Event
		ok   bool
	}{
		{"run start", Event{RunID: runID, TS: now, Stage: StageRunStart, RangeStart: 1, RangeEnd: 5}, true},
		{"inverted range", Event{RunID: runID, TS: now, Stage: StageRunStart, RangeStart: 5, RangeEnd: 1}, false},
		{"missing run", Event{TS: now, Stage: StageRunDone}, false},
		{"missing timestamp", Event{RunID: runID, Stage: StageRunDone}, false},
		{"article", Event{RunID: runID, TS: now, Stage: StageArticleDone, KB: 9, Status: kb.StatusSkipped}, true},
		{"article without id", Event{RunID: runID, TS: now, Stage: StageArticleDone, Status: kb.StatusSkipped}, false},
		{"article bad status", Event{RunID: runID, TS: now, Stage: StageArticleDone, KB: 9, Status: "odd"}, false},
		{"unknown stage", Event{RunID: runID, TS: now, Stage: "NOPE"}, false},
		{"negative duration", Event{RunID: runID, TS: now, Stage: StageRunHeartbeat, Dur: -time.Second}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.evt.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestArticleDoneCopiesResult(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	evt := ArticleDone(runID, kb.Result{
		ID: 42, Status: kb.StatusFailed, Attempts: 3, Duration: time.Second, Err: kb.ErrTerminal,
	}, at)

	assert.Equal(t, runID, evt.RunUUID())
	assert.Equal(t, time.UTC, evt.TS.Location())
	assert.Equal(t, 42, evt.KB)
	assert.Equal(t, kb.StatusFailed, evt.Status)
	assert.Equal(t, 3, evt.Attempts)
	assert.Equal(t, kb.ErrTerminal.Error(), evt.Note)
	assert.NoError(t, evt.Validate())
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *recordingSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func articleEvent(id int) Event {
	return Event{
		RunID:  UUIDToBytes(uuid.New()),
		TS:     time.Now(),
		Stage:  StageArticleDone,
		KB:     id,
		Status: kb.StatusSuccess,
	}
}
