package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dankin/vmware-kb/internal/clock/system"
	"github.com/Dankin/vmware-kb/internal/kb"
	"github.com/Dankin/vmware-kb/internal/progress"
)

var testRun = uuid.MustParse("0191f0c4-6a2e-7c3b-8f00-0000000000bb")

// scripted resolves ids through a shared function and records what it saw.
type scripted struct {
	fn   func(ctx context.Context, id int) kb.Result
	seen *idSet
}

func (s scripted) Process(ctx context.Context, id int) kb.Result {
	s.seen.add(id)
	return s.fn(ctx, id)
}

type idSet struct {
	mu  sync.Mutex
	ids map[int]int
}

func (s *idSet) add(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids == nil {
		s.ids = make(map[int]int)
	}
	s.ids[id]++
}

func (s *idSet) counts() map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]int, len(s.ids))
	for k, v := range s.ids {
		out[k] = v
	}
	return out
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) stages() map[progress.Stage]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[progress.Stage]int)
	for _, e := range r.events {
		out[e.Stage]++
	}
	return out
}

func pool(n int, seen *idSet, fn func(ctx context.Context, id int) kb.Result) []Processor {
	workers := make([]Processor, n)
	for i := range workers {
		workers[i] = scripted{fn: fn, seen: seen}
	}
	return workers
}

func byParity(_ context.Context, id int) kb.Result {
	switch id % 3 {
	case 0:
		return kb.Result{Status: kb.StatusSuccess}
	case 1:
		return kb.Result{Status: kb.StatusSkipped}
	default:
		return kb.Result{Status: kb.StatusFailed}
	}
}

func TestRunProcessesEveryIDOnce(t *testing.T) {
	t.Parallel()

	seen := &idSet{}
	emitter := &recordingEmitter{}
	d := New(Config{RunID: testRun}, pool(4, seen, byParity), emitter, system.New(), nil)

	sum, err := d.Run(context.Background(), 1, 30)
	require.NoError(t, err)

	assert.Equal(t, testRun, sum.RunID)
	assert.Equal(t, int64(30), sum.Total())
	assert.Equal(t, int64(10), sum.Succeeded)
	assert.Equal(t, int64(10), sum.Skipped)
	assert.Equal(t, int64(10), sum.Failed)
	assert.Zero(t, sum.TimedOut)
	assert.GreaterOrEqual(t, sum.Rate(), 0.0)

	counts := seen.counts()
	require.Len(t, counts, 30)
	for id := 1; id <= 30; id++ {
		assert.Equal(t, 1, counts[id], "id %d", id)
	}

	stages := emitter.stages()
	assert.Equal(t, 1, stages[progress.StageRunStart])
	assert.Equal(t, 30, stages[progress.StageArticleDone])
	assert.Equal(t, 1, stages[progress.StageRunDone])
	assert.Zero(t, stages[progress.StageRunError])
	for _, evt := range emitter.events {
		require.NoError(t, evt.Validate())
	}
}

func TestRunCountsExpiredWaitAsFailure(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	finished := make(chan struct{})
	slow := func(_ context.Context, id int) kb.Result {
		if id == 2 {
			<-release
			defer close(finished)
		}
		return kb.Result{Status: kb.StatusSuccess}
	}
	emitter := &recordingEmitter{}
	d := New(Config{RunID: testRun, ResultWait: 20 * time.Millisecond}, pool(2, &idSet{}, slow), emitter, system.New(), nil)

	type outcome struct {
		sum Summary
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		sum, err := d.Run(context.Background(), 1, 3)
		out <- outcome{sum, err}
	}()

	// The stuck id is already counted while its task is still running.
	require.Eventually(t, func() bool {
		snap := d.Snapshot()
		return snap.TimedOut == 1 && snap.Succeeded == 2
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case <-finished:
		t.Fatal("stuck task must not be cancelled or completed yet")
	default:
	}
	close(release)

	got := <-out
	require.NoError(t, got.err)
	assert.Equal(t, int64(2), got.sum.Succeeded)
	assert.Equal(t, int64(1), got.sum.Failed)
	assert.Equal(t, int64(1), got.sum.TimedOut)
	<-finished

	var failed []progress.Event
	for _, evt := range emitter.events {
		if evt.Stage == progress.StageArticleDone && evt.Status == kb.StatusFailed {
			failed = append(failed, evt)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].KB)
	assert.Contains(t, failed[0].Note, ErrResultWait.Error())
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	fn := func(_ context.Context, id int) kb.Result {
		if id == 5 {
			once.Do(cancel)
		}
		return kb.Result{Status: kb.StatusSuccess}
	}
	emitter := &recordingEmitter{}
	d := New(Config{RunID: testRun}, pool(1, &idSet{}, fn), emitter, system.New(), nil)

	sum, err := d.Run(ctx, 1, 1000)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, sum.Total(), int64(1000))
	assert.GreaterOrEqual(t, sum.Total(), int64(5))

	stages := emitter.stages()
	assert.Equal(t, 1, stages[progress.StageRunError])
	assert.Zero(t, stages[progress.StageRunDone])
}

func TestRunRejectsBadInput(t *testing.T) {
	t.Parallel()

	d := New(Config{}, pool(1, &idSet{}, byParity), nil, system.New(), nil)
	_, err := d.Run(context.Background(), 10, 9)
	require.Error(t, err)
	_, err = d.Run(context.Background(), 0, 9)
	require.Error(t, err)

	empty := New(Config{}, nil, nil, system.New(), nil)
	_, err = empty.Run(context.Background(), 1, 2)
	require.Error(t, err)
	assert.NotEqual(t, uuid.Nil, empty.RunID())
}

func TestRunEmitsHeartbeats(t *testing.T) {
	t.Parallel()

	fn := func(_ context.Context, _ int) kb.Result {
		time.Sleep(10 * time.Millisecond)
		return kb.Result{Status: kb.StatusSuccess}
	}
	emitter := &recordingEmitter{}
	d := New(Config{RunID: testRun, ReportEvery: 5 * time.Millisecond}, pool(1, &idSet{}, fn), emitter, system.New(), nil)

	_, err := d.Run(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Positive(t, emitter.stages()[progress.StageRunHeartbeat])
}

func TestSummaryRate(t *testing.T) {
	t.Parallel()

	assert.Zero(t, Summary{Succeeded: 5}.Rate())
	assert.InDelta(t, 2.0, Summary{Succeeded: 3, Skipped: 1, Elapsed: 2 * time.Second}.Rate(), 1e-9)
}
