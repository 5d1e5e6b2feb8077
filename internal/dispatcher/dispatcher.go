// Package dispatcher fans an inclusive id range out to a fixed pool of workers
// and aggregates their results.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Dankin/vmware-kb/internal/kb"
	"github.com/Dankin/vmware-kb/internal/metrics"
	"github.com/Dankin/vmware-kb/internal/progress"
)

// ErrResultWait marks an id whose result did not arrive within Config.ResultWait.
var ErrResultWait = errors.New("result wait expired")

// Defaults applied when Config leaves a field empty.
const (
	DefaultResultWait  = 30 * time.Second
	DefaultReportEvery = 10 * time.Second
)

// Processor handles one id to completion. Each Processor is used by a single
// pool slot.
type Processor interface {
	Process(ctx context.Context, id int) kb.Result
}

// Config controls a Dispatcher.
type Config struct {
	// RunID tags progress events; a zero value is replaced by a random id.
	RunID uuid.UUID
	// ResultWait bounds how long a slot waits for one id before counting it
	// as failed. The task itself keeps running.
	ResultWait time.Duration
	// ReportEvery is the interval of throughput log lines and heartbeats.
	ReportEvery time.Duration
}

// Summary totals one run.
type Summary struct {
	RunID      uuid.UUID
	RangeStart int
	RangeEnd   int
	Succeeded  int64
	Skipped    int64
	Failed     int64
	// TimedOut is the subset of Failed whose result wait expired.
	TimedOut int64
	Elapsed  time.Duration
}

// Total is the number of ids resolved.
func (s Summary) Total() int64 {
	return s.Succeeded + s.Skipped + s.Failed
}

// Rate is the number of ids resolved per second.
func (s Summary) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Total()) / s.Elapsed.Seconds()
}

// Dispatcher fans ids out to a pool of workers.
type Dispatcher struct {
	cfg     Config
	workers []Processor
	emitter progress.Emitter
	clock   kb.Clock
	logger  *zap.Logger

	mu    sync.Mutex
	tally Summary
}

// New creates a Dispatcher. The pool size is len(workers).
func New(cfg Config, workers []Processor, emitter progress.Emitter, clock kb.Clock, logger *zap.Logger) *Dispatcher {
	if cfg.RunID == uuid.Nil {
		cfg.RunID = uuid.New()
	}
	if cfg.ResultWait <= 0 {
		cfg.ResultWait = DefaultResultWait
	}
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = DefaultReportEvery
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:     cfg,
		workers: workers,
		emitter: emitter,
		clock:   clock,
		logger:  logger,
	}
}

// RunID identifies the runs of this Dispatcher in progress events.
func (d *Dispatcher) RunID() uuid.UUID {
	return d.cfg.RunID
}

// Run processes every id in [start, end] and blocks until all slots are idle.
// Cancelling ctx stops dispatch of new ids; the partial summary is returned
// with the context error.
func (d *Dispatcher) Run(ctx context.Context, start, end int) (Summary, error) {
	if start < 1 || start > end {
		return Summary{}, fmt.Errorf("invalid id range %d-%d", start, end)
	}
	if len(d.workers) == 0 {
		return Summary{}, errors.New("dispatcher has no workers")
	}

	began := d.clock.Now()
	d.mu.Lock()
	d.tally = Summary{RunID: d.cfg.RunID, RangeStart: start, RangeEnd: end}
	d.mu.Unlock()

	d.emit(progress.Event{Stage: progress.StageRunStart, RangeStart: start, RangeEnd: end})
	d.logger.Info("crawl started",
		zap.String("run_id", d.cfg.RunID.String()),
		zap.Int("start", start),
		zap.Int("end", end),
		zap.Int("workers", len(d.workers)))

	ids := make(chan int)
	go func() {
		defer close(ids)
		for id := start; id <= end; id++ {
			select {
			case ids <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	stopReport := make(chan struct{})
	reportDone := make(chan struct{})
	go d.report(began, stopReport, reportDone)

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(w Processor) {
			defer wg.Done()
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			for id := range ids {
				d.runTask(ctx, w, id)
			}
		}(w)
	}
	wg.Wait()
	close(stopReport)
	<-reportDone

	sum := d.Snapshot()
	sum.Elapsed = d.clock.Now().Sub(began)

	fields := []zap.Field{
		zap.String("run_id", d.cfg.RunID.String()),
		zap.Int64("succeeded", sum.Succeeded),
		zap.Int64("skipped", sum.Skipped),
		zap.Int64("failed", sum.Failed),
		zap.Int64("timed_out", sum.TimedOut),
		zap.Duration("elapsed", sum.Elapsed),
		zap.Float64("rate_per_sec", sum.Rate()),
	}
	if err := ctx.Err(); err != nil {
		d.emit(progress.Event{Stage: progress.StageRunError, Dur: sum.Elapsed, Note: err.Error()})
		d.logger.Warn("crawl interrupted", append(fields, zap.Error(err))...)
		return sum, fmt.Errorf("crawl interrupted: %w", err)
	}
	d.emit(progress.Event{Stage: progress.StageRunDone, Dur: sum.Elapsed})
	d.logger.Info("crawl finished", fields...)
	return sum, nil
}

// runTask waits up to ResultWait for w to finish id. On expiry the id is
// recorded as failed and the slot then waits out the late task, discarding
// its result, because a Processor is not shared.
func (d *Dispatcher) runTask(ctx context.Context, w Processor, id int) {
	done := make(chan kb.Result, 1)
	go func() { done <- w.Process(ctx, id) }()

	timer := time.NewTimer(d.cfg.ResultWait)
	defer timer.Stop()

	select {
	case res := <-done:
		res.ID = id
		d.record(res, false)
	case <-timer.C:
		d.record(kb.Result{
			ID:       id,
			Status:   kb.StatusFailed,
			Duration: d.cfg.ResultWait,
			Err:      fmt.Errorf("kb %d: %w after %s", id, ErrResultWait, d.cfg.ResultWait),
		}, true)
		late := <-done
		d.logger.Debug("late result discarded",
			zap.Int("kb", id),
			zap.String("status", string(late.Status)),
			zap.Duration("dur", late.Duration))
	}
}

func (d *Dispatcher) record(res kb.Result, timedOut bool) {
	d.mu.Lock()
	switch res.Status {
	case kb.StatusSuccess:
		d.tally.Succeeded++
	case kb.StatusSkipped:
		d.tally.Skipped++
	default:
		res.Status = kb.StatusFailed
		d.tally.Failed++
		if timedOut {
			d.tally.TimedOut++
		}
	}
	d.mu.Unlock()

	if timedOut {
		d.logger.Warn("no result within wait", zap.Int("kb", res.ID), zap.Duration("wait", d.cfg.ResultWait))
	}
	d.emitter.Emit(progress.ArticleDone(d.cfg.RunID, res, d.clock.Now()))
}

// Snapshot returns the counters of the current or last run. Elapsed is unset.
func (d *Dispatcher) Snapshot() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tally
}

func (d *Dispatcher) report(began time.Time, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.cfg.ReportEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sum := d.Snapshot()
			sum.Elapsed = d.clock.Now().Sub(began)
			d.logger.Info("crawl progress",
				zap.Int64("completed", sum.Total()),
				zap.Int64("succeeded", sum.Succeeded),
				zap.Int64("skipped", sum.Skipped),
				zap.Int64("failed", sum.Failed),
				zap.Float64("rate_per_sec", sum.Rate()))
			d.emit(progress.Event{
				Stage: progress.StageRunHeartbeat,
				Dur:   sum.Elapsed,
				Note:  fmt.Sprintf("completed=%d", sum.Total()),
			})
		case <-stop:
			return
		}
	}
}

func (d *Dispatcher) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(d.cfg.RunID)
	evt.TS = d.clock.Now().UTC()
	d.emitter.Emit(evt)
}
