package ratelimit

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/Dankin/vmware-kb/internal/metrics"
)

// Default pacing values.
const (
	DefaultMinDelay    = 100 * time.Millisecond
	DefaultMaxDelay    = 300 * time.Millisecond
	DefaultBackoffBase = time.Second
	DefaultMaxJitter   = time.Second
)

// GovernorConfig controls per-worker pacing.
type GovernorConfig struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	BackoffBase time.Duration
	MaxJitter   time.Duration
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Governor paces the requests of a single worker. It is not safe for
// concurrent use; each worker owns its own Governor.
type Governor struct {
	cfg    GovernorConfig
	global *Limiter
	last   time.Time
	now    func() time.Time
	sleep  SleepFunc
	random func(limit time.Duration) time.Duration
}

// Option customizes a Governor.
type Option func(*Governor)

// WithSleep replaces the sleep implementation.
func WithSleep(fn SleepFunc) Option {
	return func(g *Governor) {
		if fn != nil {
			g.sleep = fn
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		if now != nil {
			g.now = now
		}
	}
}

// WithRandom replaces the source of uniform random durations in [0, limit].
func WithRandom(fn func(limit time.Duration) time.Duration) Option {
	return func(g *Governor) {
		if fn != nil {
			g.random = fn
		}
	}
}

// NewGovernor builds a per-worker Governor. global may be nil.
func NewGovernor(cfg GovernorConfig, global *Limiter, opts ...Option) *Governor {
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	g := &Governor{
		cfg:    cfg,
		global: global,
		now:    time.Now,
		sleep:  Sleep,
		random: randomDuration,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Throttle blocks until a randomized delay in [MinDelay, MaxDelay] has passed
// since this worker's previous request, then waits on the shared limiter.
func (g *Governor) Throttle(ctx context.Context, rawURL string) error {
	if !g.last.IsZero() {
		delay := g.cfg.MinDelay + g.random(g.cfg.MaxDelay-g.cfg.MinDelay)
		if elapsed := g.now().Sub(g.last); elapsed < delay {
			wait := delay - elapsed
			metrics.ObservePacingDelay("throttle", wait)
			if err := g.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	if err := g.global.Wait(ctx, rawURL); err != nil {
		return err
	}
	g.last = g.now()
	return nil
}

// Backoff returns the delay applied before retry k (k >= 1): BackoffBase*2^k
// plus a jitter in [0, MaxJitter).
func (g *Governor) Backoff(k int) time.Duration {
	if k < 1 {
		return 0
	}
	delay := time.Duration(float64(g.cfg.BackoffBase) * math.Pow(2, float64(k)))
	if g.cfg.MaxJitter > 0 {
		delay += g.random(g.cfg.MaxJitter - 1)
	}
	return delay
}

// WaitBackoff sleeps for Backoff(k).
func (g *Governor) WaitBackoff(ctx context.Context, k int) error {
	d := g.Backoff(k)
	if d <= 0 {
		return nil
	}
	metrics.ObservePacingDelay("backoff", d)
	return g.sleep(ctx, d)
}

// Sleep waits for d or returns early with the context error.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func randomDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)+1))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
