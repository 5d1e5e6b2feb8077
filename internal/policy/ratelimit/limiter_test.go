package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_Wait(t *testing.T) {
	l := New(Config{
		RPS:   10, // 10 requests per second = 100ms interval
		Burst: 1,
	})

	ctx := context.Background()

	// Consume initial token
	if err := l.Wait(ctx, "https://test.com"); err != nil {
		t.Fatal(err)
	}

	// Next one should wait ~100ms
	start := time.Now()
	if err := l.Wait(ctx, "https://test.com"); err != nil {
		t.Fatal(err)
	}
	dur := time.Since(start)
	if dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentHosts(t *testing.T) {
	l := New(Config{
		RPS:   1, // 1 RPS = 1s interval
		Burst: 1,
	})

	ctx := context.Background()
	if err := l.Wait(ctx, "https://a.com/1"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://b.com/1"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur > 50*time.Millisecond {
		t.Errorf("expected independent bucket for b.com, waited %v", dur)
	}
}

func TestLimiter_DisabledAndNil(t *testing.T) {
	var nilLimiter *Limiter
	if err := nilLimiter.Wait(context.Background(), "https://a.com"); err != nil {
		t.Fatalf("nil limiter should not block: %v", err)
	}
	l := New(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background(), "https://a.com"); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLimiter_ContextCanceled(t *testing.T) {
	l := New(Config{RPS: 0.1, Burst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Wait(ctx, "https://a.com"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := l.Wait(ctx, "https://a.com"); err == nil {
		t.Fatal("expected error after cancellation")
	}
}
