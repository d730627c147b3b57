package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/propwatch/listing-harvester/internal/metrics"
)

func TestLimiterWait(t *testing.T) {
	metrics.Init()

	// 10 RPS = one token every 100ms, burst 1.
	l := New(Config{
		DefaultRPS:   10,
		DefaultBurst: 1,
	})
	ctx := context.Background()

	// First call consumes the burst token immediately.
	if err := l.Wait(ctx, "https://portal.example/r/0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Second call should wait for the refill.
	start := time.Now()
	if err := l.Wait(ctx, "https://portal.example/r/1"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiterDifferentHosts(t *testing.T) {
	metrics.Init()

	l := New(Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
	})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.example/1"); err != nil {
		t.Fatal(err)
	}

	// Host B must not be throttled by host A.
	start := time.Now()
	if err := l.Wait(ctx, "https://b.example/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("host b blocked unexpectedly")
	}
}

func TestLimiterHostOverride(t *testing.T) {
	metrics.Init()

	l := New(Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
		HostRPS:      map[string]float64{"fast.example": 1000},
	})
	ctx := context.Background()

	// The override host refills fast enough that back-to-back calls do
	// not block noticeably.
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx, "https://fast.example/x"); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("override host throttled at default rate")
	}
}

func TestLimiterCanceledContext(t *testing.T) {
	metrics.Init()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://slow.example/1"); err != nil {
		t.Fatal(err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := l.Wait(canceled, "https://slow.example/2"); err == nil {
		t.Fatal("expected error from canceled context")
	}
}
