package history

import (
	"context"
	"testing"
	"time"
)

// Drives reserve with a synthetic clock: 1200 requests against a quota of
// 100/minute must never put more than 100 grants inside any rolling
// 60-second window.
func TestLimiter_RollingWindowQuota(t *testing.T) {
	l := NewLimiter(100)
	now := time.UnixMilli(0)

	var granted []time.Time
	for i := 0; i < 1200; i++ {
		for {
			delay := l.reserve(now)
			if delay <= 0 {
				granted = append(granted, now)
				break
			}
			now = now.Add(delay)
		}
	}

	if len(granted) != 1200 {
		t.Fatalf("granted %d, want 1200", len(granted))
	}
	for i := range granted {
		count := 0
		for j := i; j < len(granted) && granted[j].Sub(granted[i]) < time.Minute; j++ {
			count++
		}
		if count > 100 {
			t.Fatalf("window starting at %v holds %d grants, want <= 100",
				granted[i], count)
		}
	}

	// 1200 requests at 100/minute need at least 11 full windows.
	elapsed := granted[len(granted)-1].Sub(granted[0])
	if elapsed < 11*time.Minute {
		t.Errorf("elapsed %v, want >= 11m of pacing", elapsed)
	}
}

func TestLimiter_QuotaFreesAsWindowSlides(t *testing.T) {
	l := NewLimiter(2)
	now := time.UnixMilli(0)

	if d := l.reserve(now); d != 0 {
		t.Fatalf("first grant delayed by %v", d)
	}
	now = now.Add(10 * time.Second)
	if d := l.reserve(now); d != 0 {
		t.Fatalf("second grant delayed by %v", d)
	}

	// Quota exhausted; the oldest stamp leaves the window at t=60s.
	d := l.reserve(now)
	if d != 50*time.Second {
		t.Fatalf("delay = %v, want 50s", d)
	}
	now = now.Add(d)
	if d := l.reserve(now); d != 0 {
		t.Errorf("grant after window slide delayed by %v", d)
	}
}

func TestLimiter_MinimumSpacing(t *testing.T) {
	l := NewLimiter(100000) // quota never binds
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 2*MinRequestSpacing {
		t.Errorf("3 requests spaced only %v apart, want >= %v", elapsed, 2*MinRequestSpacing)
	}
}
