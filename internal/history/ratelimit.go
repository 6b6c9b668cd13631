package history

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chartfeed/internal/observability"
)

const (
	// DefaultRequestsPerMinute is the per-minute request quota.
	DefaultRequestsPerMinute = 1200

	// MinRequestSpacing is the minimum gap between any two requests,
	// enforced independently of quota headroom.
	MinRequestSpacing = 100 * time.Millisecond
)

// Limiter gates outgoing requests with a rolling 60-second quota plus a
// fixed minimum spacing. Every request counts as weight 1 regardless of
// its limit parameter.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time

	spacing *rate.Limiter
	now     func() time.Time
}

// NewLimiter creates a Limiter. perMinute <= 0 uses the default quota.
func NewLimiter(perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = DefaultRequestsPerMinute
	}
	return &Limiter{
		limit:   perMinute,
		window:  time.Minute,
		spacing: rate.NewLimiter(rate.Every(MinRequestSpacing), 1),
		now:     time.Now,
	}
}

// reserve prunes timestamps outside the rolling window and, if quota is
// free, records one request at now and returns 0. Otherwise it returns how
// long until the oldest in-window timestamp expires.
func (l *Limiter) reserve(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	keep := 0
	for keep < len(l.stamps) && !l.stamps[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[keep:]...)
	}

	if len(l.stamps) < l.limit {
		l.stamps = append(l.stamps, now)
		return 0
	}
	return l.stamps[0].Sub(cutoff)
}

// Wait blocks until the caller may issue one request, or until ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		delay := l.reserve(l.now())
		if delay <= 0 {
			break
		}
		observability.RecordRateLimitWait()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return l.spacing.Wait(ctx)
}
