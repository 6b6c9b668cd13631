// Package history loads bounded windows of past candles over REST,
// batching large spans, rate limiting, retrying transient failures and
// filling gaps in existing series.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chartfeed/internal/binance"
	"chartfeed/internal/cache"
	"chartfeed/internal/market"
	"chartfeed/internal/observability"
)

// Defaults for retry behavior.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Loader errors.
var (
	ErrNoSource    = errors.New("history: kline source is required")
	ErrNoSymbol    = errors.New("history: symbol is required")
	ErrInvalidSpan = errors.New("history: start must be before end")
)

// KlineSource fetches one bounded candle window. *binance.Client
// implements it.
type KlineSource interface {
	Klines(ctx context.Context, symbol string, interval market.Interval, start, end int64, limit int) (market.Series, error)
}

// FetchError wraps the final error of a request whose retries are
// exhausted.
type FetchError struct {
	Symbol   string
	Interval market.Interval
	Start    int64
	End      int64
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s [%d,%d) failed after %d attempts: %v",
		e.Symbol, e.Interval, e.Start, e.End, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Options configures a Loader.
type Options struct {
	Source KlineSource
	Symbol string

	// Cache is the optional memory tier for fetched ranges.
	Cache *cache.Memory

	Logger *zap.Logger

	// MaxRetries and RetryDelay shape the per-request linear backoff:
	// attempt n sleeps RetryDelay*n before the next try.
	MaxRetries int
	RetryDelay time.Duration

	// RequestsPerMinute caps the rolling 60s quota. <= 0 uses the default.
	RequestsPerMinute int

	// BatchLimit is the max candles per provider request. <= 0 uses the
	// venue maximum.
	BatchLimit int

	// OnError receives batching errors that still yielded partial data.
	OnError func(error)
}

// Loader fetches historical candles for one instrument.
type Loader struct {
	source     KlineSource
	cache      *cache.Memory
	limiter    *Limiter
	log        *zap.Logger
	maxRetries int
	retryDelay time.Duration
	batchLimit int
	onError    func(error)

	mu     sync.RWMutex
	symbol string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLoader creates a Loader.
func NewLoader(opts Options) (*Loader, error) {
	if opts.Source == nil {
		return nil, ErrNoSource
	}
	if opts.Symbol == "" {
		return nil, ErrNoSymbol
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.BatchLimit <= 0 || opts.BatchLimit > binance.MaxKlinesPerRequest {
		opts.BatchLimit = binance.MaxKlinesPerRequest
	}

	return &Loader{
		source:     opts.Source,
		cache:      opts.Cache,
		limiter:    NewLimiter(opts.RequestsPerMinute),
		log:        opts.Logger,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		batchLimit: opts.BatchLimit,
		onError:    opts.OnError,
		symbol:     opts.Symbol,
		now:        time.Now,
		sleep:      sleepCtx,
	}, nil
}

// Symbol returns the current instrument.
func (l *Loader) Symbol() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.symbol
}

// SetSymbol switches the loader to a new instrument.
func (l *Loader) SetSymbol(symbol string) {
	l.mu.Lock()
	l.symbol = symbol
	l.mu.Unlock()
}

// Load fetches candles for interval. With both start and end set it covers
// [start, end), batching as needed; otherwise it issues a single request
// with the given bounds and limit. Results are cached for the range TTL.
func (l *Loader) Load(ctx context.Context, interval market.Interval, start, end int64, limit int) (market.Series, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("history: %w: %q", cache.ErrInvalidInput, interval)
	}

	symbol := l.Symbol()
	if l.cache != nil {
		if got, ok := l.cache.GetRange(symbol, interval, start, end); ok {
			observability.RecordCacheHit("memory")
			return got, nil
		}
		observability.RecordCacheMiss("memory")
	}

	var (
		out market.Series
		err error
	)
	if start > 0 && end > 0 {
		out, err = l.loadSpan(ctx, symbol, interval, start, end)
	} else {
		out, err = l.fetch(ctx, symbol, interval, start, end, limit)
	}
	if err != nil {
		return out, err
	}

	l.checkSeries(interval, out)
	if l.cache != nil {
		l.cache.PutRange(symbol, interval, start, end, out)
	}
	return out, nil
}

// LoadRecent fetches the most recent count candles, batching when count
// exceeds one request.
func (l *Loader) LoadRecent(ctx context.Context, interval market.Interval, count int) (market.Series, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("history: %w: %q", cache.ErrInvalidInput, interval)
	}
	if count <= 0 {
		return nil, nil
	}
	if count <= l.batchLimit {
		return l.Load(ctx, interval, 0, 0, count)
	}

	period := interval.DurationMs()
	// End after the in-progress bucket so the latest closed bar is included.
	end := interval.BucketStart(l.now().UnixMilli()) + period
	start := end - int64(count)*period
	return l.Load(ctx, interval, start, end, 0)
}

// LoadRange fetches candles covering [start, end), batching the span into
// sequential non-overlapping sub-requests.
func (l *Loader) LoadRange(ctx context.Context, interval market.Interval, start, end int64) (market.Series, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("history: %w: %q", cache.ErrInvalidInput, interval)
	}
	if start >= end {
		return nil, ErrInvalidSpan
	}
	return l.Load(ctx, interval, start, end, 0)
}

// loadSpan walks [start, end) in batch-sized sub-requests. A failed
// sub-request stops the walk but keeps the accumulated progress; the error
// is reported via the error callback and returned alongside the partial
// series.
func (l *Loader) loadSpan(ctx context.Context, symbol string, interval market.Interval, start, end int64) (market.Series, error) {
	period := interval.DurationMs()
	span := int64(l.batchLimit) * period

	var out market.Series
	for cur := start; cur < end; {
		batchEnd := cur + span
		if batchEnd > end {
			batchEnd = end
		}

		got, err := l.fetch(ctx, symbol, interval, cur, batchEnd, l.batchLimit)
		if err != nil {
			l.log.Warn("batch aborted, keeping partial progress",
				zap.String("symbol", symbol),
				zap.String("interval", string(interval)),
				zap.Int64("batch_start", cur),
				zap.Int64("batch_end", batchEnd),
				zap.Int("accumulated", out.Len()),
				zap.Error(err))
			l.reportError(err)
			return out, err
		}

		out = market.Merge(out, got)
		if len(got) == 0 {
			// Provider has nothing in this sub-range and will not for
			// the rest of the span either if it predates listing; keep
			// walking so later sub-ranges are still covered.
			cur = batchEnd
			continue
		}
		cur = batchEnd
	}
	return out, nil
}

// FillGaps backfills missing periods of an existing sorted series. Each
// gap is requested as exactly its sub-range, batched when it exceeds one
// request, then merged, deduplicated by OpenTime and re-sorted. Fewer
// than two candles means no definable gaps. A quiet venue period and an
// outage look identical here; both are refetched.
func (l *Loader) FillGaps(ctx context.Context, interval market.Interval, existing market.Series) (market.Series, error) {
	if !interval.Valid() {
		return existing, fmt.Errorf("history: %w: %q", cache.ErrInvalidInput, interval)
	}
	if existing.Len() < 2 {
		return existing, nil
	}

	gaps := existing.Gaps(interval.DurationMs())
	if len(gaps) == 0 {
		return existing, nil
	}

	symbol := l.Symbol()
	l.log.Info("filling gaps",
		zap.String("symbol", symbol),
		zap.String("interval", string(interval)),
		zap.Int("gaps", len(gaps)))

	out := existing.Clone()
	for _, g := range gaps {
		got, err := l.loadSpan(ctx, symbol, interval, g.Start, g.End)
		out = market.Merge(out, got)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Validate checks series invariants and returns structured violations
// instead of failing, so callers can decide policy.
func (l *Loader) Validate(series market.Series) []market.Violation {
	return market.Validate(series)
}

// fetch issues one request with rate limiting and linear-backoff retries.
func (l *Loader) fetch(ctx context.Context, symbol string, interval market.Interval, start, end int64, limit int) (market.Series, error) {
	var lastErr error
	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		began := time.Now()
		got, err := l.source.Klines(ctx, symbol, interval, start, end, limit)
		if err == nil {
			observability.RecordRESTRequest("success", time.Since(began).Seconds())
			return got, nil
		}
		observability.RecordRESTRequest("error", time.Since(began).Seconds())

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		lastErr = err
		l.log.Warn("klines request failed",
			zap.String("symbol", symbol),
			zap.String("interval", string(interval)),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", l.maxRetries),
			zap.Error(err))

		if attempt < l.maxRetries {
			if err := l.sleep(ctx, l.retryDelay*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
	}

	return nil, &FetchError{
		Symbol:   symbol,
		Interval: interval,
		Start:    start,
		End:      end,
		Attempts: l.maxRetries,
		Err:      lastErr,
	}
}

// checkSeries logs invariant violations on fetched data.
func (l *Loader) checkSeries(interval market.Interval, series market.Series) {
	for _, v := range market.Validate(series) {
		l.log.Warn("candle series violation",
			zap.String("interval", string(interval)),
			zap.Int("index", v.Index),
			zap.Int64("open_time", v.OpenTime),
			zap.String("reason", v.Reason))
	}
}

func (l *Loader) reportError(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
