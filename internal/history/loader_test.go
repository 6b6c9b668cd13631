package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chartfeed/internal/cache"
	"chartfeed/internal/market"
)

type klineCall struct {
	symbol   string
	interval market.Interval
	start    int64
	end      int64
	limit    int
}

// stubSource records calls and answers them via respond.
type stubSource struct {
	mu      sync.Mutex
	calls   []klineCall
	respond func(c klineCall) (market.Series, error)
}

func (s *stubSource) Klines(_ context.Context, symbol string, interval market.Interval, start, end int64, limit int) (market.Series, error) {
	s.mu.Lock()
	c := klineCall{symbol, interval, start, end, limit}
	s.calls = append(s.calls, c)
	s.mu.Unlock()
	return s.respond(c)
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// rangeCandles fills [start, end) with one closed candle per period.
func rangeCandles(start, end, period int64) market.Series {
	var out market.Series
	for ts := start; ts < end; ts += period {
		out = append(out, market.Candle{
			OpenTime: ts, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Closed: true,
		})
	}
	return out
}

func newTestLoader(t *testing.T, src *stubSource, opts Options) (*Loader, *[]time.Duration) {
	t.Helper()
	opts.Source = src
	if opts.Symbol == "" {
		opts.Symbol = "BTCUSDT"
	}
	l, err := NewLoader(opts)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	var sleeps []time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	// Keep the spacing limiter out of unit tests.
	l.limiter.spacing.SetLimit(1e6)
	return l, &sleeps
}

func TestLoader_RetryLinearBackoff(t *testing.T) {
	fail := 2
	src := &stubSource{respond: func(c klineCall) (market.Series, error) {
		if fail > 0 {
			fail--
			return nil, errors.New("boom")
		}
		return rangeCandles(0, 60_000, 60_000), nil
	}}
	l, sleeps := newTestLoader(t, src, Options{RetryDelay: time.Second})

	got, err := l.Load(context.Background(), market.Interval1m, 0, 0, 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Len() != 1 {
		t.Errorf("len = %d, want 1", got.Len())
	}
	if src.callCount() != 3 {
		t.Errorf("calls = %d, want 3", src.callCount())
	}

	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, (*sleeps)[i], want[i])
		}
	}
}

func TestLoader_RetriesExhausted(t *testing.T) {
	src := &stubSource{respond: func(c klineCall) (market.Series, error) {
		return nil, errors.New("always down")
	}}
	l, _ := newTestLoader(t, src, Options{RetryDelay: time.Millisecond})

	_, err := l.Load(context.Background(), market.Interval1m, 0, 0, 5)
	if err == nil {
		t.Fatal("expected error")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T, want *FetchError", err)
	}
	if fe.Attempts != DefaultMaxRetries {
		t.Errorf("attempts = %d, want %d", fe.Attempts, DefaultMaxRetries)
	}
	if src.callCount() != DefaultMaxRetries {
		t.Errorf("calls = %d, want %d", src.callCount(), DefaultMaxRetries)
	}
}

func TestLoader_BatchesLargeSpan(t *testing.T) {
	period := market.Interval1m.DurationMs()
	src := &stubSource{respond: func(c klineCall) (market.Series, error) {
		return rangeCandles(c.start, c.end, period), nil
	}}
	l, _ := newTestLoader(t, src, Options{BatchLimit: 2})

	got, err := l.LoadRange(context.Background(), market.Interval1m, 0, 6*period)
	if err != nil {
		t.Fatalf("LoadRange: %v", err)
	}
	if got.Len() != 6 {
		t.Errorf("len = %d, want 6", got.Len())
	}
	if src.callCount() != 3 {
		t.Fatalf("calls = %d, want 3 non-overlapping batches", src.callCount())
	}

	wantBounds := [][2]int64{{0, 2 * period}, {2 * period, 4 * period}, {4 * period, 6 * period}}
	for i, w := range wantBounds {
		c := src.calls[i]
		if c.start != w[0] || c.end != w[1] {
			t.Errorf("batch %d = [%d,%d), want [%d,%d)", i, c.start, c.end, w[0], w[1])
		}
	}
}

func TestLoader_PartialProgressKeptOnBatchFailure(t *testing.T) {
	period := market.Interval1m.DurationMs()
	src := &stubSource{respond: func(c klineCall) (market.Series, error) {
		if c.start >= 2*period {
			return nil, errors.New("venue down")
		}
		return rangeCandles(c.start, c.end, period), nil
	}}

	var reported []error
	l, _ := newTestLoader(t, src, Options{
		BatchLimit: 2,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		OnError:    func(err error) { reported = append(reported, err) },
	})

	got, err := l.LoadRange(context.Background(), market.Interval1m, 0, 6*period)
	if err == nil {
		t.Fatal("expected error from failed batch")
	}
	if got.Len() != 2 {
		t.Errorf("partial progress len = %d, want 2", got.Len())
	}
	if len(reported) != 1 {
		t.Errorf("OnError fired %d times, want 1", len(reported))
	}
}

func TestLoader_FillGaps(t *testing.T) {
	period := market.Interval1m.DurationMs()
	existing := market.Series{}
	for _, unit := range []int64{0, 1, 2, 5, 6} {
		existing = existing.Upsert(market.Candle{
			OpenTime: unit * period, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Closed: true,
		})
	}

	src := &stubSource{respond: func(c klineCall) (market.Series, error) {
		return rangeCandles(c.start, c.end, period), nil
	}}
	l, _ := newTestLoader(t, src, Options{})

	got, err := l.FillGaps(context.Background(), market.Interval1m, existing)
	if err != nil {
		t.Fatalf("FillGaps: %v", err)
	}

	if got.Len() != 7 {
		t.Fatalf("len = %d, want 7", got.Len())
	}
	for i := 1; i < got.Len(); i++ {
		if got[i].OpenTime <= got[i-1].OpenTime {
			t.Fatalf("result not sorted at %d", i)
		}
		if got[i].OpenTime-got[i-1].OpenTime != period {
			t.Errorf("remaining hole between %d and %d", got[i-1].OpenTime, got[i].OpenTime)
		}
	}

	if src.callCount() != 1 {
		t.Fatalf("calls = %d, want exactly one gap request", src.callCount())
	}
	c := src.calls[0]
	if c.start != 3*period || c.end != 5*period {
		t.Errorf("gap request = [%d,%d), want [%d,%d)", c.start, c.end, 3*period, 5*period)
	}
}

func TestLoader_FillGapsWideGapBatched(t *testing.T) {
	period := market.Interval1m.DurationMs()
	// Candles at minutes 0 and 10 leave a 9-period hole, wider than the
	// batch limit of 2; the whole gap must still be covered.
	existing := market.Series{}
	for _, unit := range []int64{0, 10} {
		existing = existing.Upsert(market.Candle{
			OpenTime: unit * period, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Closed: true,
		})
	}

	src := &stubSource{respond: func(c klineCall) (market.Series, error) {
		return rangeCandles(c.start, c.end, period), nil
	}}
	l, _ := newTestLoader(t, src, Options{BatchLimit: 2})

	got, err := l.FillGaps(context.Background(), market.Interval1m, existing)
	if err != nil {
		t.Fatalf("FillGaps: %v", err)
	}
	if got.Len() != 11 {
		t.Fatalf("len = %d, want 11 with no remaining holes", got.Len())
	}
	for i := 1; i < got.Len(); i++ {
		if got[i].OpenTime-got[i-1].OpenTime != period {
			t.Errorf("remaining hole between %d and %d", got[i-1].OpenTime, got[i].OpenTime)
		}
	}

	if src.callCount() != 5 {
		t.Fatalf("calls = %d, want 5 batches across [1p,10p)", src.callCount())
	}
	first, last := src.calls[0], src.calls[len(src.calls)-1]
	if first.start != 1*period || last.end != 10*period {
		t.Errorf("batches span [%d,%d), want [%d,%d)", first.start, last.end, period, 10*period)
	}
}

func TestLoader_FillGapsShortSeries(t *testing.T) {
	src := &stubSource{respond: func(c klineCall) (market.Series, error) {
		t.Error("no request expected")
		return nil, nil
	}}
	l, _ := newTestLoader(t, src, Options{})

	one := market.Series{{OpenTime: 0, Open: 1, High: 1, Low: 1, Close: 1}}
	got, err := l.FillGaps(context.Background(), market.Interval1m, one)
	if err != nil {
		t.Fatalf("FillGaps: %v", err)
	}
	if got.Len() != 1 {
		t.Errorf("series with fewer than 2 candles must be returned unchanged")
	}
}

func TestLoader_RangeCacheHit(t *testing.T) {
	period := market.Interval1m.DurationMs()
	src := &stubSource{respond: func(c klineCall) (market.Series, error) {
		return rangeCandles(c.start, c.end, period), nil
	}}
	l, _ := newTestLoader(t, src, Options{Cache: cache.NewMemory(time.Minute)})

	ctx := context.Background()
	if _, err := l.LoadRange(ctx, market.Interval1m, 0, 2*period); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if _, err := l.LoadRange(ctx, market.Interval1m, 0, 2*period); err != nil {
		t.Fatalf("second load: %v", err)
	}

	if src.callCount() != 1 {
		t.Errorf("calls = %d, repeat within TTL must not hit the network", src.callCount())
	}
}

func TestLoader_LoadRecentSmallCount(t *testing.T) {
	src := &stubSource{respond: func(c klineCall) (market.Series, error) {
		return rangeCandles(0, 10*60_000, 60_000), nil
	}}
	l, _ := newTestLoader(t, src, Options{})

	if _, err := l.LoadRecent(context.Background(), market.Interval1m, 10); err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}
	c := src.calls[0]
	if c.start != 0 || c.end != 0 || c.limit != 10 {
		t.Errorf("call = %+v, want open-ended request with limit 10", c)
	}
}

func TestLoader_SetSymbol(t *testing.T) {
	src := &stubSource{respond: func(c klineCall) (market.Series, error) {
		return nil, nil
	}}
	l, _ := newTestLoader(t, src, Options{Symbol: "BTCUSDT"})

	l.SetSymbol("ETHUSDT")
	if _, err := l.Load(context.Background(), market.Interval1m, 0, 0, 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if src.calls[0].symbol != "ETHUSDT" {
		t.Errorf("symbol = %q, want ETHUSDT", src.calls[0].symbol)
	}
}
