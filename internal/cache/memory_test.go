package cache

import (
	"testing"
	"time"

	"chartfeed/internal/market"
)

func testSeries(times ...int64) market.Series {
	var s market.Series
	for _, ts := range times {
		s = s.Upsert(market.Candle{OpenTime: ts, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1})
	}
	return s
}

func TestMemory_PutGetRange(t *testing.T) {
	m := NewMemory(time.Minute)
	m.PutRange("BTCUSDT", market.Interval1m, 0, 120_000, testSeries(0, 60_000))

	got, ok := m.GetRange("BTCUSDT", market.Interval1m, 0, 120_000)
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Len() != 2 {
		t.Errorf("len = %d, want 2", got.Len())
	}

	if _, ok := m.GetRange("BTCUSDT", market.Interval1m, 0, 180_000); ok {
		t.Error("different range must be a separate key")
	}
	if _, ok := m.GetRange("ETHUSDT", market.Interval1m, 0, 120_000); ok {
		t.Error("different symbol must be a separate key")
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	m := NewMemory(time.Minute)
	now := time.UnixMilli(1_000_000)
	m.now = func() time.Time { return now }

	m.PutRange("BTCUSDT", market.Interval1m, 0, 60_000, testSeries(0))

	now = now.Add(59 * time.Second)
	if _, ok := m.GetRange("BTCUSDT", market.Interval1m, 0, 60_000); !ok {
		t.Error("entry should still be fresh")
	}

	now = now.Add(2 * time.Second)
	if _, ok := m.GetRange("BTCUSDT", market.Interval1m, 0, 60_000); ok {
		t.Error("entry past TTL should expire")
	}
}

func TestMemory_WorkingBuffer(t *testing.T) {
	m := NewMemory(time.Minute)
	m.PutSeries("BTCUSDT", market.Interval5m, testSeries(0, 300_000))

	got, ok := m.GetSeries("BTCUSDT", market.Interval5m)
	if !ok || got.Len() != 2 {
		t.Fatalf("working buffer hit = %v len = %d", ok, got.Len())
	}

	// Returned series must not alias the stored one.
	got[0].Close = 99
	again, _ := m.GetSeries("BTCUSDT", market.Interval5m)
	if again[0].Close == 99 {
		t.Error("cache handed out aliased storage")
	}
}

func TestMemory_RangeAndSeriesNamespacesDisjoint(t *testing.T) {
	m := NewMemory(time.Minute)

	// A limit-only historical load is keyed (0, 0); it must not collide
	// with the live working buffer for the same instrument.
	m.PutSeries("BTCUSDT", market.Interval1m, testSeries(0, 60_000, 120_000))
	m.PutRange("BTCUSDT", market.Interval1m, 0, 0, testSeries(0))

	got, ok := m.GetSeries("BTCUSDT", market.Interval1m)
	if !ok || got.Len() != 3 {
		t.Fatalf("working buffer hit = %v len = %d, want 3", ok, got.Len())
	}
	got, ok = m.GetRange("BTCUSDT", market.Interval1m, 0, 0)
	if !ok || got.Len() != 1 {
		t.Fatalf("range hit = %v len = %d, want 1", ok, got.Len())
	}
}

func TestMemory_DeleteAndClear(t *testing.T) {
	m := NewMemory(time.Minute)
	m.PutSeries("BTCUSDT", market.Interval1m, testSeries(0))
	m.PutRange("BTCUSDT", market.Interval1m, 0, 60_000, testSeries(0))
	m.PutSeries("BTCUSDT", market.Interval5m, testSeries(0))
	m.PutSeries("ETHUSDT", market.Interval1m, testSeries(0))

	m.Delete("BTCUSDT", market.Interval1m)
	if _, ok := m.GetSeries("BTCUSDT", market.Interval1m); ok {
		t.Error("series entry should be gone")
	}
	if _, ok := m.GetRange("BTCUSDT", market.Interval1m, 0, 60_000); ok {
		t.Error("range entry should be gone")
	}
	if _, ok := m.GetSeries("BTCUSDT", market.Interval5m); !ok {
		t.Error("other interval should survive Delete")
	}

	m.Clear("BTCUSDT")
	if _, ok := m.GetSeries("BTCUSDT", market.Interval5m); ok {
		t.Error("Clear should drop every entry of the symbol")
	}
	if _, ok := m.GetSeries("ETHUSDT", market.Interval1m); !ok {
		t.Error("other symbol should survive Clear")
	}

	m.Purge()
	if _, ok := m.GetSeries("ETHUSDT", market.Interval1m); ok {
		t.Error("Purge should drop everything")
	}
}
