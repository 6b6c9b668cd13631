package cache

import (
	"fmt"
	"sync"
	"time"

	"chartfeed/internal/market"
)

// DefaultTTL is how long a cached range stays fresh.
const DefaultTTL = 5 * time.Minute

// Memory is the in-process cache tier. Range entries (historical loads)
// are keyed by (symbol, interval, start, end); working buffers (live
// series) by (symbol, interval) in a separate namespace. All entries
// share one TTL.
type Memory struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]Entry
	now     func() time.Time
}

// NewMemory creates a memory cache. ttl <= 0 uses DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Range and series entries carry distinct prefixes so a limit-only load
// keyed (0, 0) can never alias the working buffer.
func rangeKey(symbol string, interval market.Interval, start, end int64) string {
	return fmt.Sprintf("range|%s|%s|%d|%d", symbol, interval, start, end)
}

func seriesKey(symbol string, interval market.Interval) string {
	return fmt.Sprintf("series|%s|%s", symbol, interval)
}

// GetRange returns a fresh cached range, or ok=false.
func (m *Memory) GetRange(symbol string, interval market.Interval, start, end int64) (market.Series, bool) {
	return m.get(rangeKey(symbol, interval, start, end))
}

// PutRange stores a fetched range.
func (m *Memory) PutRange(symbol string, interval market.Interval, start, end int64, candles market.Series) {
	m.put(rangeKey(symbol, interval, start, end), Entry{
		Symbol:   symbol,
		Interval: interval,
		Start:    start,
		End:      end,
		Candles:  candles.Clone(),
	})
}

// GetSeries returns the fresh working buffer for a key, or ok=false.
func (m *Memory) GetSeries(symbol string, interval market.Interval) (market.Series, bool) {
	return m.get(seriesKey(symbol, interval))
}

// PutSeries stores the working buffer for a key.
func (m *Memory) PutSeries(symbol string, interval market.Interval, candles market.Series) {
	m.put(seriesKey(symbol, interval), Entry{
		Symbol:   symbol,
		Interval: interval,
		Candles:  candles.Clone(),
	})
}

// Delete removes every entry for (symbol, interval), range entries
// included.
func (m *Memory) Delete(symbol string, interval market.Interval) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.Symbol == symbol && e.Interval == interval {
			delete(m.entries, k)
		}
	}
}

// Clear removes every entry for a symbol.
func (m *Memory) Clear(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.Symbol == symbol {
			delete(m.entries, k)
		}
	}
}

// Purge removes everything.
func (m *Memory) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]Entry)
}

func (m *Memory) get(key string) (market.Series, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if m.now().UnixMilli()-e.FetchedAt > m.ttl.Milliseconds() {
		m.mu.Lock()
		// Re-check under the write lock; a fresher entry may have landed.
		if cur, still := m.entries[key]; still && cur.FetchedAt == e.FetchedAt {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false
	}
	return e.Candles.Clone(), true
}

func (m *Memory) put(key string, e Entry) {
	e.FetchedAt = m.now().UnixMilli()
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
}
