// Package timeframe maintains per-resolution candle buffers, derives
// coarser resolutions from finer ones via a static rule table, and
// persists buffers through the two cache tiers.
package timeframe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"chartfeed/internal/cache"
	"chartfeed/internal/market"
	"chartfeed/internal/observability"
)

// DefaultMaxSeriesLength caps each resolution's buffer.
const DefaultMaxSeriesLength = 1000

// Configuration errors, rejected synchronously before any I/O.
var (
	ErrNotEnabled    = errors.New("timeframe: resolution not enabled")
	ErrDisableActive = errors.New("timeframe: cannot disable the active resolution")
	ErrNoDurable     = errors.New("timeframe: no durable tier configured")
)

// Info is one resolution's entry in a Status report.
type Info struct {
	Enabled bool
	Active  bool
	Length  int
	FirstAt int64 // OpenTime of the oldest candle, 0 when empty
	LastAt  int64 // OpenTime of the newest candle, 0 when empty
}

// Options configures a Manager.
type Options struct {
	Symbol  string
	Active  market.Interval
	Enabled []market.Interval

	// MaxSeriesLength caps each buffer; backward extension may grow a
	// buffer to twice this before it is trimmed back. <= 0 uses the
	// default.
	MaxSeriesLength int

	// Memory is the always-on first cache tier.
	Memory *cache.Memory

	// Durable is the optional second tier.
	Durable cache.Durable

	Logger *zap.Logger
}

type pendingKey struct {
	source market.Interval
	target market.Interval
}

type pendingBucket struct {
	start   int64
	candles market.Series
}

// Manager owns every candle buffer for one instrument. All mutation is
// serialized under one mutex, never held across I/O.
type Manager struct {
	mu      sync.Mutex
	symbol  string
	active  market.Interval
	enabled map[market.Interval]bool
	series  map[market.Interval]market.Series
	pending map[pendingKey]pendingBucket

	maxLen  int
	memory  *cache.Memory
	durable cache.Durable
	log     *zap.Logger
}

// NewManager creates a Manager. The active resolution is implicitly
// enabled.
func NewManager(opts Options) (*Manager, error) {
	if opts.Symbol == "" {
		return nil, errors.New("timeframe: symbol is required")
	}
	if !opts.Active.Valid() {
		return nil, fmt.Errorf("timeframe: invalid active resolution %q", opts.Active)
	}
	if opts.MaxSeriesLength <= 0 {
		opts.MaxSeriesLength = DefaultMaxSeriesLength
	}
	if opts.Memory == nil {
		opts.Memory = cache.NewMemory(0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	enabled := map[market.Interval]bool{opts.Active: true}
	for _, iv := range opts.Enabled {
		if !iv.Valid() {
			return nil, fmt.Errorf("timeframe: invalid resolution %q", iv)
		}
		enabled[iv] = true
	}

	return &Manager{
		symbol:  opts.Symbol,
		active:  opts.Active,
		enabled: enabled,
		series:  make(map[market.Interval]market.Series),
		pending: make(map[pendingKey]pendingBucket),
		maxLen:  opts.MaxSeriesLength,
		memory:  opts.Memory,
		durable: opts.Durable,
		log:     opts.Logger,
	}, nil
}

// Symbol returns the instrument this manager owns.
func (m *Manager) Symbol() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.symbol
}

// Active returns the active resolution.
func (m *Manager) Active() market.Interval {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Ingest accepts one candle for a resolution. Closed candles fold into
// every derived resolution whose rule source matches; in-progress candles
// only update their own buffer.
func (m *Manager) Ingest(interval market.Interval, c market.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled[interval] {
		return fmt.Errorf("%w: %s", ErrNotEnabled, interval)
	}
	m.ingestLocked(interval, c)
	return nil
}

func (m *Manager) ingestLocked(interval market.Interval, c market.Candle) {
	s := m.series[interval].Upsert(c)
	s = s.TrimFront(m.maxLen)
	m.series[interval] = s

	observability.RecordCandleIngested(string(interval))
	observability.UpdateSeriesLength(string(interval), s.Len())
	m.memory.PutSeries(m.symbol, interval, s)

	if c.Closed {
		m.foldLocked(interval, c)
	}
}

// foldLocked advances the in-progress aggregate of every rule sourced at
// interval. An aggregate is emitted only once its source candles fully
// and exclusively tile one aligned target period; emission recurses so a
// finished 5m bar can complete a 15m bar in the same call. A disabled
// target that still leads to an enabled one folds onward without a
// buffer of its own, so 15m candles can feed 1h through a disabled 30m.
func (m *Manager) foldLocked(interval market.Interval, c market.Candle) {
	for _, r := range RulesFrom(interval) {
		if !m.reachesEnabledLocked(r.Target) {
			continue
		}

		key := pendingKey{r.Source, r.Target}
		targetStart := r.Target.BucketStart(c.OpenTime)

		b := m.pending[key]
		if b.candles.Len() > 0 && b.start != targetStart {
			// A candle for a new target period abandons the old
			// incomplete bucket; its period can never be fully covered
			// now.
			b = pendingBucket{}
		}
		b.start = targetStart
		b.candles = b.candles.Upsert(c)

		if !tiles(b, r) {
			m.pending[key] = b
			continue
		}

		delete(m.pending, key)
		agg := Aggregate(targetStart, b.candles)
		if !m.enabled[r.Target] {
			m.foldLocked(r.Target, agg)
			continue
		}
		observability.RecordAggregateEmitted(string(r.Target))
		m.ingestLocked(r.Target, agg)
	}
}

// reachesEnabledLocked reports whether iv, or any coarser resolution
// derivable from it, is enabled. Folding toward an unreachable chain is
// pointless; toward a reachable one it must continue even through
// disabled intermediates.
func (m *Manager) reachesEnabledLocked(iv market.Interval) bool {
	if m.enabled[iv] {
		return true
	}
	for _, r := range RulesFrom(iv) {
		if m.reachesEnabledLocked(r.Target) {
			return true
		}
	}
	return false
}

// tiles reports whether the bucket's candles exactly cover one target
// period: factor candles, contiguous, starting on the aligned boundary.
func tiles(b pendingBucket, r Rule) bool {
	if b.candles.Len() != r.Factor {
		return false
	}
	period := r.Source.DurationMs()
	for i, c := range b.candles {
		if c.OpenTime != b.start+int64(i)*period {
			return false
		}
	}
	return true
}

// Prepare readies a resolution for activation without flipping the active
// marker: it verifies the resolution is enabled and seeds its buffer from
// the memory tier when a fresh copy exists. needsLoad reports that no
// usable buffer was found and history must be loaded before live updates
// resume meaningfully.
func (m *Manager) Prepare(interval market.Interval) (needsLoad bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled[interval] {
		return false, fmt.Errorf("%w: %s", ErrNotEnabled, interval)
	}
	if m.series[interval].Len() > 0 {
		return false, nil
	}
	if cached, ok := m.memory.GetSeries(m.symbol, interval); ok {
		observability.RecordCacheHit("memory")
		m.series[interval] = cached
		return false, nil
	}
	observability.RecordCacheMiss("memory")
	return true, nil
}

// SwitchActive flips the active marker. The prior resolution's buffer
// stays cached for reuse. Callers load history via Prepare/Seed before
// flipping so a consumer never observes an active resolution without its
// data.
func (m *Manager) SwitchActive(interval market.Interval) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled[interval] {
		return fmt.Errorf("%w: %s", ErrNotEnabled, interval)
	}
	m.active = interval
	return nil
}

// ActiveSeries returns a copy of the active resolution's buffer.
func (m *Manager) ActiveSeries() market.Series {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.series[m.active].Clone()
}

// Len returns one resolution's buffer length.
func (m *Manager) Len(interval market.Interval) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.series[interval].Len()
}

// Series returns a copy of one resolution's buffer.
func (m *Manager) Series(interval market.Interval) market.Series {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.series[interval].Clone()
}

// Enable turns a resolution on for ingestion and aggregation targets.
func (m *Manager) Enable(interval market.Interval) error {
	if !interval.Valid() {
		return fmt.Errorf("timeframe: invalid resolution %q", interval)
	}
	m.mu.Lock()
	m.enabled[interval] = true
	m.mu.Unlock()
	return nil
}

// Disable turns a resolution off. Disabling the active resolution is an
// error. The buffer stays cached.
func (m *Manager) Disable(interval market.Interval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval == m.active {
		return ErrDisableActive
	}
	delete(m.enabled, interval)
	return nil
}

// Status reports every known resolution's state.
func (m *Manager) Status() map[market.Interval]Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[market.Interval]Info)
	for iv := range m.enabled {
		out[iv] = m.infoLocked(iv)
	}
	for iv := range m.series {
		if _, ok := out[iv]; !ok {
			out[iv] = m.infoLocked(iv)
		}
	}
	return out
}

func (m *Manager) infoLocked(iv market.Interval) Info {
	s := m.series[iv]
	info := Info{
		Enabled: m.enabled[iv],
		Active:  iv == m.active,
		Length:  s.Len(),
	}
	if first, ok := s.First(); ok {
		info.FirstAt = first.OpenTime
	}
	if last, ok := s.Last(); ok {
		info.LastAt = last.OpenTime
	}
	return info
}

// Seed replaces a resolution's buffer with loaded history.
func (m *Manager) Seed(interval market.Interval, s market.Series) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seeded := s.Clone().TrimFront(m.maxLen)
	m.series[interval] = seeded
	m.memory.PutSeries(m.symbol, interval, seeded)
	observability.UpdateSeriesLength(string(interval), seeded.Len())
}

// ExtendBack merges older candles in front of a resolution's buffer,
// deduplicating by OpenTime. The buffer may grow to twice the cap here;
// subsequent live ingestion trims it back to the cap.
func (m *Manager) ExtendBack(interval market.Interval, older market.Series) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Extension may hold up to twice the cap; the next live ingest trims
	// back down.
	merged := market.Merge(older, m.series[interval]).TrimFront(2 * m.maxLen)
	m.series[interval] = merged

	m.memory.PutSeries(m.symbol, interval, merged)
	observability.UpdateSeriesLength(string(interval), merged.Len())
}

// Replace swaps a resolution's buffer wholesale, e.g. after gap filling.
// The cap still applies.
func (m *Manager) Replace(interval market.Interval, s market.Series) {
	m.mu.Lock()
	defer m.mu.Unlock()

	replaced := s.Clone().TrimFront(m.maxLen)
	m.series[interval] = replaced
	m.memory.PutSeries(m.symbol, interval, replaced)
	observability.UpdateSeriesLength(string(interval), replaced.Len())
}

// ClearCache drops buffers and cache entries for the given resolutions,
// or for every resolution of the instrument when none are given.
func (m *Manager) ClearCache(intervals ...market.Interval) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(intervals) == 0 {
		m.series = make(map[market.Interval]market.Series)
		m.pending = make(map[pendingKey]pendingBucket)
		m.memory.Clear(m.symbol)
		return
	}
	for _, iv := range intervals {
		delete(m.series, iv)
		for key := range m.pending {
			if key.source == iv || key.target == iv {
				delete(m.pending, key)
			}
		}
		m.memory.Delete(m.symbol, iv)
	}
}

// Reset clears all state and switches to a new instrument.
func (m *Manager) Reset(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.memory.Clear(m.symbol)
	m.symbol = symbol
	m.series = make(map[market.Interval]market.Series)
	m.pending = make(map[pendingKey]pendingBucket)
}

// SaveSnapshot persists one resolution's buffer to the durable tier as an
// atomic full replace.
func (m *Manager) SaveSnapshot(ctx context.Context, interval market.Interval) error {
	if m.durable == nil {
		return ErrNoDurable
	}

	m.mu.Lock()
	symbol := m.symbol
	s := m.series[interval].Clone()
	m.mu.Unlock()

	if err := m.durable.ReplaceSeries(ctx, symbol, interval, s); err != nil {
		return fmt.Errorf("save snapshot %s %s: %w", symbol, interval, err)
	}
	return nil
}

// LoadSnapshot restores one resolution's buffer from the durable tier and
// repopulates the memory tier. cache.ErrNotFound passes through when
// nothing is stored.
func (m *Manager) LoadSnapshot(ctx context.Context, interval market.Interval) (market.Series, error) {
	if m.durable == nil {
		return nil, ErrNoDurable
	}

	m.mu.Lock()
	symbol := m.symbol
	m.mu.Unlock()

	s, err := m.durable.LoadSeries(ctx, symbol, interval)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			observability.RecordCacheMiss("durable")
		}
		return nil, err
	}
	observability.RecordCacheHit("durable")

	m.mu.Lock()
	m.series[interval] = s.Clone().TrimFront(m.maxLen)
	m.memory.PutSeries(symbol, interval, m.series[interval])
	m.mu.Unlock()
	return s, nil
}
