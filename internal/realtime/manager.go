// Package realtime orchestrates the market-data pipeline for one
// instrument: historical seeding, live kline streaming into the timeframe
// buffers, resolution and instrument switching, gap repair and the
// consumer callback surface.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chartfeed/internal/market"
	"chartfeed/internal/observability"
	"chartfeed/internal/stream"
	"chartfeed/internal/timeframe"
)

// Defaults.
const (
	DefaultStreamBase      = "wss://stream.binance.com:9443/ws"
	DefaultHistoryDepth    = 500
	DefaultDebounce        = 100 * time.Millisecond
	DefaultDepthLevels     = 20
	DefaultDepthIntervalMs = 100
)

// Manager errors.
var (
	ErrDestroyed = errors.New("realtime: manager destroyed")
	ErrNoLoader  = errors.New("realtime: history loader is required")
	ErrNoManager = errors.New("realtime: timeframe manager is required")
)

// HistorySource is the backfill collaborator. *history.Loader implements
// it.
type HistorySource interface {
	LoadRecent(ctx context.Context, interval market.Interval, count int) (market.Series, error)
	LoadRange(ctx context.Context, interval market.Interval, start, end int64) (market.Series, error)
	FillGaps(ctx context.Context, interval market.Interval, existing market.Series) (market.Series, error)
	SetSymbol(symbol string)
}

// connection is the live stream surface the manager drives. *stream.Conn
// implements it.
type connection interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	State() stream.State
}

// dialFunc builds a connection; replaced in tests.
type dialFunc func(cfg stream.Config, cb stream.Callbacks, logger *zap.Logger) connection

func defaultDial(cfg stream.Config, cb stream.Callbacks, logger *zap.Logger) connection {
	return stream.New(cfg, cb, logger)
}

// Options configures a Manager.
type Options struct {
	Symbol     string
	Loader     HistorySource
	Timeframes *timeframe.Manager
	Callbacks  Callbacks
	Logger     *zap.Logger

	// StreamBase is the websocket endpoint root; stream names are
	// appended per subscription.
	StreamBase string

	// Stream carries per-connection tuning (backoff, keepalive). Its URL
	// field is ignored.
	Stream stream.Config

	// HistoryDepth is how many recent candles an initial load fetches.
	HistoryDepth int

	// Debounce is the live-update coalescing window.
	Debounce time.Duration

	// Aux stream toggles. A stream is only opened when its toggle is set
	// and the matching callback is registered.
	WithTrades      bool
	WithDepth       bool
	WithTicker      bool
	DepthLevels     int
	DepthIntervalMs int
}

// Manager drives the pipeline for one instrument. Lifecycle operations
// (Initialize, SwitchTimeframe, LoadMoreHistory, FillDataGaps,
// ChangeSymbol, Reconnect) are serialized; Destroy may interrupt any of
// them.
type Manager struct {
	loader       HistorySource
	tf           *timeframe.Manager
	cb           Callbacks
	log          *zap.Logger
	newConn      dialFunc
	streamBase   string
	streamCfg    stream.Config
	historyDepth int
	debounceIvl  time.Duration

	withTrades      bool
	withDepth       bool
	withTicker      bool
	depthLevels     int
	depthIntervalMs int

	// lifecycleMu serializes operations that span I/O; mu guards state
	// and is never held across I/O or consumer callbacks.
	lifecycleMu sync.Mutex
	mu          sync.Mutex
	symbol      string
	epoch       uint64 // invalidates kline handlers and debounce timers
	auxEpoch    uint64 // invalidates aux handlers; bumped on symbol change and destroy
	kline       connection
	aux         []connection
	debounce    *time.Timer
	destroyed   bool
	status      Status
}

// New creates a Manager. It performs no I/O; call Initialize.
func New(opts Options) (*Manager, error) {
	if opts.Symbol == "" {
		return nil, errors.New("realtime: symbol is required")
	}
	if opts.Loader == nil {
		return nil, ErrNoLoader
	}
	if opts.Timeframes == nil {
		return nil, ErrNoManager
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StreamBase == "" {
		opts.StreamBase = DefaultStreamBase
	}
	if opts.HistoryDepth <= 0 {
		opts.HistoryDepth = DefaultHistoryDepth
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.DepthLevels <= 0 {
		opts.DepthLevels = DefaultDepthLevels
	}
	if opts.DepthIntervalMs <= 0 {
		opts.DepthIntervalMs = DefaultDepthIntervalMs
	}

	return &Manager{
		loader:          opts.Loader,
		tf:              opts.Timeframes,
		cb:              opts.Callbacks,
		log:             opts.Logger,
		newConn:         defaultDial,
		streamBase:      opts.StreamBase,
		streamCfg:       opts.Stream,
		historyDepth:    opts.HistoryDepth,
		debounceIvl:     opts.Debounce,
		withTrades:      opts.WithTrades,
		withDepth:       opts.WithDepth,
		withTicker:      opts.WithTicker,
		depthLevels:     opts.DepthLevels,
		depthIntervalMs: opts.DepthIntervalMs,
		symbol:          opts.Symbol,
		status: Status{
			ActiveInterval:  opts.Timeframes.Active(),
			ConnectionState: stream.StateDisconnected,
			HistoryState:    HistoryIdle,
		},
	}, nil
}

// Initialize loads recent history for the active resolution, then opens
// its stream. It does not partially succeed silently: a failure of either
// step surfaces an error and an errored status.
func (m *Manager) Initialize(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.initialize(ctx)
}

func (m *Manager) initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	// Re-initialization supersedes whatever is live; nothing may leak.
	m.epoch++
	m.auxEpoch++
	oldKline := m.kline
	m.kline = nil
	oldAux := m.aux
	m.aux = nil
	m.stopDebounceLocked()
	symbol := m.symbol
	m.mu.Unlock()

	if oldKline != nil {
		oldKline.Disconnect()
	}
	for _, a := range oldAux {
		a.Disconnect()
	}
	interval := m.tf.Active()

	m.setStatus(func(s *Status) {
		s.IsLoading = true
		s.HistoryState = HistoryLoading
		s.ActiveInterval = interval
		s.Err = nil
	})

	series, err := m.loader.LoadRecent(ctx, interval, m.historyDepth)
	if err != nil {
		m.setStatus(func(s *Status) {
			s.IsLoading = false
			s.HistoryState = HistoryErrored
			s.Err = err
		})
		m.reportError(err)
		return fmt.Errorf("load history %s %s: %w", symbol, interval, err)
	}
	m.tf.Seed(interval, series)

	m.setStatus(func(s *Status) {
		s.HistoryState = HistoryLoaded
		s.CandleCount = series.Len()
	})
	if m.cb.OnDataReady != nil {
		m.cb.OnDataReady(series)
	}

	if err := m.openKline(ctx, interval); err != nil {
		m.setStatus(func(s *Status) {
			s.IsLoading = false
			s.Err = err
			s.ConnectionState = stream.StateErrored
		})
		m.reportError(err)
		return fmt.Errorf("open stream %s %s: %w", symbol, interval, err)
	}
	m.openAux(ctx)

	m.setStatus(func(s *Status) {
		s.IsLoading = false
		s.IsConnected = true
		s.ConnectionState = stream.StateConnected
	})
	m.log.Info("realtime manager initialized",
		zap.String("symbol", symbol),
		zap.String("interval", string(interval)),
		zap.Int("candles", series.Len()))
	return nil
}

// SwitchTimeframe moves the pipeline to a new active resolution. The old
// connection is fully torn down first; the active marker only flips once
// data and the new connection have caught up, so a consumer never
// observes a half-switched state. No-op when already active.
func (m *Manager) SwitchTimeframe(ctx context.Context, next market.Interval) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	m.mu.Unlock()

	prev := m.tf.Active()
	if next == prev {
		return nil
	}

	needsLoad, err := m.tf.Prepare(next)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.epoch++
	old := m.kline
	m.kline = nil
	m.stopDebounceLocked()
	m.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}

	m.setStatus(func(s *Status) {
		s.IsLoading = true
		s.IsConnected = false
		s.ConnectionState = stream.StateDisconnected
	})

	if needsLoad {
		m.setStatus(func(s *Status) { s.HistoryState = HistoryLoading })
		series, err := m.loader.LoadRecent(ctx, next, m.historyDepth)
		if err != nil {
			m.setStatus(func(s *Status) {
				s.IsLoading = false
				s.HistoryState = HistoryErrored
				s.Err = err
			})
			m.reportError(err)
			return fmt.Errorf("switch to %s: %w", next, err)
		}
		m.tf.Seed(next, series)
		m.setStatus(func(s *Status) { s.HistoryState = HistoryLoaded })
	}

	if err := m.openKline(ctx, next); err != nil {
		m.setStatus(func(s *Status) {
			s.IsLoading = false
			s.Err = err
			s.ConnectionState = stream.StateErrored
		})
		m.reportError(err)
		return fmt.Errorf("switch stream to %s: %w", next, err)
	}

	if err := m.tf.SwitchActive(next); err != nil {
		return err
	}
	observability.RecordTimeframeSwitch()

	m.setStatus(func(s *Status) {
		s.ActiveInterval = next
		s.IsLoading = false
		s.IsConnected = true
		s.ConnectionState = stream.StateConnected
		s.CandleCount = m.tf.Len(next)
		s.Err = nil
	})
	if m.cb.OnTimeframeChange != nil {
		m.cb.OnTimeframeChange(prev, next)
	}
	if m.cb.OnDataReady != nil {
		m.cb.OnDataReady(m.tf.ActiveSeries())
	}
	return nil
}

// LoadMoreHistory extends the active series backward from its oldest
// candle by count periods, merging without duplicates. Partial progress
// is kept when a batch fails mid-span.
func (m *Manager) LoadMoreHistory(ctx context.Context, count int) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	m.mu.Unlock()
	if count <= 0 {
		return nil
	}

	interval := m.tf.Active()
	series := m.tf.ActiveSeries()

	first, ok := series.First()
	if !ok {
		loaded, err := m.loader.LoadRecent(ctx, interval, count)
		if err != nil {
			m.reportError(err)
			return err
		}
		m.tf.Seed(interval, loaded)
		m.notifyData()
		return nil
	}

	period := interval.DurationMs()
	end := first.OpenTime
	start := end - int64(count)*period

	older, err := m.loader.LoadRange(ctx, interval, start, end)
	if older.Len() > 0 {
		m.tf.ExtendBack(interval, older)
		m.notifyData()
	}
	if err != nil {
		m.reportError(err)
		return err
	}
	return nil
}

// FillDataGaps backfills missing periods of the active series and merges
// the result.
func (m *Manager) FillDataGaps(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	m.mu.Unlock()

	interval := m.tf.Active()
	existing := m.tf.ActiveSeries()

	filled, err := m.loader.FillGaps(ctx, interval, existing)
	if filled.Len() > existing.Len() {
		m.tf.Replace(interval, filled)
		m.notifyData()
	}
	if err != nil {
		m.reportError(err)
		return err
	}
	return nil
}

// ChangeSymbol tears down every connection and cache for the old
// instrument, then re-initializes for the new one. No-op on the same
// symbol.
func (m *Manager) ChangeSymbol(ctx context.Context, symbol string) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if symbol == m.symbol {
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	m.auxEpoch++
	old := m.kline
	m.kline = nil
	aux := m.aux
	m.aux = nil
	m.stopDebounceLocked()
	m.symbol = symbol
	m.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	for _, a := range aux {
		a.Disconnect()
	}

	m.loader.SetSymbol(symbol)
	m.tf.Reset(symbol)
	m.log.Info("symbol changed", zap.String("symbol", symbol))
	return m.initialize(ctx)
}

// Reconnect manually reconnects the active stream only. Aux streams are
// untouched.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	m.epoch++
	old := m.kline
	m.kline = nil
	m.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}

	interval := m.tf.Active()
	if err := m.openKline(ctx, interval); err != nil {
		m.setStatus(func(s *Status) {
			s.IsConnected = false
			s.ConnectionState = stream.StateErrored
			s.Err = err
		})
		m.reportError(err)
		return fmt.Errorf("reconnect: %w", err)
	}

	m.setStatus(func(s *Status) {
		s.IsConnected = true
		s.ConnectionState = stream.StateConnected
		s.Err = nil
	})
	return nil
}

// Destroy disconnects everything, cancels all timers and releases
// buffers. Idempotent; every later operation is a no-op returning
// ErrDestroyed, and stale stream callbacks are dropped.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.epoch++
	m.auxEpoch++
	m.stopDebounceLocked()
	old := m.kline
	m.kline = nil
	aux := m.aux
	m.aux = nil
	m.status.IsConnected = false
	m.status.IsLoading = false
	m.status.ConnectionState = stream.StateClosed
	snap := m.status
	m.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	for _, a := range aux {
		a.Disconnect()
	}
	m.tf.ClearCache()

	if m.cb.OnStatusChange != nil {
		m.cb.OnStatusChange(snap)
	}
	m.log.Info("realtime manager destroyed")
}

// Status returns the current snapshot. Safe after Destroy.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.status
	if m.destroyed {
		return snap
	}
	if m.kline != nil {
		snap.ConnectionState = m.kline.State()
		snap.IsConnected = m.kline.IsConnected()
	}
	snap.ActiveInterval = m.tf.Active()
	snap.CandleCount = m.tf.Len(snap.ActiveInterval)
	return snap
}

// setStatus mutates the snapshot atomically and pushes a copy to
// OnStatusChange. Dropped silently after Destroy.
func (m *Manager) setStatus(mut func(*Status)) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	mut(&m.status)
	snap := m.status
	m.mu.Unlock()

	if m.cb.OnStatusChange != nil {
		m.cb.OnStatusChange(snap)
	}
}

// notifyData pushes the active series to OnDataUpdate immediately,
// bypassing the debounce; used after explicit history operations.
func (m *Manager) notifyData() {
	m.setStatus(func(s *Status) { s.CandleCount = m.tf.Len(s.ActiveInterval) })
	observability.RecordUpdateDelivered()
	if m.cb.OnDataUpdate != nil {
		m.cb.OnDataUpdate(m.tf.ActiveSeries())
	}
}

func (m *Manager) reportError(err error) {
	if m.cb.OnError != nil {
		m.cb.OnError(err)
	}
}

// stopDebounceLocked cancels a pending coalesced notification. Caller
// holds mu.
func (m *Manager) stopDebounceLocked() {
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
}
