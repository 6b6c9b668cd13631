package realtime

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"chartfeed/internal/binance"
	"chartfeed/internal/market"
	"chartfeed/internal/observability"
	"chartfeed/internal/stream"
)

// openKline dials the kline subscription for a resolution and installs it
// as the single live connection. Handlers capture the current epoch so a
// later switch or Destroy silently invalidates them.
func (m *Manager) openKline(ctx context.Context, interval market.Interval) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	epoch := m.epoch
	symbol := m.symbol
	m.mu.Unlock()

	cfg := m.streamCfg
	cfg.URL = binance.StreamURL(m.streamBase, binance.KlineStream(symbol, interval))
	conn := m.newConn(cfg, stream.Callbacks{
		OnMessage: func(data []byte) {
			m.handleKline(epoch, interval, data)
		},
		OnConnect: func() {
			m.handleConnChange(epoch, true, nil)
		},
		OnDisconnect: func(reason error) {
			m.handleConnChange(epoch, false, reason)
		},
		OnError: func(err error) {
			m.handleStreamError(epoch, err)
		},
	}, m.log.Named("kline"))

	if err := conn.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.destroyed || m.epoch != epoch {
		m.mu.Unlock()
		conn.Disconnect()
		return ErrDestroyed
	}
	m.kline = conn
	m.mu.Unlock()
	return nil
}

// handleKline decodes one kline frame and folds it into the timeframe
// buffers, then schedules a coalesced consumer notification.
func (m *Manager) handleKline(epoch uint64, interval market.Interval, data []byte) {
	if m.stale(epoch) {
		return
	}

	ev, err := binance.ParseKlineEvent(data)
	if err != nil {
		m.log.Warn("dropping malformed kline frame", zap.Error(err))
		return
	}
	c, err := ev.Kline.Candle()
	if err != nil {
		m.log.Warn("dropping invalid kline payload", zap.Error(err))
		m.reportError(err)
		return
	}

	if err := m.tf.Ingest(interval, c); err != nil {
		m.log.Warn("kline ingest rejected",
			zap.String("interval", string(interval)), zap.Error(err))
		return
	}

	m.mu.Lock()
	if m.destroyed || m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.status.LastUpdate = time.Now().UnixMilli()
	m.status.CandleCount = m.tf.Len(interval)
	m.mu.Unlock()

	m.scheduleNotify(epoch)
}

// scheduleNotify arms the trailing debounce timer, or pushes it out when
// one is already pending. Updates are only delayed here, never dropped.
func (m *Manager) scheduleNotify(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed || m.epoch != epoch {
		return
	}
	if m.debounce != nil {
		m.debounce.Reset(m.debounceIvl)
		observability.RecordUpdateCoalesced()
		return
	}
	m.debounce = time.AfterFunc(m.debounceIvl, func() {
		m.flushNotify(epoch)
	})
}

func (m *Manager) flushNotify(epoch uint64) {
	m.mu.Lock()
	if m.destroyed || m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.debounce = nil
	m.mu.Unlock()

	observability.RecordUpdateDelivered()
	if m.cb.OnDataUpdate != nil {
		m.cb.OnDataUpdate(m.tf.ActiveSeries())
	}
}

// handleConnChange tracks transport transitions of the active stream.
func (m *Manager) handleConnChange(epoch uint64, up bool, reason error) {
	m.mu.Lock()
	if m.destroyed || m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.status.IsConnected = up
	switch {
	case up:
		m.status.ConnectionState = stream.StateConnected
	case errors.Is(reason, stream.ErrMaxReconnects):
		m.status.ConnectionState = stream.StateFailed
		m.status.Err = reason
	default:
		m.status.ConnectionState = stream.StateDisconnected
	}
	snap := m.status
	m.mu.Unlock()

	if m.cb.OnStatusChange != nil {
		m.cb.OnStatusChange(snap)
	}
	if reason != nil {
		m.reportError(reason)
	}
}

// handleStreamError logs transient transport errors. Terminal failures
// arrive through handleConnChange instead.
func (m *Manager) handleStreamError(epoch uint64, err error) {
	if m.stale(epoch) {
		return
	}
	m.log.Warn("stream error", zap.Error(err))
}

func (m *Manager) stale(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed || m.epoch != epoch
}

// openAux dials the optional trade, depth and ticker subscriptions. A
// failed aux dial is logged and skipped; it never fails the pipeline.
func (m *Manager) openAux(ctx context.Context) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	symbol := m.symbol
	auxEpoch := m.auxEpoch
	m.mu.Unlock()

	type auxFeed struct {
		name    string
		handler func(data []byte)
	}

	var feeds []auxFeed
	if m.withTrades && m.cb.OnTradeUpdate != nil {
		feeds = append(feeds, auxFeed{
			name:    binance.TradeStream(symbol),
			handler: func(data []byte) { m.handleTrade(auxEpoch, data) },
		})
	}
	if m.withDepth && m.cb.OnDepthUpdate != nil {
		feeds = append(feeds, auxFeed{
			name:    binance.DepthStream(symbol, m.depthLevels, m.depthIntervalMs),
			handler: func(data []byte) { m.handleDepth(auxEpoch, data) },
		})
	}
	if m.withTicker && m.cb.OnTickerUpdate != nil {
		feeds = append(feeds, auxFeed{
			name:    binance.TickerStream(symbol),
			handler: func(data []byte) { m.handleTicker(auxEpoch, data) },
		})
	}

	for _, f := range feeds {
		cfg := m.streamCfg
		cfg.URL = binance.StreamURL(m.streamBase, f.name)
		conn := m.newConn(cfg, stream.Callbacks{
			OnMessage: f.handler,
			OnError: func(err error) {
				m.log.Warn("aux stream error",
					zap.String("stream", f.name), zap.Error(err))
			},
		}, m.log.Named("aux"))

		if err := conn.Connect(ctx); err != nil {
			m.log.Warn("aux stream connect failed",
				zap.String("stream", f.name), zap.Error(err))
			continue
		}

		m.mu.Lock()
		if m.destroyed || m.auxEpoch != auxEpoch {
			m.mu.Unlock()
			conn.Disconnect()
			return
		}
		m.aux = append(m.aux, conn)
		m.mu.Unlock()
	}
}

func (m *Manager) auxStale(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed || m.auxEpoch != epoch
}

func (m *Manager) handleTrade(epoch uint64, data []byte) {
	if m.auxStale(epoch) {
		return
	}
	ev, err := binance.ParseTradeEvent(data)
	if err != nil {
		m.log.Warn("dropping malformed trade frame", zap.Error(err))
		return
	}
	m.cb.OnTradeUpdate(ev)
}

func (m *Manager) handleDepth(epoch uint64, data []byte) {
	if m.auxStale(epoch) {
		return
	}
	ev, err := binance.ParseDepthUpdate(data)
	if err != nil {
		m.log.Warn("dropping malformed depth frame", zap.Error(err))
		return
	}
	m.cb.OnDepthUpdate(ev)
}

func (m *Manager) handleTicker(epoch uint64, data []byte) {
	if m.auxStale(epoch) {
		return
	}
	ev, err := binance.ParseTickerEvent(data)
	if err != nil {
		m.log.Warn("dropping malformed ticker frame", zap.Error(err))
		return
	}
	m.cb.OnTickerUpdate(ev)
}
